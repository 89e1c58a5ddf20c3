//go:build unix

package kaslr

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// HardwareSource reads the host RNG. A failed read degrades to QualityNone
// instead of blocking; the caller's bounded retry handles the rest.
func HardwareSource() EntropySource {
	return func(seed uint64) (uint64, EntropyQuality) {
		var buf [8]byte
		n, err := unix.Getrandom(buf[:], 0)
		if err != nil || n != len(buf) {
			return 0, QualityNone
		}
		m := NewMixer(seed)
		m.Mix(binary.LittleEndian.Uint64(buf[:]))
		return m.Finalize(), QualityHardware
	}
}
