//go:build !unix

package kaslr

// HardwareSource is unavailable on this platform; the production wiring
// falls through to the jitter source.
func HardwareSource() EntropySource {
	return func(uint64) (uint64, EntropyQuality) {
		return 0, QualityNone
	}
}
