package kaslr

import (
	"fmt"
	"time"
)

// EntropyQuality rates how trustworthy the randomness behind a slide is.
type EntropyQuality int

const (
	// QualityNone means no usable randomness; unsuitable for randomization.
	QualityNone EntropyQuality = iota
	// QualityLow means a predictable source such as timing jitter.
	QualityLow
	// QualityHardware means a hardware RNG backed the value.
	QualityHardware
)

func (q EntropyQuality) String() string {
	switch q {
	case QualityNone:
		return "none"
	case QualityLow:
		return "low"
	case QualityHardware:
		return "hardware"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// EntropySource maps a seed to raw bits and reports the quality achieved. A
// source must be self-contained and non-blocking; slide selection calls it at
// most twice.
type EntropySource func(seed uint64) (uint64, EntropyQuality)

// FixedSource returns a source that always yields value at the stated
// quality. Deterministic wiring for tests and for forced-slide debugging.
func FixedSource(value uint64, quality EntropyQuality) EntropySource {
	return func(uint64) (uint64, EntropyQuality) {
		return value, quality
	}
}

// JitterSource derives weak entropy from clock jitter. It is the fallback
// when no hardware RNG is advertised; results are tagged QualityLow so the
// caller knows the placement is guessable.
func JitterSource() EntropySource {
	return func(seed uint64) (uint64, EntropyQuality) {
		m := NewMixer(seed)
		for i := 0; i < 32; i++ {
			m.Mix(uint64(time.Now().UnixNano()))
		}
		return m.Finalize(), QualityLow
	}
}

// ProductionSource wires the best source the boot environment offers: the
// hardware RNG when advertised, degrading to jitter otherwise.
func ProductionSource(hardwareAvailable bool) EntropySource {
	hw := HardwareSource()
	jitter := JitterSource()
	return func(seed uint64) (uint64, EntropyQuality) {
		if hardwareAvailable {
			if v, q := hw(seed); q != QualityNone {
				return v, q
			}
		}
		return jitter(seed)
	}
}

// Mixer is a xorshift-multiply accumulator with a murmur-style finalizer.
// Cheap enough for the boot path, good enough to spread a handful of weak
// inputs across the full 64 bits.
type Mixer struct {
	state uint64
}

// NewMixer returns a mixer seeded with the given value.
func NewMixer(seed uint64) Mixer {
	if seed == 0 {
		seed = 0x853c49e6748fea9b
	}
	return Mixer{state: seed}
}

// Mix folds additional entropy into the state.
func (m *Mixer) Mix(entropy uint64) {
	m.state ^= entropy
	m.state *= 0x2545F4914F6CDD1D
	m.state ^= m.state >> 27
}

// Finalize returns the fully mixed value.
func (m *Mixer) Finalize() uint64 {
	s := m.state
	s ^= s >> 33
	s *= 0xFF51AFD7ED558CCD
	s ^= s >> 33
	s *= 0xC4CEB9FE1A85EC53
	s ^= s >> 33
	return s
}
