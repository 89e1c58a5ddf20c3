package reloc

import (
	"encoding/binary"
	"time"
)

const slotSize = 8

// EngineConfig controls engine policy. The zero value is the default and is
// the only configuration the boot path uses.
type EngineConfig struct {
	// SkipUnrecognized counts unknown relocation kinds instead of failing.
	// This is never the default: silently skipping a relocation can corrupt
	// control flow with no visible symptom until much later.
	SkipUnrecognized bool
	// Cycles reads a monotonic cycle counter for the stats. If nil, a
	// nanosecond clock is used.
	Cycles func() uint64
}

func (cfg EngineConfig) withDefaults() EngineConfig {
	if cfg.Cycles == nil {
		cfg.Cycles = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	return cfg
}

// Engine applies a relocation plan to the resident image exactly once. It is
// consumed by running: after Apply returns, the engine keeps no reference to
// the image and any further Apply fails with ErrEngineConsumed.
//
// The caller must guarantee single-threaded execution; the engine runs before
// any other core is released and takes no locks of its own.
type Engine struct {
	ctx Context
	img Image
	mem []byte
	cfg EngineConfig
}

// NewEngine returns an engine over the resident image bytes with the default
// fail-fast policy.
func NewEngine(ctx Context, img Image, mem []byte) *Engine {
	return NewEngineWithConfig(ctx, img, mem, EngineConfig{})
}

// NewEngineWithConfig returns an engine with explicit policy.
func NewEngineWithConfig(ctx Context, img Image, mem []byte, cfg EngineConfig) *Engine {
	return &Engine{ctx: ctx, img: img, mem: mem, cfg: cfg.withDefaults()}
}

// stagedWrite is one fully resolved slot rewrite: a validated target offset
// and the final value to place there.
type stagedWrite struct {
	off   uint64
	value uint64
}

// Apply rewrites every relocation target and returns the outcome stats.
//
// Writes are staged behind validation: the full entry table is decoded,
// resolved, and bounds-checked into a scratch plan before the first byte is
// touched, so any error returned here implies the image is still
// byte-for-byte intact. The commit pass reads only the staged plan, never
// the image tables again; a relocation whose target aliases the relocation
// or symbol tables can therefore corrupt later table bytes but can never
// redirect a later write through an unchecked offset.
func (e *Engine) Apply() (Stats, error) {
	if e.img == nil {
		return Stats{}, errf(ErrEngineConsumed, "")
	}
	img, mem := e.img, e.mem
	e.img, e.mem = nil, nil

	start := e.cfg.Cycles()

	if uint64(len(mem)) < e.ctx.imageSize {
		return Stats{}, errf(ErrInvalidLayout,
			"resident buffer %#x smaller than image size %#x", len(mem), e.ctx.imageSize)
	}

	stats := Stats{RuntimeBase: e.ctx.runtimeBase}
	slide := int64(e.ctx.slide)

	// Decode and validation pass. Nothing is written until every entry
	// checks out.
	n := img.NumRelocations()
	writes := make([]stagedWrite, 0, n)
	for i := 0; i < n; i++ {
		ent, err := img.RelocationAt(i)
		if err != nil {
			return Stats{}, err
		}
		stats.Total++

		switch ent.Kind {
		case KindNone:
			stats.None++

		case KindRelative:
			if err := e.checkTarget(i, ent); err != nil {
				return Stats{}, err
			}
			stats.Relative++
			writes = append(writes, stagedWrite{off: ent.Offset, value: uint64(ent.Addend + slide)})

		case KindAbsolute:
			sym, err := img.SymbolAt(ent.Sym)
			if err != nil {
				return Stats{}, err
			}
			if sym.Binding == BindStrongUndef {
				return Stats{}, entryErr(ErrUnresolvedSymbol, i, ent.Kind, ent.Offset)
			}
			if err := e.checkTarget(i, ent); err != nil {
				return Stats{}, err
			}
			stats.Absolute++
			var value uint64
			if sym.Binding != BindWeakUndef {
				value = uint64(int64(sym.Value) + ent.Addend + slide)
			}
			writes = append(writes, stagedWrite{off: ent.Offset, value: value})

		default:
			if !e.cfg.SkipUnrecognized {
				return Stats{}, &Error{
					Err:    ErrUnsupportedRelocationType,
					Index:  i,
					Kind:   ent.Kind,
					Addr:   ent.Offset,
					Detail: KindName(ent.RawType),
				}
			}
			stats.Skipped++
		}
	}

	// Commit pass. Ascending file-offset order for cache locality and
	// deterministic stats; correctness does not depend on it.
	if slide != 0 {
		for _, w := range writes {
			binary.LittleEndian.PutUint64(mem[w.off:], w.value)
		}
	}

	stats.Cycles = e.cfg.Cycles() - start
	return stats, nil
}

func (e *Engine) checkTarget(i int, ent Entry) error {
	end := ent.Offset + slotSize
	if end < ent.Offset || end > e.ctx.imageSize {
		return entryErr(ErrOutOfBoundsWrite, i, ent.Kind, ent.Offset)
	}
	return nil
}
