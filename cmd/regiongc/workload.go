package main

import (
	"context"
	"math/rand"

	"github.com/orizon-lang/regiongc/internal/runtime/gc"
)

// runMutator keeps a ring of live linked objects and churns short-lived
// garbage around it. Roughly one allocation in a thousand is humongous and
// one in five hundred happens inside a critical section.
func runMutator(ctx context.Context, h *gc.Heap, rng *rand.Rand, live int) error {
	m, err := h.NewMutator()
	if err != nil {
		return err
	}
	defer m.Close()

	ring := make([]gc.Handle, live)
	humongous := h.RegionSize()/gc.WordSize + 1
	for n := uint64(0); ; n++ {
		if n%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		var spec gc.ObjectSpec
		switch r := rng.Intn(1000); {
		case r == 0:
			spec = gc.ObjectSpec{Kind: gc.KindPrimitiveArray, PayloadWords: int(humongous)}
		case r < 300:
			spec = gc.ObjectSpec{Kind: gc.KindObject, Refs: 2, PayloadWords: 1 + rng.Intn(8)}
		default:
			spec = gc.ObjectSpec{Kind: gc.KindPrimitiveArray, PayloadWords: rng.Intn(64)}
		}

		critical := rng.Intn(500) == 0
		if critical {
			m.EnterCritical()
		}
		hd, err := m.Allocate(spec)
		if critical {
			m.ExitCritical()
		}
		if err != nil {
			return err
		}

		if spec.Kind != gc.KindObject {
			_ = m.Release(hd)
			continue
		}
		// link into the ring, replacing a random slot
		i := rng.Intn(live)
		if prev := ring[i]; prev != 0 {
			if err := m.Store(hd, 0, prev); err != nil {
				return err
			}
			_ = m.Release(prev)
		}
		if j := rng.Intn(live); ring[j] != 0 && j != i {
			if err := m.Store(ring[j], 1, hd); err != nil {
				return err
			}
		}
		ring[i] = hd
	}
}
