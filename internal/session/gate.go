package session

import "context"

// Gate is a single-slot async mutex: one operation holds the slot at a time
// and later arrivals wait for it, so join/leave intents are decided against
// the state the previous operation left behind rather than interleaving
// with it.
type Gate struct {
	slot chan struct{}
}

func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the previous holder releases or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the slot only if it is free.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *Gate) Release() {
	<-g.slot
}
