package composegif

import (
	"context"
	"sync"
)

// A Renderer serializes preview recomputation: at most one flatten is
// in flight per Renderer, starting a new one cancels the previous,
// and a superseded or canceled render never delivers its result.
// Cancellation is cooperative; Flatten checks it between ticks.
type Renderer struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// Render flattens layers on a background goroutine and calls deliver
// with the result, unless a newer Render supersedes this one first.
// deliver runs on the background goroutine.
func (r *Renderer) Render(layers []*Layer, deliver func(OutputAnimation, error)) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	go func() {
		defer cancel()
		out, err := Flatten(ctx, layers)
		r.mu.Lock()
		stale := gen != r.gen
		r.mu.Unlock()
		if stale || ctx.Err() != nil {
			return
		}
		deliver(out, err)
	}()
}

// Stop cancels any in-flight render.
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.gen++
}
