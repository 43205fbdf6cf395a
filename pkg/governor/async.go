package governor

import "context"

// ProcessAsync dispatches a Process call to a goroutine and returns a
// channel that yields the single result. The core stays synchronous; this
// is the non-blocking adapter for hosts that want futures instead of
// blocking calls. The channel is buffered, so an abandoned caller never
// leaks the worker.
func (g *Governor) ProcessAsync(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- g.Process(ctx, req)
	}()
	return out
}
