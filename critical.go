//go:build !tinygo

package flsqspi

import "sync"

// critical guards the job context. Host builds have no interrupt mask so
// the foreground and HandleInterrupt, which may run on another goroutine,
// exclude each other through a mutex.
type critical struct {
	mu sync.Mutex
}

type critState struct{}

func (c *critical) enter() critState {
	c.mu.Lock()
	return critState{}
}

// tryEnter never blocks. It fails while another section is open.
func (c *critical) tryEnter() (critState, bool) {
	return critState{}, c.mu.TryLock()
}

func (c *critical) exit(critState) { c.mu.Unlock() }
