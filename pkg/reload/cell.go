package reload

import (
	"crypto/tls"
	"sync/atomic"
)

// Cell holds the current TLS configuration. Readers get the snapshot that
// was current when they asked; a swap never affects a handshake already
// holding the previous one.
type Cell struct {
	current atomic.Pointer[tls.Config]
}

// NewCell returns a cell holding initial.
func NewCell(initial *tls.Config) *Cell {
	c := &Cell{}
	c.current.Store(initial)
	return c
}

// Get returns the current configuration. Callers must not modify it.
func (c *Cell) Get() *tls.Config {
	return c.current.Load()
}

// Update replaces the configuration. A nil config is ignored.
func (c *Cell) Update(cfg *tls.Config) {
	if cfg == nil {
		return
	}
	c.current.Store(cfg)
}

// Shared returns the cell itself so another owner (the watcher) can update
// what the listener reads.
func (c *Cell) Shared() *Cell {
	return c
}
