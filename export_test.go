// File export_test exports some internals for better testing.

package geopg

import "log/slog"

// Handle is the wire-facing surface a Connection drives, exported so tests
// can substitute a scripted fake for the real wire connection.
type Handle = handle

// NewConnectionWithHandle builds a Connection around h as if Connect had
// produced it.
func NewConnectionWithHandle(h Handle, opts ...Option) *Connection {
	c := &Connection{
		h:                h,
		statementTimeout: DefaultStatementTimeout,
		log:              slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
