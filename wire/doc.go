// Package wire is a low-level client for servers speaking the PostgreSQL wire
// protocol.
//
// The primary type is Conn. Commands are submitted with SendQuery or
// SendQueryParams and their results retrieved asynchronously: ConsumeInput
// drains whatever the server has sent without blocking, Busy reports whether a
// result is complete, WaitReadable bounds a wait for more input, and Result
// returns results one at a time until it reports (nil, nil). This mirrors the
// polling surface of the C client library so a caller can control exactly
// where and how long it blocks.
//
// Most applications should use the geopg package instead of this one.
package wire
