package geopg

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/mapnine/geopg/wire"
)

// DefaultStatementTimeout bounds the readiness waits of Query. Each wait
// cycle is re-budgeted against what remains of the window opened at
// submission, so total blocking time stays within one window no matter how
// many cycles a slow server causes.
const DefaultStatementTimeout = 4000 * time.Millisecond

const cursorNamePrefix = "geopg_"

// handle is the slice of the wire connection a Connection drives. Tests
// substitute a scripted fake to observe release, drain, and close behavior.
type handle interface {
	SendQuery(sql string) error
	SendQueryParams(sql string, binaryResults bool) error
	ConsumeInput() error
	Busy() bool
	Result() (*wire.Result, error)
	WaitReadable(deadline time.Time) (readable bool, err error)
	Socket() (int, error)
	Status() wire.Status
	ErrorMessage() string
	ParameterStatus(key string) string
	Close() error
}

// Connection owns one live session with the database server. It is the
// transport a mapping data provider runs its feature queries through:
// synchronous commands and queries, a pipelined async protocol, and cursor
// name allocation for paged geometry scans.
//
// A Connection is not safe for concurrent use. Use one Connection per worker
// (see geopgpool) or serialize access externally.
type Connection struct {
	h handle

	// closed is monotonic. Once true the handle has been released and no
	// protocol operation touches it again.
	closed  bool
	pending bool

	cursorCount      int
	statementTimeout time.Duration
	log              *slog.Logger
}

// Option configures a Connection at connect time.
type Option func(*Connection)

// WithStatementTimeout overrides DefaultStatementTimeout for Query.
func WithStatementTimeout(d time.Duration) Option {
	return func(c *Connection) { c.statementTimeout = d }
}

// WithLogger overrides the logger taken from the connect context.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// ResultFormat selects how Query asks the server to encode result values.
type ResultFormat int

const (
	// TextFormat submits over the simple protocol; values arrive as text.
	TextFormat ResultFormat = iota
	// BinaryFormat submits over the extended protocol requesting every
	// result column in binary form. No parameters are bound.
	BinaryFormat
)

// Connect opens a connection described by connString, in keyword/value or URL
// form. A non-empty password joins the connection parameters without ever
// being echoed into logs or error text. ctx bounds dialing and session
// startup only; it does not govern later operations.
//
// The logger defaults to the one carried by ctx, so callers threading
// request-scoped loggers get connection lifecycle events for free.
func Connect(ctx context.Context, connString, password string, opts ...Option) (*Connection, error) {
	c := &Connection{
		statementTimeout: DefaultStatementTimeout,
		log:              slogctx.FromCtx(ctx),
	}
	for _, opt := range opts {
		opt(c)
	}

	withPassword := connString
	if password != "" && !isURL(connString) {
		withPassword = connString + " password=" + quoteSettingValue(password)
	}

	config, err := wire.ParseConfig(withPassword)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnect, Message: err.Error(), ConnString: wire.RedactConnString(connString), err: err}
	}
	if password != "" && isURL(connString) {
		// a URL cannot take an appended keyword
		config.Password = password
	}

	h, err := wire.Connect(ctx, config)
	if err != nil {
		c.log.Debug("connection attempt failed", "host", config.Host, "database", config.Database)
		return nil, &Error{Kind: ErrKindConnect, Message: err.Error(), ConnString: wire.RedactConnString(connString), err: err}
	}
	c.h = h

	c.log.Debug("connection established", "host", config.Host, "database", config.Database)
	return c, nil
}

func isURL(connString string) bool {
	return strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://")
}

// quoteSettingValue quotes v for use in a keyword/value connection string.
func quoteSettingValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Close releases the connection. It is idempotent: only the first call
// touches the underlying session, later calls are no-ops.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.h == nil {
		return nil
	}
	c.log.Debug("closing connection")
	return c.h.Close()
}

// forceClose invalidates the connection after a failure that leaves the wire
// stream in an indeterminate state. The stream position is no longer
// trustworthy, so the session cannot be recovered, only abandoned.
func (c *Connection) forceClose(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.log.Debug("force-closing connection", "reason", reason)
	c.h.Close()
}

// Status describes the session: "Uninitialized connection" before any
// session exists, the last error text reported on a usable session (often
// empty), or "Bad connection" for a broken or closed one.
func (c *Connection) Status() string {
	if c.h == nil {
		return "Uninitialized connection"
	}
	if c.IsOK() {
		return c.h.ErrorMessage()
	}
	return "Bad connection"
}

// IsOK reports whether the session is open and the wire handle does not
// report a broken stream.
func (c *Connection) IsOK() bool {
	return !c.closed && c.h != nil && c.h.Status() == wire.StatusOK
}

// IsPending reports whether an async submission has not been fully drained
// yet. A new async submission is only legal when false.
func (c *Connection) IsPending() bool { return c.pending }

// ClientEncoding returns the session's reported client_encoding parameter.
func (c *Connection) ClientEncoding() string {
	if c.h == nil {
		return ""
	}
	return c.h.ParameterStatus("client_encoding")
}

// NewCursorName mints a cursor name unique for the lifetime of this
// connection. Purely local, no server round trip.
func (c *Connection) NewCursorName() string {
	name := cursorNamePrefix + strconv.Itoa(c.cursorCount)
	c.cursorCount++
	return name
}

// Execute submits a statement expected to produce no row data (DDL/DML) and
// reports plain success or failure, never an error: callers must check the
// return value. Every result the server sends back is drained and released;
// success means the last one reported command-ok.
func (c *Connection) Execute(sql string) bool {
	if c.closed || c.h == nil {
		return false
	}
	if err := c.h.SendQuery(sql); err != nil {
		return false
	}

	ok := false
	for {
		res, err := c.h.Result()
		if err != nil {
			return false
		}
		if res == nil {
			return ok
		}
		ok = res.Status() == wire.ResultCommandOK
		res.Release()
	}
}

// Query runs sql and returns its final result as a ResultSet the caller owns
// and must Close. A statement producing multiple results yields only the last
// one; earlier results are released as they are superseded.
//
// The wait for the response is bounded by the statement timeout. A timeout or
// wait failure force-closes the connection: the abandoned read leaves bytes
// in flight that a later read would misinterpret, and the server is free to
// keep computing either way.
func (c *Connection) Query(sql string, format ResultFormat) (*ResultSet, error) {
	if c.closed || c.h == nil {
		return nil, c.closedErr()
	}

	deadline := time.Now().Add(c.statementTimeout)

	if err := c.submit(sql, format); err != nil {
		return nil, &Error{Kind: ErrKindQuery, Message: c.errorText(err), SQL: sql, err: err}
	}
	if _, err := c.h.Socket(); err != nil {
		return nil, &Error{Kind: ErrKindQuery, Message: c.errorText(err), SQL: sql, err: err}
	}

	ok := false
	var held *wire.Result
	for {
		consumeFailed := false
		for {
			if err := c.h.ConsumeInput(); err != nil {
				consumeFailed = true
				break
			}
			if !c.h.Busy() {
				break
			}
			readable, err := c.h.WaitReadable(deadline)
			if err != nil {
				if held != nil {
					held.Release()
				}
				c.forceClose("readiness wait failed")
				return nil, &Error{Kind: ErrKindQuery, Message: err.Error(), SQL: sql, err: err}
			}
			if !readable {
				if held != nil {
					held.Release()
				}
				c.forceClose("statement timeout")
				return nil, &Error{Kind: ErrKindTimeout, Message: "statement timeout expired", SQL: sql}
			}
		}
		if consumeFailed {
			ok = false
			break
		}

		res, err := c.h.Result()
		if err != nil {
			ok = false
			break
		}
		if res == nil {
			break
		}
		ok = res.Status() == wire.ResultTuplesOK
		if held != nil {
			held.Release()
		}
		held = res
	}

	if !ok {
		msg := c.Status()
		if held != nil {
			held.Release()
		}
		return nil, &Error{Kind: ErrKindQuery, Message: msg, SQL: sql}
	}
	return newResultSet(held), nil
}

// QueryAsync submits sql without waiting for any part of the response. On
// success the connection is pending: results must be drained through
// NextAsyncResult or AsyncResult before the next submission. On a submission
// failure any stale queued results are drained and the connection is
// force-closed, since its stream state is no longer trustworthy.
func (c *Connection) QueryAsync(sql string, format ResultFormat) error {
	if c.closed || c.h == nil {
		return c.closedErr()
	}
	if err := c.submit(sql, format); err != nil {
		msg := c.errorText(err)
		c.drainAsync()
		c.forceClose("async submission failed")
		return &Error{Kind: ErrKindQuery, Message: msg, SQL: sql, err: err}
	}
	c.pending = true
	return nil
}

// NextAsyncResult blocks for the next result of a pending async submission.
// It returns (nil, nil) once every result has been drained; pending is then
// cleared. Any result with a status other than rows-ok poisons the stream: it
// is released, the remainder drained, and the connection force-closed,
// because a partially consumed multi-result stream cannot be resynchronized.
func (c *Connection) NextAsyncResult() (*ResultSet, error) {
	if c.closed || c.h == nil {
		return nil, c.closedErr()
	}

	res, err := c.h.Result()
	if err != nil {
		msg := c.errorText(err)
		c.drainAsync()
		c.forceClose("async retrieval failed")
		return nil, &Error{Kind: ErrKindQuery, Message: msg, err: err}
	}
	if res == nil {
		c.pending = false
		return nil, nil
	}
	if res.Status() != wire.ResultTuplesOK {
		msg := c.Status()
		res.Release()
		c.drainAsync()
		c.forceClose("unexpected result status in async stream")
		return nil, &Error{Kind: ErrKindQuery, Message: msg}
	}
	return newResultSet(res), nil
}

// AsyncResult blocks for the terminal result of a pending async submission.
// Unlike NextAsyncResult, an exhausted stream is a failure here: the caller
// declared this retrieval final, so an absent result means the protocol got
// out of step. Success drains whatever trails the returned result and clears
// pending, leaving the connection immediately reusable.
func (c *Connection) AsyncResult() (*ResultSet, error) {
	if c.closed || c.h == nil {
		return nil, c.closedErr()
	}

	res, err := c.h.Result()
	if err == nil && res != nil && res.Status() == wire.ResultTuplesOK {
		c.drainAsync()
		return newResultSet(res), nil
	}

	msg := c.errorText(err)
	if msg == "" {
		msg = "no result where one was expected"
	}
	if res != nil {
		res.Release()
	}
	c.drainAsync()
	c.forceClose("async stream ended without a row result")
	return nil, &Error{Kind: ErrKindQuery, Message: msg, err: err}
}

// drainAsync retrieves and releases queued results until none remain, then
// clears pending, so the next caller never reads a failed operation's
// leftovers. A retrieval error ends the drain; every caller of this helper is
// about to force-close anyway.
func (c *Connection) drainAsync() {
	for {
		res, err := c.h.Result()
		if err != nil || res == nil {
			break
		}
		res.Release()
	}
	c.pending = false
}

func (c *Connection) submit(sql string, format ResultFormat) error {
	if format == BinaryFormat {
		return c.h.SendQueryParams(sql, true)
	}
	return c.h.SendQuery(sql)
}

// errorText picks the most useful diagnostic for an error message: the
// session status text when it says anything, otherwise the local error.
func (c *Connection) errorText(err error) string {
	if msg := c.Status(); msg != "" {
		return msg
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func (c *Connection) closedErr() error {
	if c.h == nil {
		return &Error{Kind: ErrKindConnect, Message: "Uninitialized connection"}
	}
	return &Error{Kind: ErrKindConnect, Message: "connection is closed"}
}
