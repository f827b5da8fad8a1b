package geopg

import "fmt"

// Cursor pages a large query through a server-side cursor, the way a mapping
// provider scans big geometry tables without holding the whole result in
// memory. It lives inside a transaction opened by DeclareCursor and closed by
// Close.
type Cursor struct {
	conn      *Connection
	name      string
	fetchSize int
	exhausted bool
	failed    bool
	closed    bool
}

// DeclareCursor opens a transaction and declares a server-side cursor over
// sql, named by NewCursorName. Each Fetch pulls at most fetchSize rows.
// binary declares a BINARY cursor, so fetched rows arrive in binary form
// without per-fetch format negotiation.
func (c *Connection) DeclareCursor(sql string, fetchSize int, binary bool) (*Cursor, error) {
	if c.closed || c.h == nil {
		return nil, c.closedErr()
	}
	if fetchSize <= 0 {
		return nil, &Error{Kind: ErrKindQuery, Message: "cursor fetch size must be at least 1"}
	}

	name := c.NewCursorName()

	if !c.Execute("BEGIN") {
		return nil, &Error{Kind: ErrKindQuery, Message: c.Status(), SQL: "BEGIN"}
	}

	declare := "DECLARE " + name + " "
	if binary {
		declare += "BINARY "
	}
	declare += "CURSOR FOR " + sql
	if !c.Execute(declare) {
		msg := c.Status()
		c.Execute("ROLLBACK")
		return nil, &Error{Kind: ErrKindQuery, Message: msg, SQL: declare}
	}

	return &Cursor{conn: c, name: name, fetchSize: fetchSize}, nil
}

// Name returns the server-side cursor name.
func (cur *Cursor) Name() string { return cur.name }

// Fetch returns the next page of rows. A page shorter than the fetch size
// marks the cursor exhausted; after that, and after a failure or Close, Fetch
// returns (nil, nil).
func (cur *Cursor) Fetch() (*ResultSet, error) {
	if cur.closed || cur.failed || cur.exhausted {
		return nil, nil
	}

	sql := fmt.Sprintf("FETCH FORWARD %d FROM %s", cur.fetchSize, cur.name)
	rs, err := cur.conn.Query(sql, TextFormat)
	if err != nil {
		cur.failed = true
		return nil, err
	}

	if rs.Count() < cur.fetchSize {
		cur.exhausted = true
	}
	if rs.Count() == 0 {
		rs.Close()
		return nil, nil
	}
	return rs, nil
}

// Close ends the transaction opened by DeclareCursor: CLOSE plus COMMIT
// normally, ROLLBACK after a failed Fetch so the session stays usable. On a
// dead connection it only marks the cursor closed; the disconnect has already
// dropped everything server-side.
func (cur *Cursor) Close() error {
	if cur.closed {
		return nil
	}
	cur.closed = true

	if !cur.conn.IsOK() {
		return nil
	}
	if cur.failed {
		if !cur.conn.Execute("ROLLBACK") {
			return &Error{Kind: ErrKindQuery, Message: cur.conn.Status(), SQL: "ROLLBACK"}
		}
		return nil
	}
	if !cur.conn.Execute("CLOSE " + cur.name) {
		msg := cur.conn.Status()
		cur.conn.Execute("ROLLBACK")
		return &Error{Kind: ErrKindQuery, Message: msg, SQL: "CLOSE " + cur.name}
	}
	if !cur.conn.Execute("COMMIT") {
		return &Error{Kind: ErrKindQuery, Message: cur.conn.Status(), SQL: "COMMIT"}
	}
	return nil
}
