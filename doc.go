// Package geopg is a single-connection PostgreSQL client for mapping and GIS
// data providers.
/*
geopg owns one live connection to the database and runs the feature queries a
map data provider issues against it: synchronous commands, row queries bounded
by a statement timeout, and a pipelined asynchronous protocol for callers that
interleave rendering work with query execution. Results come back as opaque
ResultSet handles that must be closed when done.

Establishing a Connection

A connection is established with [Connect]:

    conn, err := geopg.Connect(ctx, "host=localhost dbname=gis", os.Getenv("GIS_DB_PASSWORD"))

The connection string can be in URL or key/value format. The password is
passed separately so it can be kept out of stored configuration; it is never
echoed into logs or error text. The context bounds dialing and session startup
only.

Queries

Execute runs a statement that produces no rows and reports plain success:

    if !conn.Execute("CREATE TABLE places (name text, geom bytea)") {
        return errors.New(conn.Status())
    }

Query runs a row-producing statement. Its wait for the server is bounded by
the statement timeout (default 4s, see WithStatementTimeout); on expiry the
connection is force-closed, because an abandoned response stream cannot be
read safely afterwards.

    rs, err := conn.Query("SELECT name, ST_AsBinary(geom) FROM places", geopg.TextFormat)
    if err != nil {
        return err
    }
    defer rs.Close()
    for rs.Next() {
        name := string(rs.Value(0))
        // decode geometry from rs.Value(1)
    }

BinaryFormat requests all result columns in binary encoding, which spares the
text round trip for geometry payloads.

Asynchronous Protocol

QueryAsync submits without blocking; the caller later drains results with
NextAsyncResult (mid-stream) or AsyncResult (terminal). While a submission is
pending no new one may be issued; IsPending exposes that state. Any
unexpected status mid-stream force-closes the connection, since a partially
consumed multi-result stream cannot be resynchronized.

    if !conn.IsPending() {
        if err := conn.QueryAsync(sql, geopg.BinaryFormat); err != nil {
            return err
        }
    }
    // ... other work ...
    rs, err := conn.AsyncResult()

Cursors

Large scans page through server-side cursors named by NewCursorName:

    cur, err := conn.DeclareCursor("SELECT geom FROM coastlines", 1000, true)
    if err != nil {
        return err
    }
    defer cur.Close()
    for {
        page, err := cur.Fetch()
        if err != nil {
            return err
        }
        if page == nil {
            break
        }
        // consume page, then
        page.Close()
    }

Connection Pool

A Connection is not safe for concurrent use. Use package
github.com/mapnine/geopg/geopgpool for a pool that hands each worker its own
connection and refuses to reuse one whose async stream is mid-drain.

Lower Level Access

Package github.com/mapnine/geopg/wire contains the low-level protocol client
geopg is implemented on, with the submission and polling primitives exposed
directly.
*/
package geopg
