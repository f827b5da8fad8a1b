// Package geopgpool is a concurrency-safe connection pool for geopg.
/*
A geopg.Connection is single-streamed and not safe for concurrent use, so a
provider that renders in parallel needs one connection per worker. geopgpool
hands workers exclusive connections and takes care of the reuse policy the
core deliberately leaves out.

Creating a pool:

    pool, err := geopgpool.New(geopgpool.Config{
        ConnString: os.Getenv("GIS_DB"),
        Password:   os.Getenv("GIS_DB_PASSWORD"),
        MaxSize:    8,
    })

New returns without waiting for any connections to be established; they are
created lazily by Acquire. A connection handed back broken, closed, or with an
async operation still pending is destroyed instead of being returned to the
idle set: a mid-drain pipeline stream cannot be given to another worker.
*/
package geopgpool
