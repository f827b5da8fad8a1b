package geopgpool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/puddle/v2"

	"github.com/mapnine/geopg"
)

const (
	defaultMaxSize         = 4
	defaultMaxConnLifetime = time.Hour
)

// Config describes a Pool.
type Config struct {
	// ConnString and Password are handed to geopg.Connect for every new
	// connection.
	ConnString string
	Password   string

	// MaxSize caps concurrently open connections. Default 4.
	MaxSize int32

	// MaxConnLifetime retires a connection at its next acquire once its age
	// exceeds it. Default one hour.
	MaxConnLifetime time.Duration

	// StatementTimeout overrides geopg.DefaultStatementTimeout when non-zero.
	StatementTimeout time.Duration
}

// Pool is a concurrency-safe pool of geopg connections. The pooled
// connections themselves stay single-threaded; only the pool is shared.
type Pool struct {
	p               *puddle.Pool[*geopg.Connection]
	maxConnLifetime time.Duration

	// puddle destructors cannot return errors; they are collected here and
	// reported by Close.
	mu          sync.Mutex
	destroyErrs []error
}

// New builds a pool. No connection is established until the first Acquire.
func New(conf Config) (*Pool, error) {
	if conf.MaxSize <= 0 {
		conf.MaxSize = defaultMaxSize
	}
	if conf.MaxConnLifetime == 0 {
		conf.MaxConnLifetime = defaultMaxConnLifetime
	}

	pool := &Pool{maxConnLifetime: conf.MaxConnLifetime}

	var poolConf = puddle.Config[*geopg.Connection]{
		MaxSize: conf.MaxSize,
	}

	poolConf.Constructor = func(ctx context.Context) (*geopg.Connection, error) {
		var opts []geopg.Option
		if conf.StatementTimeout > 0 {
			opts = append(opts, geopg.WithStatementTimeout(conf.StatementTimeout))
		}
		return geopg.Connect(ctx, conf.ConnString, conf.Password, opts...)
	}

	poolConf.Destructor = func(conn *geopg.Connection) {
		if err := conn.Close(); err != nil {
			pool.mu.Lock()
			pool.destroyErrs = append(pool.destroyErrs, err)
			pool.mu.Unlock()
		}
	}

	p, err := puddle.NewPool(&poolConf)
	if err != nil {
		return nil, err
	}
	pool.p = p
	return pool, nil
}

// Conn is a connection leased from the pool, for exclusive use by one worker
// until Release.
type Conn struct {
	res *puddle.Resource[*geopg.Connection]
}

// Conn returns the underlying connection.
func (c *Conn) Conn() *geopg.Connection { return c.res.Value() }

// Release returns the connection to the pool. A connection that is broken,
// closed, or still pending an async drain is destroyed instead of going back
// to the idle set.
func (c *Conn) Release() {
	conn := c.res.Value()
	if !conn.IsOK() || conn.IsPending() {
		c.res.Destroy()
		return
	}
	c.res.Release()
}

// Acquire leases a connection, establishing a new one when the idle set is
// empty and the pool is below MaxSize. Idle connections past MaxConnLifetime
// or with a broken session are destroyed and replaced rather than handed out.
func (pool *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		res, err := pool.p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if time.Since(res.CreationTime()) >= pool.maxConnLifetime {
			res.Destroy()
			continue
		}
		if !res.Value().IsOK() {
			res.Destroy()
			continue
		}
		return &Conn{res: res}, nil
	}
}

// Stat is a snapshot of pool counters.
type Stat struct {
	s *puddle.Stat
}

// TotalConns is the number of open connections, leased or idle.
func (s *Stat) TotalConns() int32 { return s.s.TotalResources() }

// AcquiredConns is the number of currently leased connections.
func (s *Stat) AcquiredConns() int32 { return s.s.AcquiredResources() }

// IdleConns is the number of idle connections ready to lease.
func (s *Stat) IdleConns() int32 { return s.s.IdleResources() }

// AcquireCount is the cumulative number of successful acquires.
func (s *Stat) AcquireCount() int64 { return s.s.AcquireCount() }

func (pool *Pool) Stat() *Stat {
	return &Stat{s: pool.p.Stat()}
}

// Close destroys every idle connection, waits for leased ones to be released,
// then reports any errors the destructors hit along the way.
func (pool *Pool) Close() error {
	pool.p.Close()

	pool.mu.Lock()
	defer pool.mu.Unlock()

	var res *multierror.Error
	for _, err := range pool.destroyErrs {
		res = multierror.Append(res, err)
	}
	pool.destroyErrs = nil
	return res.ErrorOrNil()
}
