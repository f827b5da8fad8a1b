package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"github.com/mapnine/geopg"
	"github.com/mapnine/geopg/geopgpool"
)

var benchFlags = []cli.Flag{
	&cli.StringFlag{Name: "conn", Value: "host=localhost", Usage: "connection string (keyword/value or URL)"},
	&cli.StringFlag{Name: "password", EnvVars: []string{"GEOPG_PASSWORD"}},
	&cli.StringFlag{Name: "sql", Value: "SELECT 1"},
	&cli.IntFlag{Name: "workers", Value: 4},
	&cli.IntFlag{Name: "iterations", Value: 100},
	&cli.BoolFlag{Name: "async", Usage: "use the pipelined async protocol"},
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "hammer the server with one connection per worker",
		Flags: benchFlags,
		Action: func(ctx *cli.Context) error {
			var (
				logger     = slogctx.FromCtx(ctx.Context)
				runID      = uuid.NewString()
				sql        = ctx.String("sql")
				workers    = ctx.Int("workers")
				iterations = ctx.Int("iterations")
				useAsync   = ctx.Bool("async")
			)

			pool, err := geopgpool.New(geopgpool.Config{
				ConnString: ctx.String("conn"),
				Password:   ctx.String("password"),
				MaxSize:    int32(workers),
			})

			if err != nil {
				return err
			}

			defer pool.Close()

			logger.Info("bench starting", "run_id", runID, "workers", workers, "iterations", iterations)

			var t0 = time.Now()

			group, gctx := errgroup.WithContext(ctx.Context)

			for w := 0; w < workers; w++ {
				group.Go(func() error {
					conn, err := pool.Acquire(gctx)

					if err != nil {
						return err
					}

					defer conn.Release()

					for i := 0; i < iterations; i++ {
						if useAsync {
							if err := runAsync(conn.Conn(), sql); err != nil {
								return err
							}
							continue
						}

						rs, err := conn.Conn().Query(sql, geopg.TextFormat)

						if err != nil {
							return err
						}

						rs.Close()
					}

					return nil
				})
			}

			if err := group.Wait(); err != nil {
				return err
			}

			var elapsed = time.Since(t0)

			logger.Info("bench finished",
				"run_id", runID,
				"queries", workers*iterations,
				"elapsed", elapsed,
				"qps", float64(workers*iterations)/elapsed.Seconds(),
			)

			stat := pool.Stat()
			logger.Info("pool stats",
				"total_conns", stat.TotalConns(),
				"acquires", stat.AcquireCount(),
			)

			return nil
		},
	}
}

func runAsync(conn *geopg.Connection, sql string) error {
	if err := conn.QueryAsync(sql, geopg.TextFormat); err != nil {
		return err
	}

	rs, err := conn.AsyncResult()

	if err != nil {
		return err
	}

	rs.Close()
	return nil
}
