package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"

	"github.com/mapnine/geopg"
)

var checkFlags = []cli.Flag{
	&cli.StringFlag{Name: "conn", Value: "host=localhost", Usage: "connection string (keyword/value or URL)"},
	&cli.StringFlag{Name: "password", EnvVars: []string{"GEOPG_PASSWORD"}},
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "connect and report session health",
		Flags: checkFlags,
		Action: func(ctx *cli.Context) error {
			var logger = slogctx.FromCtx(ctx.Context)

			conn, err := geopg.Connect(ctx.Context, ctx.String("conn"), ctx.String("password"))

			if err != nil {
				return err
			}

			defer conn.Close()

			logger.Info("connected",
				"ok", conn.IsOK(),
				"status", conn.Status(),
				"client_encoding", conn.ClientEncoding(),
			)

			rs, err := conn.Query("SELECT version()", geopg.TextFormat)

			if err != nil {
				return err
			}

			defer rs.Close()

			if rs.Next() {
				fmt.Println(string(rs.Value(0)))
			}

			return nil
		},
	}
}
