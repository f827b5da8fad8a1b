package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/agnosticeng/panicsafe"
	"github.com/agnosticeng/slogcli"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:   "geopg",
		Usage:  "diagnostics for geopg database connections",
		Flags:  slogcli.SlogFlags(),
		Before: slogcli.SlogBefore,
		Commands: []*cli.Command{
			checkCommand(),
			queryCommand(),
			benchCommand(),
		},
	}

	var err = panicsafe.Recover(func() error { return app.Run(os.Args) })

	if err != nil {
		slog.Error(fmt.Sprintf("%v", err))
		os.Exit(1)
	}
}
