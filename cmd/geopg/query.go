package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/mapnine/geopg"
)

var queryFlags = []cli.Flag{
	&cli.StringFlag{Name: "conn", Value: "host=localhost", Usage: "connection string (keyword/value or URL)"},
	&cli.StringFlag{Name: "password", EnvVars: []string{"GEOPG_PASSWORD"}},
	&cli.BoolFlag{Name: "binary", Usage: "request binary result encoding (values print raw)"},
	&cli.IntFlag{Name: "fetch-size", Usage: "page through a server-side cursor with this many rows per fetch"},
	&cli.DurationFlag{Name: "statement-timeout", Value: geopg.DefaultStatementTimeout},
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run a SQL statement and print its rows",
		ArgsUsage: "<sql>",
		Flags:     queryFlags,
		Action: func(ctx *cli.Context) error {
			var sql = ctx.Args().Get(0)

			if len(sql) == 0 {
				return fmt.Errorf("a SQL statement must be specified")
			}

			conn, err := geopg.Connect(
				ctx.Context,
				ctx.String("conn"),
				ctx.String("password"),
				geopg.WithStatementTimeout(ctx.Duration("statement-timeout")),
			)

			if err != nil {
				return err
			}

			defer conn.Close()

			if fetchSize := ctx.Int("fetch-size"); fetchSize > 0 {
				return pagedQuery(conn, sql, fetchSize, ctx.Bool("binary"))
			}

			format := geopg.TextFormat
			if ctx.Bool("binary") {
				format = geopg.BinaryFormat
			}

			rs, err := conn.Query(sql, format)

			if err != nil {
				return err
			}

			defer rs.Close()

			printResultSet(rs, true)
			return nil
		},
	}
}

func pagedQuery(conn *geopg.Connection, sql string, fetchSize int, binary bool) error {
	cur, err := conn.DeclareCursor(sql, fetchSize, binary)

	if err != nil {
		return err
	}

	defer cur.Close()

	header := true

	for {
		page, err := cur.Fetch()

		if err != nil {
			return err
		}

		if page == nil {
			return cur.Close()
		}

		printResultSet(page, header)
		header = false
		page.Close()
	}
}

func printResultSet(rs *geopg.ResultSet, header bool) {
	if header {
		var names = lo.Map(lo.Range(rs.FieldCount()), func(i int, _ int) string {
			return rs.FieldName(i)
		})

		fmt.Println(strings.Join(names, "\t"))
	}

	for rs.Next() {
		var values = lo.Map(lo.Range(rs.FieldCount()), func(i int, _ int) string {
			if rs.IsNull(i) {
				return "NULL"
			}
			return string(rs.Value(i))
		})

		fmt.Println(strings.Join(values, "\t"))
	}
}
