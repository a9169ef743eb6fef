package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/romankagan/cql-driver/pkg/driver"
	"github.com/romankagan/cql-driver/pkg/engine"
)

func main() {
	var (
		cfg       driver.ClusterConfig
		statement string
		timeout   time.Duration
	)
	cfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&statement, "query", "SELECT key FROM system.local", "Statement to execute.")
	flag.DurationVar(&timeout, "connect-deadline", 30*time.Second, "Overall deadline for connecting and running the query.")
	flag.Parse()

	logger := level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowInfo())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	session, err := driver.Connect(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		level.Error(logger).Log("msg", "connecting to cluster", "err", err)
		os.Exit(1)
	}
	defer session.Close()

	iter, err := session.Execute(ctx, &engine.Statement{Query: statement, Idempotent: true})
	if err != nil {
		level.Error(logger).Log("msg", "executing statement", "err", err)
		os.Exit(1)
	}

	pages, rows := 1, 0
	for {
		for _, row := range iter.Rows() {
			rows++
			for i, cell := range row {
				if i > 0 {
					fmt.Print("\t")
				}
				fmt.Printf("%q", cell)
			}
			fmt.Println()
		}
		more, err := iter.NextPage(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "fetching next page", "err", err)
			os.Exit(1)
		}
		if !more {
			break
		}
		pages++
	}
	level.Info(logger).Log("msg", "statement complete", "rows", rows, "pages", pages)
}
