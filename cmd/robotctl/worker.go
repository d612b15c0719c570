// cmd/robotctl/worker.go: robotctl worker subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/yourorg/robotq/internal/domain"
)

func runWorkerAdd(args []string) {
	fs := flag.NewFlagSet("worker add", flag.ExitOnError)
	dbURL := fs.String("db", defaultDatabaseURL(), "PostgreSQL connection URL")
	name := fs.String("name", "", "worker name (required)")
	endpoint := fs.String("url", "", "worker base URL (required)")
	token := fs.String("token", "", "bearer token sent to the worker on dispatch")
	_ = fs.Parse(args)

	if *name == "" || *endpoint == "" {
		fmt.Fprintln(os.Stderr, "worker add: --name and --url are required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := openStore(ctx, *dbURL)
	if err != nil {
		fail("worker add", err)
	}
	defer conn.Close()

	w := &domain.Worker{Name: *name, EndpointURL: *endpoint}
	if *token != "" {
		w.AuthToken = token
	}
	if err := conn.Store.CreateWorker(ctx, w); err != nil {
		fail("worker add", err)
	}
	fmt.Printf("worker_id: %d\n", w.ID)
	fmt.Printf("name:      %s\n", w.Name)
	fmt.Printf("url:       %s\n", w.EndpointURL)
}

func runWorkerList(args []string) {
	fs := flag.NewFlagSet("worker list", flag.ExitOnError)
	dbURL := fs.String("db", defaultDatabaseURL(), "PostgreSQL connection URL")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := openStore(ctx, *dbURL)
	if err != nil {
		fail("worker list", err)
	}
	defer conn.Close()

	workers, err := conn.Store.ListWorkers(ctx)
	if err != nil {
		fail("worker list", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tURL\tAVAILABLE\tLAST ASSIGNED")
	for _, w := range workers {
		last := "-"
		if w.LastAssignedAt != nil {
			last = w.LastAssignedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%s\n", w.ID, w.Name, w.EndpointURL, w.Available, last)
	}
	tw.Flush()
}
