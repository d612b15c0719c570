// cmd/robotctl/allocate.go: queue a work item directly in the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/queue"
)

func runAllocate(args []string) {
	fs := flag.NewFlagSet("allocate", flag.ExitOnError)
	dbURL := fs.String("db", defaultDatabaseURL(), "PostgreSQL connection URL")
	trackID := fs.String("track", "", "track id (required)")
	channel := fs.String("channel", "", "channel (required)")
	phrase := fs.String("phrase", "", "phrase")
	customer := fs.String("customer", "", "customer")
	tags := fs.String("tags", "", "comma separated tags")
	_ = fs.Parse(args)

	req := queue.AllocateRequest{
		TrackID: *trackID,
		Payload: domain.Payload{Channel: *channel, Phrase: *phrase, Customer: *customer},
	}
	if *tags != "" {
		req.Tags = strings.Split(*tags, ",")
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "allocate: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := openStore(ctx, *dbURL)
	if err != nil {
		fail("allocate", err)
	}
	defer conn.Close()

	res, err := queue.Allocate(ctx, conn.Store, req, time.Now().UTC())
	if err != nil {
		fail("allocate", err)
	}
	fmt.Printf("id:        %d\n", res.ID)
	fmt.Printf("unique_id: %s\n", res.UniqueID)
}
