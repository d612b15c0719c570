// cmd/robotctl/token.go: robotctl token add.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/yourorg/robotq/internal/domain"
)

// newToken returns 32 random bytes, hex encoded.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func runTokenAdd(args []string) {
	fs := flag.NewFlagSet("token add", flag.ExitOnError)
	dbURL := fs.String("db", defaultDatabaseURL(), "PostgreSQL connection URL")
	name := fs.String("name", "", "token owner (required)")
	value := fs.String("value", "", "token value; generated when empty")
	_ = fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "token add: --name is required")
		fs.Usage()
		os.Exit(1)
	}
	if *value == "" {
		v, err := newToken()
		if err != nil {
			fail("token add", err)
		}
		*value = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := openStore(ctx, *dbURL)
	if err != nil {
		fail("token add", err)
	}
	defer conn.Close()

	t := &domain.Token{Name: *name, Value: *value}
	if err := conn.Store.CreateToken(ctx, t); err != nil {
		fail("token add", err)
	}
	fmt.Printf("token_id: %d\n", t.ID)
	fmt.Printf("name:     %s\n", t.Name)
	fmt.Printf("token:    %s\n", t.Value)
}
