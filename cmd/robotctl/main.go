// cmd/robotctl/main.go: admin CLI. Dispatches to subcommand handlers.
package main

import (
	"fmt"
	"os"
)

const usage = "Usage: robotctl <worker add|worker list|token add|allocate|health> [options]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "worker":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: robotctl worker <add|list> [options]")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "add":
			runWorkerAdd(os.Args[3:])
		case "list":
			runWorkerList(os.Args[3:])
		default:
			fmt.Fprintf(os.Stderr, "unknown worker command: %q\n", os.Args[2])
			os.Exit(1)
		}
	case "token":
		if len(os.Args) < 3 || os.Args[2] != "add" {
			fmt.Fprintln(os.Stderr, "Usage: robotctl token add --name <owner> [--value <token>]")
			os.Exit(1)
		}
		runTokenAdd(os.Args[3:])
	case "allocate":
		runAllocate(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}
