// Command kvs-client is the line-oriented client for kvs-server: get, set,
// rm, and the reserved compact subcommand (spec.md §6).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rkatre/kvs/internal/client"
	"github.com/rkatre/kvs/internal/engine"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  kvs-client get KEY [--addr HOST:PORT]\n")
	fmt.Fprintf(os.Stderr, "  kvs-client set KEY VALUE [--addr HOST:PORT]\n")
	fmt.Fprintf(os.Stderr, "  kvs-client rm KEY [--addr HOST:PORT]\n")
	fmt.Fprintf(os.Stderr, "  kvs-client compact [--addr HOST:PORT]\n")
	os.Exit(1)
}

func main() {
	args := os.Args[1:]
	addr := "127.0.0.1:4000"
	args = extractAddr(args, &addr)

	if len(args) < 1 {
		usage()
	}

	c := client.New(addr)

	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
		}
		runGet(c, args[1])

	case "set":
		if len(args) != 3 {
			usage()
		}
		runSet(c, args[1], args[2])

	case "rm":
		if len(args) != 2 {
			usage()
		}
		runRemove(c, args[1])

	case "compact":
		if len(args) != 1 {
			usage()
		}
		runCompact(c)

	default:
		usage()
	}
}

// extractAddr pulls a trailing/leading "--addr HOST:PORT" pair out of args
// and returns the remaining positional arguments.
func extractAddr(args []string, addr *string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--addr" && i+1 < len(args) {
			*addr = args[i+1]
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func runGet(c *client.Client, key string) {
	value, ok, err := c.Get(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !ok {
		// A miss is a legitimate answer, not a failure: print and exit 0.
		fmt.Println("Key not found")
		return
	}
	fmt.Println(value)
}

func runSet(c *client.Client, key, value string) {
	if err := c.Set(key, value); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runRemove(c *client.Client, key string) {
	err := c.Remove(key)
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrKeyNotFound) {
		fmt.Fprintln(os.Stderr, "Key not found")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%v\n", err)
	os.Exit(1)
}

func runCompact(c *client.Client) {
	if err := c.Compact(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
