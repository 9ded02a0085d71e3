// Command rbdo runs reliability-based design optimizations from a run file
// and prints their events as NDJSON.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(newApp()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
