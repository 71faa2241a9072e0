// Command loopgrid runs the live capture grid: hold keys 1-9 to record
// clips that loop forward and back in a ten-cell composite next to the live
// feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
