// mockworker speaks the runnerd worker protocol over stdin/stdout without an
// inference engine behind it. Point runnerd at this binary for local runs:
//
//	runnerd serve --worker-bin mockworker
package main

import (
	"fmt"
	"os"

	"runnerd/internal/mockworker"
)

func main() {
	if err := mockworker.New().Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "mockworker:", err)
		os.Exit(1)
	}
}
