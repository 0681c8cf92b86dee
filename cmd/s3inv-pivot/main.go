// Command s3inv-pivot materializes grouped S3 inventory summaries.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/s3-inv-pivot/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
