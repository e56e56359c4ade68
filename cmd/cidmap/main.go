// Cidmap builds CID redirect indexes and ingests candidate records,
// keeping one canonical survivor per structural key.
//
// Usage:
//
//	cidmap index --kind preferred=CID-Preferred.gz --kind parent=CID-Parent.gz
//	cidmap ingest candidates/*.jsonl.gz
//	cidmap lookup 22247451 962
//	cidmap verify
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
