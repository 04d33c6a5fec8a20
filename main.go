package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"panther/cmd"
	"panther/internal/privacy"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := cmd.Execute(ctx, os.Args[1:])
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "panther: interrupted")
		os.Exit(1)
	}
	// error text can echo prompt or provider content
	fmt.Fprintf(os.Stderr, "panther: %s\n", privacy.SanitizeError(err))
	os.Exit(1)
}
