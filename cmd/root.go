package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const usage = `panther routes prompts to local and cloud model providers with privacy controls.

Usage:
  panther <command> [flags]

Commands:
  run      Execute one routed turn and print the reply
  serve    Start the HTTP server
  models   List the models of a configured provider account

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "run":
		return run(ctx, args[1:], os.Stdout)
	case "serve":
		return serve(ctx, args[1:])
	case "models":
		return listModels(ctx, args[1:], os.Stdout)
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
