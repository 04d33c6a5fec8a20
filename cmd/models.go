package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

const modelsUsage = `Usage:
  panther models --provider <id> [--config <path>] [--validate]

Flags:
  --provider string   Provider account id (required)
  --config   string   Path to a YAML or TOML settings file
  --validate          Probe the account's credentials before listing`

func listModels(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, modelsUsage)
	}

	var providerID, cfgPath string
	var validate bool
	fs.StringVar(&providerID, "provider", "", "provider account id")
	fs.StringVar(&cfgPath, "config", "", "path to settings file")
	fs.BoolVar(&validate, "validate", false, "probe credentials first")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}
	if providerID == "" {
		return errors.New("models command requires --provider <id>")
	}

	a, err := newApp(ctx, cfgPath, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := a.store.Account(ctx, providerID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, seconds(a.settings.Executor.ValidationTimeoutSeconds))
	defer cancel()

	if validate {
		adapter, err := a.adapters.Get(account.ProviderType)
		if err != nil {
			return err
		}
		ok, err := adapter.Validate(callCtx, account)
		if err != nil {
			return fmt.Errorf("validate account %q: %w", account.ID, err)
		}
		if !ok {
			return fmt.Errorf("account %q rejected its credentials", account.ID)
		}
	}

	list, err := a.adapters.ListModels(callCtx, account)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s)\n", account.ID, account.ProviderType)
	if len(list) == 0 {
		fmt.Fprintln(out, "  no models reported")
		return nil
	}
	fmt.Fprintln(out, "  "+strings.Join(list, "\n  "))
	return nil
}
