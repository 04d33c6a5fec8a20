package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"panther/internal/conversation"
	"panther/internal/prompt"
)

const runUsage = `Usage:
  panther run --task <text> --provider <id> --model <name> [flags]

Flags:
  --task         string   Question or instruction to send (required)
  --provider     string   Provider account id (required)
  --model        string   Model name; may be empty when the account has a fallback chain
  --path         string   File or directory to attach as context; repeatable
  --config       string   Path to a YAML or TOML settings file
  --conversation string   Conversation id; keeps history and per-conversation settings
  --project      string   Project id whose stored chunks are added as context`

// maxAttachmentBytes skips files too large to be useful snippets.
const maxAttachmentBytes = 256 << 10

type pathList []string

func (p *pathList) String() string { return strings.Join(*p, ",") }

func (p *pathList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*p = append(*p, part)
		}
	}
	return nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, runUsage)
	}

	var (
		task, providerID, model  string
		cfgPath, convID, project string
		paths                    pathList
	)
	flags.StringVar(&task, "task", "", "question or instruction")
	flags.StringVar(&providerID, "provider", "", "provider account id")
	flags.StringVar(&model, "model", "", "model name")
	flags.Var(&paths, "path", "file or directory to attach")
	flags.StringVar(&cfgPath, "config", "", "path to settings file")
	flags.StringVar(&convID, "conversation", "", "conversation id")
	flags.StringVar(&project, "project", "", "project id")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse run flags: %w", err)
	}
	if strings.TrimSpace(task) == "" {
		return errors.New("run command requires --task <text>")
	}
	if providerID == "" {
		return errors.New("run command requires --provider <id>")
	}

	message := task
	if len(paths) > 0 {
		snippets, err := readAttachments(paths)
		if err != nil {
			return err
		}
		if message, err = prompt.Compact(prompt.CompactInput{Question: task, Snippets: snippets}); err != nil {
			return fmt.Errorf("compact attachments: %w", err)
		}
	}

	a, err := newApp(ctx, cfgPath, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(out, "start: %s\n", time.Now().UTC().Format(time.RFC3339))
	res, err := a.runner.Run(ctx, conversation.Request{
		ConversationID: convID,
		ProviderID:     providerID,
		Model:          model,
		UserMessage:    message,
		ProjectID:      project,
	})
	if res != nil && res.Provider.ID != "" {
		fmt.Fprintf(out, "provider: %s (%s)\n", res.Provider.ID, res.Provider.ProviderType)
		fmt.Fprintf(out, "model: %s\n", res.Model)
		fmt.Fprintf(out, "stage: %s\n", res.Stage)
	}
	if err != nil {
		fmt.Fprintf(out, "end: %s\n", time.Now().UTC().Format(time.RFC3339))
		return err
	}
	fmt.Fprintf(out, "\n%s\n\n", res.Response.Text)
	fmt.Fprintf(out, "end: %s\n", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// readAttachments reads every regular file under paths, labelled with its
// path. Hidden directories and oversized files are skipped.
func readAttachments(paths []string) ([]string, error) {
	var snippets []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil || !info.Mode().IsRegular() || info.Size() > maxAttachmentBytes {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			snippets = append(snippets, fmt.Sprintf("// %s\n%s", filepath.ToSlash(path), data))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", root, err)
		}
	}
	return snippets, nil
}
