package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/quill/internal/agent"
	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/events"
)

type askOptions struct {
	userID         string
	conversationID string
	confirmID      string
	message        string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{userID: "cli"}
	var words []string
	for i := 0; i < len(args); i++ {
		flagValue := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", args[i])
			}
			i++
			return args[i], nil
		}
		var err error
		switch args[i] {
		case "-user":
			opts.userID, err = flagValue()
		case "-conversation":
			opts.conversationID, err = flagValue()
		case "-confirm":
			opts.confirmID, err = flagValue()
		default:
			words = append(words, args[i])
		}
		if err != nil {
			return askOptions{}, err
		}
	}
	opts.message = strings.Join(words, " ")
	if opts.message == "" && opts.confirmID == "" {
		return askOptions{}, errors.New("usage: quill ask [-user id] [-conversation id] [-confirm id] <message>")
	}
	return opts, nil
}

// runAsk runs one turn against the configured stores and provider. The
// answer goes to stdout; tool activity and logs go to stderr.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, opts askOptions) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	emit := func(e events.Event) {
		switch e.Kind {
		case events.KindToolResult:
			marker := "✓"
			if e.ToolResult.Reused {
				marker = "↺"
			}
			fmt.Fprintf(stderr, "  %s %s: %s\n", marker, e.ToolResult.ToolName, e.ToolResult.Summary)
		case events.KindError:
			if !e.Error.Fatal {
				fmt.Fprintf(stderr, "  ✗ %s: %s\n", e.Error.Tool, e.Error.Message)
			}
		case events.KindMessageToken:
			fmt.Fprint(stdout, e.Token)
		case events.KindMessageComplete:
			fmt.Fprintln(stdout)
		}
	}

	out, err := a.loop.RunTurn(ctx, opts.userID, agent.Request{
		ConversationID:     opts.conversationID,
		Message:            opts.message,
		ToolConfirmationID: opts.confirmID,
	}, emit)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if out.Status == agent.StatusAwaitingConfirmation {
		fmt.Fprintln(stdout, out.Text)
		fmt.Fprintf(stdout, "To confirm: quill ask -user %s -conversation %s -confirm %s\n",
			opts.userID, out.ConversationID, out.PendingID)
		return nil
	}
	fmt.Fprintf(stderr, "conversation: %s\n", out.ConversationID)
	return nil
}
