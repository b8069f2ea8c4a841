package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// ChatCmd creates the interactive chat command.
func ChatCmd() *cobra.Command {
	var (
		sessionID  string
		newSession bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Reads questions line by line and streams each answer.

Commands:
  /new       start a new conversation
  /sources   show the passages behind the last answer
  /quit      leave (Ctrl-D works too)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			id, err := resolveSession(c, sessionID, newSession)
			if err != nil {
				return err
			}
			return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), c, id, sessionID == "")
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to continue")
	cmd.Flags().BoolVar(&newSession, "new", false, "Start a new conversation")

	return cmd
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, c *APIClient, sessionID string, replaceable bool) error {
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("session %s on %s, /quit to leave", sessionID, c.BaseURL())))

	var last *AskResult
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, promptStyle.Render("> "))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			id, err := createSession(c)
			if err != nil {
				return err
			}
			sessionID, last = id, nil
			fmt.Fprintln(out, mutedStyle.Render("new session "+id))
			continue
		case "/sources":
			if last == nil || len(last.Sources) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no sources yet"))
			} else {
				printSources(out, last.Sources, true)
			}
			continue
		}

		result, err := askWithRetry(ctx, out, c, sessionID, replaceable, line)
		fmt.Fprintln(out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// one failed turn does not end the conversation
			fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
			continue
		}
		sessionID, last = result.SessionID, result
	}
}
