package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// SessionResponse is returned when a session is created.
type SessionResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

// AskResult is the final state of one answered turn.
type AskResult struct {
	SessionID string    `json:"session_id"`
	Answer    string    `json:"answer"`
	Sources   []*Source `json:"sources"`
}

type askRequest struct {
	Content string `json:"content"`
}

type streamError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// AskCmd creates the ask command.
func AskCmd() *cobra.Command {
	var (
		sessionID  string
		newSession bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the CSE documents",
		Long: `Asks one question and streams the answer.

The conversation continues the last session unless --new or --session is given,
so follow-up questions keep their context.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			c, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, err := resolveSession(c, sessionID, newSession)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stream := out
			if outputJSON {
				stream = io.Discard
			}
			result, err := askWithRetry(ctx, stream, c, id, sessionID == "", args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal answer: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintln(out)
			printSources(out, result.Sources, false)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to continue")
	cmd.Flags().BoolVar(&newSession, "new", false, "Start a new conversation")

	return cmd
}

// resolveSession picks the session to ask in: the explicit one, the
// remembered one, or a freshly created one.
func resolveSession(c *APIClient, explicit string, fresh bool) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if !fresh {
		if config, err := LoadGlobalConfig(); err == nil && config != nil && config.SessionID != "" {
			return config.SessionID, nil
		}
	}
	return createSession(c)
}

func createSession(c *APIClient) (string, error) {
	resp, err := c.Post("/sessions", nil)
	if err != nil {
		return "", err
	}
	var created SessionResponse
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if err := RememberSession(created.ID); err != nil {
		return "", err
	}
	return created.ID, nil
}

// askWithRetry asks in sessionID. A remembered session may have expired on
// the server; when replaceable, a new session is created and the question
// asked again.
func askWithRetry(ctx context.Context, out io.Writer, c *APIClient, sessionID string, replaceable bool, question string) (*AskResult, error) {
	result, err := askTurn(ctx, out, c, sessionID, question)
	var apiErr *APIError
	if replaceable && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		sessionID, err = createSession(c)
		if err != nil {
			return nil, err
		}
		return askTurn(ctx, out, c, sessionID, question)
	}
	return result, err
}

// askTurn streams one answer to out fragment by fragment.
func askTurn(ctx context.Context, out io.Writer, c *APIClient, sessionID, question string) (*AskResult, error) {
	result := &AskResult{SessionID: sessionID}
	done := false
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"

	err := c.Stream(ctx, path, &askRequest{Content: question}, func(ev Event) error {
		switch ev.Name {
		case "fragment":
			var f struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(ev.Data, &f); err != nil {
				return fmt.Errorf("malformed fragment: %w", err)
			}
			fmt.Fprint(out, f.Content)
		case "done":
			if err := json.Unmarshal(ev.Data, result); err != nil {
				return fmt.Errorf("malformed answer: %w", err)
			}
			done = true
		case "error":
			var e streamError
			if err := json.Unmarshal(ev.Data, &e); err != nil {
				return fmt.Errorf("malformed error event: %w", err)
			}
			return &APIError{StatusCode: http.StatusOK, Code: e.Code, Message: e.Error}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, errors.New("answer stream ended before completion")
	}
	result.SessionID = sessionID
	return result, nil
}
