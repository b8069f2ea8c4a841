package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Message is one stored conversation message.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// MessagesPage is one page of a session history.
type MessagesPage struct {
	Items   []*Message `json:"items"`
	Cursor  string     `json:"cursor,omitempty"`
	HasMore bool       `json:"has_more"`
}

// HistoryCmd creates the history command.
func HistoryCmd() *cobra.Command {
	var (
		limit  int
		cursor string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show the messages of a conversation",
		Long:  "Prints the stored messages of a session, oldest first. Defaults to the remembered session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			c, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			var id string
			if len(args) == 1 {
				id = args[0]
			} else if config, err := LoadGlobalConfig(); err == nil && config != nil {
				id = config.SessionID
			}
			if id == "" {
				return errors.New("no session given and none remembered; run cse ask first")
			}
			return runHistory(cmd.OutOrStdout(), c, id, limit, cursor, all, outputJSON)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of messages per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous response")
	cmd.Flags().BoolVar(&all, "all", false, "Follow cursors until the whole history is printed")

	return cmd
}

func fetchMessages(c *APIClient, sessionID string, limit int, cursor string) (*MessagesPage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, err := c.Get(path)
	if err != nil {
		return nil, err
	}
	var page MessagesPage
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &page, nil
}

func runHistory(out io.Writer, c *APIClient, sessionID string, limit int, cursor string, all, outputJSON bool) error {
	page, err := fetchMessages(c, sessionID, limit, cursor)
	if err != nil {
		return err
	}
	for all && page.HasMore {
		next, err := fetchMessages(c, sessionID, limit, page.Cursor)
		if err != nil {
			return err
		}
		page.Items = append(page.Items, next.Items...)
		page.Cursor, page.HasMore = next.Cursor, next.HasMore
	}

	if outputJSON {
		data, err := json.MarshalIndent(page, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal history: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(page.Items) == 0 {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}
	for _, m := range page.Items {
		stamp := m.CreatedAt
		if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			stamp = t.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%s %s\n%s\n\n", headerStyle.Render(m.Role), mutedStyle.Render(stamp), m.Content)
	}
	if page.HasMore {
		fmt.Fprintf(out, "%s\n", mutedStyle.Render("more: --cursor "+page.Cursor))
	}
	return nil
}
