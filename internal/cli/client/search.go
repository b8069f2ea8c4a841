package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SearchRequest represents the search API request.
type SearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// SearchResponse represents the search API response.
type SearchResponse struct {
	Query   string    `json:"query"`
	K       int       `json:"k"`
	Results []*Source `json:"results"`
}

// SearchCmd creates the search command.
func SearchCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve passages without generating an answer",
		Long:  "Runs the retrieval step only and prints the closest chunks with their similarity score.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			c, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runSearch(cmd.OutOrStdout(), c, args[0], k, outputJSON)
		},
	}

	cmd.Flags().IntVarP(&k, "top", "k", 0, "Number of passages (server default when 0)")

	return cmd
}

func runSearch(out io.Writer, c *APIClient, query string, k int, outputJSON bool) error {
	resp, err := c.Post("/search", &SearchRequest{Query: query, K: k})
	if err != nil {
		return err
	}

	var result SearchResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(result.Results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	printSources(out, result.Results, true)
	return nil
}
