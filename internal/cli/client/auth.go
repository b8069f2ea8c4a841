package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// AuthCmd creates the auth parent command
func AuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the server address and API token",
		Long:  "Login, logout, and check which csed server the cse client talks to",
	}

	cmd.AddCommand(AuthLoginCmd())
	cmd.AddCommand(AuthLogoutCmd())
	cmd.AddCommand(AuthStatusCmd())

	return cmd
}

// AuthLoginCmd creates the auth login command
func AuthLoginCmd() *cobra.Command {
	var token string
	var serverURL string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the server address and API token",
		Long:  "Store the server URL and API token in the global config (~/.config/cse/config.json)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(cmd.OutOrStdout(), token, serverURL)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API token (CSE_API_TOKEN of the server)")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "Server URL")

	return cmd
}

// AuthLogoutCmd creates the auth logout command
func AuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear stored credentials",
		Long:  "Remove the global config, including the remembered session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(cmd.OutOrStdout())
		},
	}
}

// AuthStatusCmd creates the auth status command
func AuthStatusCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which server and token are in use",
		Long:  "Show the resolved server and token. With --check, also ask the server for its health and whether it accepts the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			flagToken, _ := cmd.Flags().GetString("token")
			flagURL, _ := cmd.Flags().GetString("url")
			return runAuthStatus(cmd.OutOrStdout(), flagToken, flagURL, outputJSON, check)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Contact the server")

	return cmd
}

func runAuthLogin(out io.Writer, token, serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL %q (expected http(s)://host[:port])", serverURL)
	}

	err = UpdateGlobalConfig(func(c *GlobalConfig) {
		if c.ServerURL != serverURL {
			// sessions live on one server
			c.SessionID = ""
		}
		c.APIToken = token
		c.ServerURL = serverURL
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Fprintf(out, "Using %s\n", serverURL)
	return nil
}

func runAuthLogout(out io.Writer) error {
	if err := DeleteGlobalConfig(); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}

	fmt.Fprintln(out, "Successfully logged out")
	return nil
}

type authStatus struct {
	Source    string `json:"source"`
	ServerURL string `json:"server_url"`
	HasToken  bool   `json:"has_token"`
	APIToken  string `json:"api_token,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// set by --check
	Server   string `json:"server,omitempty"`
	Chunks   int    `json:"chunks,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Accepted *bool  `json:"token_accepted,omitempty"`
}

type healthData struct {
	Status string `json:"status"`
	Index  *struct {
		Chunks  int    `json:"chunks"`
		Backend string `json:"backend"`
	} `json:"index"`
}

func runAuthStatus(out io.Writer, flagToken, flagURL string, outputJSON, check bool) error {
	source, token, serverURL := GetCredentialSource(flagToken, flagURL)

	status := authStatus{
		Source:    string(source),
		ServerURL: serverURL,
		HasToken:  token != "",
	}
	if token != "" {
		status.APIToken = maskToken(token)
	}
	if config, err := LoadGlobalConfig(); err == nil && config != nil {
		status.SessionID = config.SessionID
	}
	if check {
		probeServer(NewAPIClientWithConfig(token, serverURL), &status)
	}

	if outputJSON {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Server: %s\n", serverURL)
	fmt.Fprintf(out, "Source: %s\n", source)
	if token == "" {
		fmt.Fprintln(out, "Token: none")
	} else {
		fmt.Fprintf(out, "Token: %s\n", status.APIToken)
	}
	if status.SessionID != "" {
		fmt.Fprintf(out, "Session: %s\n", status.SessionID)
	}
	if check {
		fmt.Fprintf(out, "Status: %s\n", status.Server)
		if status.Backend != "" {
			fmt.Fprintf(out, "Index: %d chunks (%s)\n", status.Chunks, status.Backend)
		}
		if status.Accepted != nil {
			fmt.Fprintf(out, "Token accepted: %t\n", *status.Accepted)
		}
	}
	return nil
}

// probeServer fills the --check fields. /health is public; the token is tested
// against a session id that cannot exist, where 404 means it was accepted.
func probeServer(c *APIClient, status *authStatus) {
	resp, err := c.Get("/health")
	var apiErr *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable:
		status.Server = "starting"
		return
	default:
		status.Server = "unreachable: " + err.Error()
		return
	}

	var health healthData
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		status.Server = "unexpected response: " + err.Error()
		return
	}
	status.Server = health.Status
	if health.Index != nil {
		status.Chunks = health.Index.Chunks
		status.Backend = health.Index.Backend
	}

	_, err = c.Get("/sessions/-/messages")
	accepted := !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized)
	status.Accepted = &accepted
}

func maskToken(token string) string {
	if len(token) < 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
