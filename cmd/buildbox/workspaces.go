package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/buildbox/internal/workspace"
)

var (
	clientURL     string
	clientAPIKey  string
	clientTimeout int
	previewPort   string
)

var workspacesCmd = &cobra.Command{
	Use:     "workspaces",
	Aliases: []string{"ws"},
	Short:   "Manage sandboxes on a running buildbox server",
	Long: `Manage sandboxes through the buildbox HTTP API.

Examples:
  buildbox workspaces list
  buildbox workspaces create "My App"
  buildbox workspaces start <id>
  buildbox workspaces preview <id> --port 5173`,
}

func init() {
	workspacesCmd.PersistentFlags().StringVar(&clientURL, "url", "http://localhost:8080", "buildbox server URL (or BUILDBOX_URL env)")
	workspacesCmd.PersistentFlags().StringVar(&clientAPIKey, "api-key", "", "API key or JWT (or BUILDBOX_API_KEY env)")
	workspacesCmd.PersistentFlags().IntVar(&clientTimeout, "timeout", 120, "timeout in seconds")

	previewCmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "Print the preview URL for a port",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "/api/workspaces/" + url.PathEscape(args[0]) + "/preview"
			if previewPort != "" {
				path += "?port=" + url.QueryEscape(previewPort)
			}
			var out struct {
				PreviewURL string `json:"previewUrl"`
			}
			if err := callAPI(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			fmt.Println(out.PreviewURL)
			return nil
		},
	}
	previewCmd.Flags().StringVar(&previewPort, "port", "", "port inside the sandbox (default 3000)")

	workspacesCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sandboxes",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				var list []workspace.Sandbox
				if err := callAPI(http.MethodGet, "/api/workspaces", nil, &list); err != nil {
					return err
				}
				printSandboxes(list...)
				return nil
			},
		},
		&cobra.Command{
			Use:   "create [name]",
			Short: "Create a sandbox",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				body := map[string]string{}
				if len(args) == 1 {
					body["name"] = args[0]
				}
				var sb workspace.Sandbox
				if err := callAPI(http.MethodPost, "/api/workspaces", body, &sb); err != nil {
					return err
				}
				printSandboxes(sb)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one sandbox",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				var sb workspace.Sandbox
				if err := callAPI(http.MethodGet, "/api/workspaces/"+url.PathEscape(args[0]), nil, &sb); err != nil {
					return err
				}
				printSandboxes(sb)
				return nil
			},
		},
		&cobra.Command{
			Use:   "start <id>",
			Short: "Start a sandbox",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				var sb workspace.Sandbox
				if err := callAPI(http.MethodPost, "/api/workspaces/"+url.PathEscape(args[0])+"/start", nil, &sb); err != nil {
					return err
				}
				printSandboxes(sb)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a sandbox",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := callAPI(http.MethodDelete, "/api/workspaces/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			},
		},
		previewCmd,
	)
}

// callAPI sends one authenticated request and decodes the JSON response
// into out. Non-2xx responses become errors carrying the server message.
func callAPI(method, path string, in, out any) error {
	base := strings.TrimRight(goutils.Env("BUILDBOX_URL", clientURL), "/")
	apiKey := goutils.Env("BUILDBOX_API_KEY", clientAPIKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach buildbox at %s: %w", base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printSandboxes(list ...workspace.Sandbox) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPROVIDER\tCREATED")
	for _, sb := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", sb.ID, sb.Name, sb.Status, sb.Provider, sb.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}
