// Package main provides the citetrace CLI entrypoint.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiBase    string
	apiKey     string
	outputJSON bool
	timeout    time.Duration
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "citetrace",
	Short: "citetrace CLI for ingestion, retrieval, and administration",
	Long: `citetrace CLI talks to a running citetrace API server.

Use this tool to:
- Submit URLs for ingestion and watch their progress
- Inspect, cancel, and retry jobs
- Ask questions answered with numbered citations
- Browse ingested documents and their provenance
- Sweep partially written documents

All commands support --json for automation.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", envOr("CITETRACE_API", "http://localhost:8090"), "API server base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CITETRACE_API_KEY"), "bearer token for the API server")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output raw JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newRetryCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newDocumentsCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError is the server's error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// callAPI issues one JSON request and decodes the response into out.
// Error responses become CLI errors carrying the server's message.
func callAPI(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// printResult renders a value as indented JSON when --json is set,
// otherwise hands it to the pretty printer.
func printResult(v any, pretty func()) {
	if outputJSON {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return
	}
	pretty()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("citetrace CLI v0.3.0")
		},
	}
}
