package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// ingestAccepted mirrors the server's submission response.
type ingestAccepted struct {
	JobID     string `json:"job_id"`
	DocID     string `json:"doc_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// jobStatus mirrors the server's status response, flattened to the
// fields the CLI renders.
type jobStatus struct {
	JobID        string  `json:"job_id"`
	DocID        string  `json:"doc_id"`
	SourceURL    string  `json:"url"`
	Status       string  `json:"status"`
	Attempts     int     `json:"attempts"`
	MaxAttempts  int     `json:"max_attempts"`
	Priority     int     `json:"priority"`
	ErrorKind    *string `json:"error_kind"`
	ErrorMessage *string `json:"error"`
	Progress     struct {
		Percent int    `json:"percent"`
		Stage   string `json:"stage"`
	} `json:"progress"`
}

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var (
		priority    int
		maxAttempts int
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <url> [url...]",
		Short: "Submit one or more URLs for ingestion",
		Long: `Ingest submits URLs to the pipeline. A single URL uses the direct
submission endpoint; multiple URLs go through the batch endpoint, where
each URL succeeds or fails independently.

With --wait the CLI follows the job's progress stream until it finishes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return submitBatch(args, priority)
			}

			var accepted ingestAccepted
			body := map[string]any{"url": args[0]}
			if priority > 0 {
				body["priority"] = priority
			}
			if maxAttempts > 0 {
				body["max_attempts"] = maxAttempts
			}
			if err := callAPI(http.MethodPost, "/api/v1/ingest", body, &accepted); err != nil {
				return err
			}

			printResult(accepted, func() {
				fmt.Printf("job     %s\n", accepted.JobID)
				fmt.Printf("doc     %s\n", accepted.DocID)
				fmt.Printf("status  %s\n", accepted.Status)
			})

			if wait {
				return watchJob(accepted.JobID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "job priority 1-10 (0 uses the server default)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "retry budget override")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "follow the progress stream until the job finishes")
	return cmd
}

func submitBatch(urls []string, priority int) error {
	var result struct {
		Jobs []struct {
			URL   string  `json:"url"`
			JobID *string `json:"job_id"`
			Error string  `json:"error,omitempty"`
		} `json:"jobs"`
	}
	body := map[string]any{"urls": urls}
	if priority > 0 {
		body["priority"] = priority
	}
	if err := callAPI(http.MethodPost, "/api/v1/ingest/batch", body, &result); err != nil {
		return err
	}

	printResult(result, func() {
		for _, job := range result.Jobs {
			if job.Error != "" {
				fmt.Printf("FAIL  %-60s %s\n", job.URL, job.Error)
				continue
			}
			fmt.Printf("ok    %-60s %s\n", job.URL, *job.JobID)
		}
	})
	return nil
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an ingestion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobStatus
			if err := callAPI(http.MethodGet, "/api/v1/ingest/"+args[0], nil, &job); err != nil {
				return err
			}
			printResult(job, func() { printJobStatus(job) })
			return nil
		},
	}
}

func printJobStatus(job jobStatus) {
	fmt.Printf("job       %s\n", job.JobID)
	fmt.Printf("url       %s\n", job.SourceURL)
	fmt.Printf("doc       %s\n", job.DocID)
	fmt.Printf("status    %s\n", job.Status)
	fmt.Printf("attempts  %d/%d\n", job.Attempts, job.MaxAttempts)
	if job.Progress.Stage != "" {
		fmt.Printf("stage     %s (%d%%)\n", job.Progress.Stage, job.Progress.Percent)
	} else {
		fmt.Printf("progress  %d%%\n", job.Progress.Percent)
	}
	if job.ErrorKind != nil {
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		fmt.Printf("error     %s: %s\n", *job.ErrorKind, msg)
	}
}

// newCancelCmd creates the cancel subcommand.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending, queued, or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callAPI(http.MethodPost, "/api/v1/ingest/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}

// newRetryCmd creates the retry subcommand.
func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job with boosted priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var accepted ingestAccepted
			if err := callAPI(http.MethodPost, "/api/v1/ingest/"+args[0]+"/retry", nil, &accepted); err != nil {
				return err
			}
			printResult(accepted, func() {
				fmt.Printf("job     %s\n", accepted.JobID)
				fmt.Printf("status  %s\n", accepted.Status)
			})
			return nil
		},
	}
}

// newWatchCmd creates the watch subcommand.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress stream until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(args[0])
		},
	}
}

// progressEvent carries the fields the CLI renders from stream events.
type progressEvent struct {
	Stage     string `json:"stage,omitempty"`
	Percent   int    `json:"percent,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Result    *struct {
		DocID string `json:"doc_id"`
		Tier  string `json:"tier"`
	} `json:"result,omitempty"`
}

// watchJob follows the SSE stream and prints one line per event. The
// HTTP client carries no timeout since streams are long-lived.
func watchJob(jobID string) error {
	req, err := http.NewRequest(http.MethodGet, apiBase+"/api/v1/stream/"+jobID, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %d", resp.StatusCode)
	}

	var kind string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev progressEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			switch kind {
			case "heartbeat":
				// keep quiet
			case "job_completed":
				if ev.Result != nil {
					fmt.Printf("completed  %s tier=%s\n", ev.Result.DocID, ev.Result.Tier)
				} else {
					fmt.Println("completed")
				}
				return nil
			case "error":
				return fmt.Errorf("job failed: %s: %s", ev.ErrorKind, ev.Message)
			default:
				fmt.Printf("%-16s %s %d%%\n", kind, ev.Stage, ev.Percent)
			}
		}
	}
	return scanner.Err()
}
