package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// document mirrors the server's document row, flattened to the fields
// the CLI renders.
type document struct {
	DocID        string  `json:"doc_id"`
	SourceURL    string  `json:"source_url"`
	SourceType   string  `json:"source_type"`
	Title        string  `json:"title"`
	Tier         string  `json:"tier"`
	QualityScore float64 `json:"quality_score"`
	CreatedAt    string  `json:"created_at"`
	Author       *string `json:"author"`
}

// newDocumentsCmd creates the documents subcommand tree.
func newDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Browse and manage ingested documents",
	}
	cmd.AddCommand(newDocumentsListCmd())
	cmd.AddCommand(newDocumentsShowCmd())
	cmd.AddCommand(newDocumentsDeleteCmd())
	return cmd
}

func newDocumentsListCmd() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fully ingested documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Documents []document `json:"documents"`
			}
			path := fmt.Sprintf("/api/v1/documents?limit=%d&offset=%d", limit, offset)
			if err := callAPI(http.MethodGet, path, nil, &result); err != nil {
				return err
			}

			printResult(result, func() {
				if len(result.Documents) == 0 {
					fmt.Println("no documents")
					return
				}
				for _, doc := range result.Documents {
					fmt.Printf("%s  [%s] %-7s %s\n",
						doc.DocID, doc.Tier, doc.SourceType, doc.Title)
				}
			})
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum documents to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func newDocumentsShowCmd() *cobra.Command {
	var (
		chunks   bool
		entities bool
		exports  bool
	)

	cmd := &cobra.Command{
		Use:   "show <doc-id>",
		Short: "Show a document's metadata and processing history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := url.PathEscape(args[0])

			switch {
			case chunks:
				var result map[string]any
				if err := callAPI(http.MethodGet, "/api/v1/documents/"+docID+"/chunks", nil, &result); err != nil {
					return err
				}
				printResult(result, func() { printJSONFallback(result) })
			case entities:
				var result map[string]any
				if err := callAPI(http.MethodGet, "/api/v1/documents/"+docID+"/entities", nil, &result); err != nil {
					return err
				}
				printResult(result, func() { printJSONFallback(result) })
			case exports:
				var result map[string]any
				if err := callAPI(http.MethodGet, "/api/v1/documents/"+docID+"/exports", nil, &result); err != nil {
					return err
				}
				printResult(result, func() { printJSONFallback(result) })
			default:
				var view struct {
					Document document `json:"document"`
					History  []struct {
						Operation string  `json:"operation"`
						Status    string  `json:"status"`
						Error     *string `json:"error"`
					} `json:"history"`
				}
				if err := callAPI(http.MethodGet, "/api/v1/documents/"+docID, nil, &view); err != nil {
					return err
				}
				printResult(view, func() {
					doc := view.Document
					fmt.Printf("doc       %s\n", doc.DocID)
					fmt.Printf("url       %s\n", doc.SourceURL)
					fmt.Printf("title     %s\n", doc.Title)
					fmt.Printf("tier      %s (%.1f)\n", doc.Tier, doc.QualityScore)
					fmt.Printf("ingested  %s\n", doc.CreatedAt)
					if len(view.History) > 0 {
						fmt.Println("history:")
						for _, rec := range view.History {
							suffix := ""
							if rec.Error != nil {
								suffix = " " + *rec.Error
							}
							fmt.Printf("  %-12s %s%s\n", rec.Operation, rec.Status, suffix)
						}
					}
				})
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&chunks, "chunks", false, "show the document's chunks")
	cmd.Flags().BoolVar(&entities, "entities", false, "show the document's entities")
	cmd.Flags().BoolVar(&exports, "exports", false, "show exports citing the document")
	return cmd
}

func newDocumentsDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <doc-id>",
		Short: "Delete a document and all its derived data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deletion is irreversible, rerun with --force")
			}
			if err := callAPI(http.MethodDelete, "/api/v1/documents/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm the deletion")
	return cmd
}

// newSweepCmd creates the sweep subcommand.
func newSweepCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Find documents whose ingestion never committed",
		Long: `Sweep scans the metadata store for documents missing their graph
commit marker. These are partial writes from interrupted ingestions.
Without --remove the sweep only reports; with it the partial data is
deleted so the URL can be re-ingested cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report struct {
				Scanned  int      `json:"scanned"`
				Orphans  []string `json:"orphans"`
				Removed  int      `json:"removed"`
				Duration string   `json:"duration"`
			}
			path := "/api/v1/sweep"
			if remove {
				path += "?remove=true"
			}
			if err := callAPI(http.MethodPost, path, nil, &report); err != nil {
				return err
			}
			printResult(report, func() {
				fmt.Printf("scanned  %d\n", report.Scanned)
				fmt.Printf("orphans  %d\n", len(report.Orphans))
				fmt.Printf("removed  %d\n", report.Removed)
				for _, docID := range report.Orphans {
					fmt.Printf("  %s\n", docID)
				}
			})
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "delete the partial data instead of only reporting")
	return cmd
}

func printJSONFallback(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
