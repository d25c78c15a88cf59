package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// citation mirrors the server's citation shape, flattened to the
// fields the CLI renders.
type citation struct {
	Index   int     `json:"index"`
	DocID   string  `json:"doc_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Quote   string  `json:"quote"`
	Tier    string  `json:"tier"`
	Score   float64 `json:"score"`
	Locator string  `json:"locator,omitempty"`
}

type queryResponse struct {
	Answer         string     `json:"answer"`
	Citations      []citation `json:"citations"`
	TotalHits      int        `json:"total_hits"`
	TokensUsed     int        `json:"tokens_used,omitempty"`
	ReasoningGraph any        `json:"reasoning_graph,omitempty"`
}

// newQueryCmd creates the query subcommand.
func newQueryCmd() *cobra.Command {
	var (
		topK     int
		filters  []string
		page     int
		pageSize int
		explain  bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question answered with numbered citations",
		Long: `Query retrieves the most relevant chunks and synthesizes an answer
where every claim cites its source by index.

Filters take key=value form and may repeat. A comma-separated value
matches any of its options; >= and <= select range bounds:

  citetrace query "battery capacity" --filter tier=A,B --filter source_type=pdf
  citetrace query "recent coverage" --filter "published_at>=2025-01-01T00:00:00Z"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filterMap, err := parseFilters(filters)
			if err != nil {
				return err
			}

			body := map[string]any{"query": args[0]}
			if cmd.Flags().Changed("top-k") {
				body["top_k"] = topK
			}
			if len(filterMap) > 0 {
				body["filters"] = filterMap
			}
			if page > 0 {
				body["page"] = page
				body["page_size"] = pageSize
			}
			if explain {
				body["explain"] = true
			}

			var resp queryResponse
			if err := callAPI(http.MethodPost, "/api/v1/query", body, &resp); err != nil {
				return err
			}

			printResult(resp, func() {
				fmt.Println(resp.Answer)
				if len(resp.Citations) > 0 {
					fmt.Println()
					fmt.Println("Sources:")
					for _, c := range resp.Citations {
						loc := ""
						if c.Locator != "" {
							loc = " (" + c.Locator + ")"
						}
						fmt.Printf("  [%d] %s%s - %s (tier %s, score %.3f)\n",
							c.Index, c.Title, loc, c.URL, c.Tier, c.Score)
					}
				}
				fmt.Printf("\n%d hits total\n", resp.TotalHits)
			})
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 8, "number of chunks to retrieve (0 forces the no-sources answer)")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "metadata filter key=value (repeatable)")
	cmd.Flags().IntVar(&page, "page", 0, "citation page (1-based, 0 disables pagination)")
	cmd.Flags().IntVar(&pageSize, "page-size", 10, "citations per page")
	cmd.Flags().BoolVar(&explain, "explain", false, "include the entity reasoning graph")
	return cmd
}

// parseFilters converts repeated key=value flags into the API's filter
// map. Comma-separated values become membership filters; >= and <=
// become range bounds merged per key.
func parseFilters(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	filters := make(map[string]any)
	for _, f := range raw {
		if key, value, ok := splitOp(f, ">="); ok {
			mergeRange(filters, key, "gte", value)
			continue
		}
		if key, value, ok := splitOp(f, "<="); ok {
			mergeRange(filters, key, "lte", value)
			continue
		}
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", f)
		}
		if strings.Contains(value, ",") {
			parts := strings.Split(value, ",")
			values := make([]any, len(parts))
			for i, p := range parts {
				values[i] = coerce(strings.TrimSpace(p))
			}
			filters[key] = values
			continue
		}
		filters[key] = coerce(value)
	}
	return filters, nil
}

func splitOp(f, op string) (string, string, bool) {
	idx := strings.Index(f, op)
	if idx <= 0 {
		return "", "", false
	}
	return f[:idx], f[idx+len(op):], true
}

func mergeRange(filters map[string]any, key, bound, value string) {
	rng, ok := filters[key].(map[string]any)
	if !ok {
		rng = make(map[string]any)
		filters[key] = rng
	}
	rng[bound] = coerce(value)
}

// coerce turns numeric-looking filter values into numbers so the server
// compares them numerically.
func coerce(v string) any {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}
