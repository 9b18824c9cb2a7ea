package main

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/oap-works/oapd/pkg/models"
)

func newDiscoverCommand(o *options) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:     "discover <task>",
		Short:   "Discover the best capability for a task",
		Example: `  oapctl discover "search text files for a regex pattern"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"task": args[0], "top_k": topK}
			data, err := o.discovery().post("/v1/discover", body, 60*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp models.DiscoverResponse
			if err := decode(data, &resp); err != nil {
				return err
			}
			renderDiscover(cmd.OutOrStdout(), &resp)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 5, "Number of candidates to consider")
	return cmd
}

func renderDiscover(w io.Writer, resp *models.DiscoverResponse) {
	match := resp.Match
	if match == nil {
		fmt.Fprintln(w, "No matching capability found.")
		return
	}

	fmt.Fprintf(w, "\nBest match: %s\n", match.Name)
	fmt.Fprintf(w, "  Domain:  %s\n", match.Domain)
	fmt.Fprintf(w, "  Score:   %.4f\n", match.Score)
	fmt.Fprintf(w, "  Invoke:  %s %s\n", match.Invoke.Method, match.Invoke.URL)
	if match.Reason != "" {
		fmt.Fprintf(w, "  Reason:  %s\n", match.Reason)
	}
	fmt.Fprintf(w, "\n  %s\n", match.Description)

	if len(resp.Candidates) > 1 {
		fmt.Fprintf(w, "\nOther candidates (%d):\n", len(resp.Candidates)-1)
		for _, c := range resp.Candidates {
			if c.Domain != match.Domain {
				fmt.Fprintf(w, "  - %s [%s] (score: %.4f)\n", c.Name, c.Domain, c.Score)
			}
		}
	}
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check discovery API and Ollama health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := o.discovery().get("/health", 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp struct {
				Status     string `json:"status"`
				Ollama     bool   `json:"ollama"`
				IndexCount int    `json:"index_count"`
			}
			if err := decode(data, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			ollama := "not connected"
			if resp.Ollama {
				ollama = "connected"
			}
			fmt.Fprintf(w, "Status:    %s\n", resp.Status)
			fmt.Fprintf(w, "Ollama:    %s\n", ollama)
			fmt.Fprintf(w, "Manifests: %d indexed\n", resp.IndexCount)
			return nil
		},
	}
}

func newManifestsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "manifests [domain]",
		Short: "List indexed manifests, or show one by domain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 1 {
				// A manifest is a free-form document; JSON is the rendering.
				data, err := o.discovery().get("/v1/manifests/"+url.PathEscape(args[0]), 10*time.Second)
				if err != nil {
					return err
				}
				return printJSON(w, data)
			}

			data, err := o.discovery().get("/v1/manifests", 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(w, data)
			}
			var entries []models.ManifestEntry
			if err := decode(data, &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "No manifests indexed.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(w, "  %-30s  [%s]\n", e.Name, e.Domain)
			}
			fmt.Fprintf(w, "\n%d manifests indexed\n", len(entries))
			return nil
		},
	}
}
