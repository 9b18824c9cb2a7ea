package main

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/oap-works/oapd/pkg/models"
)

func newExperienceCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experience",
		Short: "Procedural memory commands",
	}
	cmd.AddCommand(
		newExperienceInvokeCommand(o),
		newExperienceListCommand(o),
		newExperienceShowCommand(o),
		newExperienceDeleteCommand(o),
		newExperienceStatsCommand(o),
	)
	return cmd
}

func newExperienceInvokeCommand(o *options) *cobra.Command {
	var (
		threshold float64
		topK      int
	)

	cmd := &cobra.Command{
		Use:     "invoke <task>",
		Short:   "Run experience-augmented discovery and invocation for a task",
		Example: `  oapctl experience invoke "search text files for a regex pattern"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"task":                 args[0],
				"confidence_threshold": threshold,
				"top_k":                topK,
			}
			data, err := o.discovery().post("/v1/experience/invoke", body, 120*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp models.ExperienceInvokeResponse
			if err := decode(data, &resp); err != nil {
				return err
			}
			renderExperienceInvoke(cmd.OutOrStdout(), &resp)
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0.85, "Confidence threshold for cache hit")
	cmd.Flags().IntVar(&topK, "top-k", 5, "Number of candidates for discovery")
	return cmd
}

func renderExperienceInvoke(w io.Writer, resp *models.ExperienceInvokeResponse) {
	path := resp.Route.Path
	if path == "" {
		path = "unknown"
	}
	fmt.Fprintf(w, "\nRoute: %s\n", path)
	if resp.Route.CacheConfidence != nil {
		fmt.Fprintf(w, "  Cache confidence: %.4f\n", *resp.Route.CacheConfidence)
	}
	if resp.Route.ExperienceID != "" {
		fmt.Fprintf(w, "  Experience ID: %s\n", resp.Route.ExperienceID)
	}

	if match := resp.Match; match != nil {
		fmt.Fprintf(w, "\nMatch: %s\n", match.Name)
		fmt.Fprintf(w, "  Domain: %s\n", match.Domain)
		fmt.Fprintf(w, "  Invoke: %s %s\n", match.Invoke.Method, match.Invoke.URL)
		if match.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", match.Reason)
		}
	}

	if result := resp.InvocationResult; result != nil {
		fmt.Fprintf(w, "\nInvocation: %s\n", result.Status)
		if result.HTTPCode != nil {
			fmt.Fprintf(w, "  Code: %d\n", *result.HTTPCode)
		}
		fmt.Fprintf(w, "  Latency: %dms\n", result.LatencyMS)
		if result.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", result.Error)
		}
		if result.ResponseBody != "" {
			body := result.ResponseBody
			if len(body) > 200 {
				body = body[:200] + "..."
			}
			fmt.Fprintf(w, "\n  Response:\n  %s\n", body)
		}
	}
}

func newExperienceListCommand(o *options) *cobra.Command {
	var (
		page  int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached experience records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/experience/records?page=%d&limit=%d", page, limit)
			data, err := o.discovery().get(path, 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp models.ExperiencePage
			if err := decode(data, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(resp.Records) == 0 {
				fmt.Fprintln(w, "No experience records.")
				return nil
			}
			for _, r := range resp.Records {
				fmt.Fprintf(w, "  %-30s  %-30s  %-15s  %-7s  uses=%d\n",
					r.ID, r.Intent.Fingerprint, r.Discovery.ManifestMatched,
					r.Outcome.Status, r.UseCount)
			}
			fmt.Fprintf(w, "\n%d total records (page %d)\n", resp.Total, resp.Page)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Records per page")
	return cmd
}

func newExperienceShowCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <experience-id>",
		Short: "Show a specific experience record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := o.discovery().get("/v1/experience/records/"+url.PathEscape(args[0]), 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var record models.ExperienceRecord
			if err := decode(data, &record); err != nil {
				return err
			}
			renderExperienceRecord(cmd.OutOrStdout(), &record)
			return nil
		},
	}
}

func renderExperienceRecord(w io.Writer, r *models.ExperienceRecord) {
	fmt.Fprintf(w, "\nExperience: %s\n", r.ID)
	fmt.Fprintf(w, "  Created:  %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "  Uses:     %d\n", r.UseCount)
	fmt.Fprintf(w, "  Last used: %s\n", r.LastUsed.Format(time.RFC3339))

	fmt.Fprintf(w, "\nIntent:\n")
	fmt.Fprintf(w, "  Raw:         %s\n", r.Intent.Raw)
	fmt.Fprintf(w, "  Fingerprint: %s\n", r.Intent.Fingerprint)
	fmt.Fprintf(w, "  Domain:      %s\n", r.Intent.Domain)

	fmt.Fprintf(w, "\nDiscovery:\n")
	fmt.Fprintf(w, "  Manifest: %s\n", r.Discovery.ManifestMatched)
	fmt.Fprintf(w, "  Confidence: %.4f\n", r.Discovery.Confidence)

	fmt.Fprintf(w, "\nInvocation:\n")
	fmt.Fprintf(w, "  Endpoint: %s\n", r.Invocation.Endpoint)
	fmt.Fprintf(w, "  Method:   %s\n", r.Invocation.Method)
	if len(r.Invocation.ParameterMapping) > 0 {
		fmt.Fprintf(w, "  Parameters:\n")
		for name, mapping := range r.Invocation.ParameterMapping {
			fmt.Fprintf(w, "    %s: %s (source: %s)\n", name, mapping.ValueUsed, mapping.Source)
		}
	}

	fmt.Fprintf(w, "\nOutcome:\n")
	fmt.Fprintf(w, "  Status:  %s\n", r.Outcome.Status)
	if r.Outcome.HTTPCode != nil {
		fmt.Fprintf(w, "  Code:    %d\n", *r.Outcome.HTTPCode)
	}
	var latency int64
	if r.Outcome.LatencyMS != nil {
		latency = *r.Outcome.LatencyMS
	}
	fmt.Fprintf(w, "  Latency: %dms\n", latency)
	fmt.Fprintf(w, "  Summary: %s\n", r.Outcome.ResponseSummary)
}

func newExperienceDeleteCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experience-id>",
		Short: "Delete an experience record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := o.discovery().delete("/v1/experience/records/"+url.PathEscape(args[0]), 10*time.Second); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted: %s\n", args[0])
			return nil
		},
	}
}

func newExperienceStatsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show experience cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := o.discovery().get("/v1/experience/stats", 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var stats models.ExperienceStats
			if err := decode(data, &stats); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Experience Records: %d\n", stats.Total)
			fmt.Fprintf(w, "Avg Confidence:     %.4f\n", stats.AvgConfidence)
			fmt.Fprintf(w, "Success Rate:       %.1f%%\n", stats.SuccessRate*100)

			if len(stats.TopDomains) > 0 {
				fmt.Fprintf(w, "\nTop Domains:\n")
				for _, d := range stats.TopDomains {
					fmt.Fprintf(w, "  %-30s  %d records\n", d.Domain, d.Count)
				}
			}
			if len(stats.TopManifests) > 0 {
				fmt.Fprintf(w, "\nTop Manifests:\n")
				for _, m := range stats.TopManifests {
					fmt.Fprintf(w, "  %-30s  %d records\n", m.Manifest, m.Count)
				}
			}
			return nil
		},
	}
}
