package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	defaultAPIURL      = "http://localhost:8300"
	defaultTrustAPIURL = "http://localhost:8301"
)

// options carries the global flags shared by every subcommand.
type options struct {
	apiURL      string
	trustAPIURL string
	asJSON      bool
}

// discovery returns a client for the oapd API.
func (o *options) discovery() *client {
	return newClient(o.apiURL, "oapd")
}

// trust returns a client for the oap-trustd API.
func (o *options) trust() *client {
	return newClient(o.trustAPIURL, "oap-trustd")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "oapctl",
		Short: "Operator CLI for the OAP discovery and trust services",
		Long: `oapctl talks to a running oapd and oap-trustd over HTTP: discover
capabilities by describing a task, inspect the manifest index, manage
procedural memory, and drive domain attestation.

The API base URLs come from --api / --trust-api or the OAP_API_URL and
OAP_TRUST_API_URL environment variables. When OAP_BACKEND_SECRET is set
it is sent as the X-Backend-Token header.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			o.apiURL = strings.TrimRight(o.apiURL, "/")
			o.trustAPIURL = strings.TrimRight(o.trustAPIURL, "/")
		},
	}

	root.PersistentFlags().StringVar(&o.apiURL,
		"api", envOr("OAP_API_URL", defaultAPIURL), "Discovery API base URL")
	root.PersistentFlags().StringVar(&o.trustAPIURL,
		"trust-api", envOr("OAP_TRUST_API_URL", defaultTrustAPIURL), "Trust API base URL")
	root.PersistentFlags().BoolVar(&o.asJSON, "json", false, "Output raw JSON")

	root.AddCommand(
		newDiscoverCommand(o),
		newStatusCommand(o),
		newManifestsCommand(o),
		newExperienceCommand(o),
		newTrustCommand(o),
	)
	return root
}
