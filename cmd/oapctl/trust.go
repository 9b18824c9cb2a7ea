package main

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/oap-works/oapd/pkg/trust"
	"github.com/oap-works/oapd/pkg/trust/trustkeys"
)

func newTrustCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Domain and capability attestation commands",
	}
	cmd.AddCommand(
		newTrustAttestCommand(o),
		newTrustVerifyCommand(o),
		newTrustTestCommand(o),
		newTrustStatusCommand(o),
		newTrustKeysCommand(o),
	)
	return cmd
}

func newTrustAttestCommand(o *options) *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:     "attest <domain>",
		Short:   "Start domain attestation (Layer 0 checks plus a control challenge)",
		Example: `  oapctl trust attest example.com --method dns`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"domain": args[0], "method": method}
			data, err := o.trust().post("/v1/attest/domain", body, 30*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp trust.ChallengeResponse
			if err := decode(data, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "\nLayer 0 checks: %s\n", passedLabel(resp.Layer0.Passed))
			for _, e := range resp.Layer0.Errors {
				fmt.Fprintf(w, "  ! %s\n", e)
			}
			fmt.Fprintf(w, "\nChallenge issued (method: %s)\n", resp.Method)
			fmt.Fprintf(w, "\n%s\n", resp.Instructions)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "dns", "Challenge method (dns or http)")
	return cmd
}

func newTrustVerifyCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <domain>",
		Short: "Check a pending challenge and collect the attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/attest/domain/" + url.PathEscape(args[0]) + "/status"
			data, err := o.trust().get(path, 30*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp trust.ChallengeStatusResponse
			if err := decode(data, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !resp.ChallengeVerified {
				fmt.Fprintf(w, "\nChallenge not yet verified for %s\n", resp.Domain)
				if resp.Error != "" {
					fmt.Fprintf(w, "  %s\n", resp.Error)
				}
				return nil
			}
			fmt.Fprintf(w, "\nDomain verified: %s\n", resp.Domain)
			if a := resp.Attestation; a != nil {
				fmt.Fprintf(w, "  Layer:   %d\n", a.Layer)
				fmt.Fprintf(w, "  Issued:  %s\n", a.IssuedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "  Expires: %s\n", a.ExpiresAt.Format(time.RFC3339))
				fmt.Fprintf(w, "  Hash:    %s\n", a.ManifestHash)
			}
			return nil
		},
	}
}

func newTrustTestCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test <domain>",
		Short: "Run the Layer 2 capability test against a verified domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"domain": args[0]}
			data, err := o.trust().post("/v1/attest/capability", body, 30*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp struct {
				TestResult  trust.CapabilityTestResult `json:"test_result"`
				Attestation *trust.AttestationRecord   `json:"attestation"`
			}
			if err := decode(data, &resp); err != nil {
				return err
			}
			renderCapabilityTest(cmd.OutOrStdout(), resp.TestResult, resp.Attestation)
			return nil
		},
	}
}

func renderCapabilityTest(w io.Writer, result trust.CapabilityTestResult, attestation *trust.AttestationRecord) {
	fmt.Fprintf(w, "\nCapability test: %s\n", passedLabel(result.Passed))
	fmt.Fprintf(w, "  Endpoint live: %t\n", result.EndpointLive)
	if result.HealthOK != nil {
		fmt.Fprintf(w, "  Health OK:     %t\n", *result.HealthOK)
	}
	if result.FormatMatch != nil {
		fmt.Fprintf(w, "  Format match:  %t\n", *result.FormatMatch)
	}
	if result.ExamplePassed != nil {
		fmt.Fprintf(w, "  Example pass:  %t\n", *result.ExamplePassed)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
	if attestation != nil {
		fmt.Fprintf(w, "\n  Attestation issued (Layer %d)\n", attestation.Layer)
		fmt.Fprintf(w, "  Expires: %s\n", attestation.ExpiresAt.Format(time.RFC3339))
	}
}

func newTrustStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show trust provider health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := o.trust().get("/health", 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var resp struct {
				Status           string `json:"status"`
				KeyLoaded        bool   `json:"key_loaded"`
				AttestationCount int    `json:"attestation_count"`
			}
			if err := decode(data, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Status:       %s\n", resp.Status)
			fmt.Fprintf(w, "Key loaded:   %t\n", resp.KeyLoaded)
			fmt.Fprintf(w, "Attestations: %d active\n", resp.AttestationCount)
			return nil
		},
	}
}

func newTrustKeysCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show the provider's JWKS verification keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := o.trust().get("/v1/keys", 10*time.Second)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var jwks trustkeys.JWKS
			if err := decode(data, &jwks); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, key := range jwks.Keys {
				fmt.Fprintf(w, "  Key ID:    %s\n", key.Kid)
				fmt.Fprintf(w, "  Algorithm: %s\n", key.Alg)
				fmt.Fprintf(w, "  Curve:     %s\n", key.Crv)
				fmt.Fprintf(w, "  Use:       %s\n", key.Use)
			}
			return nil
		},
	}
}

func passedLabel(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}
