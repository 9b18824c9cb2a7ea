// oapctl is the operator CLI for the OAP discovery and trust services.
// It is a thin HTTP client: every command maps onto one API call against
// a running oapd or oap-trustd.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
