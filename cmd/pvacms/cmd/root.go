// Package cmd is the pvacms service entrypoint, grounded on the teacher's
// cmd/ironhand/cmd/root.go (a bare cobra root command plus Execute()).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pvacms",
	Short: "PVACMS is the PVA certificate management service",
	Long: `PVACMS issues and tracks X.509 certificates for a distributed
control-system messaging protocol, publishing signed OCSP-shaped status
over a pub/sub channel and a request/response endpoint.`,
}

// Execute runs the root command, exiting the process with status 1 on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Define flags and configuration settings here.
}
