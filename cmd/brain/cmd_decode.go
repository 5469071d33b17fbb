package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agencyops.com/corporate-brain/internal/auth"
)

var decodeJSONOutput bool

// decodeCmd shows the unverified claims of a token.
var decodeCmd = &cobra.Command{
	Use:   "decode [token]",
	Short: "Print project, role, subject and expiry of a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		diag, err := auth.DecodeDiagnostics(strings.TrimSpace(args[0]))
		if err != nil {
			return fmt.Errorf("failed to decode token: %w", err)
		}
		if decodeJSONOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(diag)
		}
		fmt.Fprintln(cmd.OutOrStdout(), diag.String())
		return nil
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSONOutput, "json", false, "Print as JSON")
}
