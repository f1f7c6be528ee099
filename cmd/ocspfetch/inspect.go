package main

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect RESPONSE",
		Short: "Print a saved OCSP response",
		Long: `Decode an OCSP response written by ocspfetch (DER, or PEM with an
"OCSP RESPONSE" block) and print it. The signature is not verified.

Examples:
  ocspfetch inspect response.der`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := readResponse(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Text())
			return nil
		},
	}
}

func readResponse(path string) (*ocsp.Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	resp, err := ocsp.ParseResponse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp, nil
}
