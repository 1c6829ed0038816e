package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"bloom/internal/scandb"
)

// bindJSONFlag registers the --json switch shared by commands whose output
// is consumed by lab scripts.
func bindJSONFlag(cmd *cobra.Command, target *bool, usage string) {
	if usage == "" {
		usage = "Print JSON"
	}
	cmd.Flags().BoolVar(target, "json", false, usage)
}

// writeJSON prints v indented on stdout. Plant and accession names keep
// characters such as & and < as typed.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// scanDetail is what `scans show --json` prints and what an export stores
// as metadata.json.
type scanDetail struct {
	Scan   *scandb.Scan   `json:"scan"`
	Images []scandb.Image `json:"images"`
}
