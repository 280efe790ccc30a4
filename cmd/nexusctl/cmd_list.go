package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mayadata-io/nexus-engine/pkg/nexusapi"
)

func newListCmd(serverURL, outputFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every nexus known to the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), *serverURL, *outputFormat)
		},
	}
}

func runList(ctx context.Context, serverURL, format string) error {
	client := nexusapi.NewClient(serverURL)
	views, err := client.ListNexuses(ctx)
	if err != nil {
		return fmt.Errorf("list nexuses: %w", err)
	}
	return outputNexusList(views, format)
}

func outputNexusList(views []nexusapi.NexusView, format string) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)

	case outputFormatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(views)

	case outputFormatTable, "":
		t := newStyledTable()
		t.AppendHeader(tableRow("NAME", "UUID", "STATE", "SIZE", "CHILDREN"))
		for _, v := range views {
			healthy := 0
			for _, c := range v.Children {
				if c.Healthy {
					healthy++
				}
			}
			t.AppendRow(tableRow(
				v.Name, v.UUID, stateBadge(v.State), formatBytes(v.SizeBytes),
				fmt.Sprintf("%d/%d online", healthy, len(v.Children)),
			))
		}
		renderTable(t)
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}

// formatBytes converts a byte count to a human-readable binary size.
func formatBytes(n uint64) string {
	const (
		KiB = 1024
		MiB = KiB * 1024
		GiB = MiB * 1024
		TiB = GiB * 1024
	)
	switch {
	case n >= TiB:
		return fmt.Sprintf("%.1fTi", float64(n)/TiB)
	case n >= GiB:
		return fmt.Sprintf("%.1fGi", float64(n)/GiB)
	case n >= MiB:
		return fmt.Sprintf("%.1fMi", float64(n)/MiB)
	case n >= KiB:
		return fmt.Sprintf("%.1fKi", float64(n)/KiB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// tableRow adapts a variadic string list into go-pretty's table.Row ([]any).
func tableRow(cols ...string) []any {
	row := make([]any, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	return row
}
