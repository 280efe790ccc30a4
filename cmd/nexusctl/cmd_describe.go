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

func newDescribeCmd(serverURL, outputFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <nexus>",
		Short: "Show one nexus's children and their state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(cmd.Context(), *serverURL, args[0], *outputFormat)
		},
	}
}

func runDescribe(ctx context.Context, serverURL, name, format string) error {
	client := nexusapi.NewClient(serverURL)
	view, err := client.DescribeNexus(ctx, name)
	if err != nil {
		return fmt.Errorf("describe nexus %s: %w", name, err)
	}
	return outputNexusDetail(*view, format)
}

func outputNexusDetail(v nexusapi.NexusView, format string) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)

	case outputFormatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(v)

	case outputFormatTable, "":
		colorHeader.Printf("nexus %s (%s)\n", v.Name, v.UUID)
		fmt.Printf("state: %s  size: %s  share: %s\n\n", stateBadge(v.State), formatBytes(v.SizeBytes), v.ShareURI)

		t := newStyledTable()
		t.AppendHeader(tableRow("CHILD", "URI", "STATE", "FAULT", "REBUILD"))
		for _, c := range v.Children {
			progress := "-"
			if c.RebuildProgress > 0 {
				progress = fmt.Sprintf("%d%%", c.RebuildProgress)
			}
			t.AppendRow(tableRow(c.UUID, c.URI, stateBadge(c.State), c.FaultReason, progress))
		}
		renderTable(t)
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
