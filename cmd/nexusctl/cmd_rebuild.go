package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mayadata-io/nexus-engine/pkg/nexusapi"
)

func newRebuildCmd(serverURL, outputFormat *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "List and drive rebuild jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List rebuild jobs tracked by the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuildList(cmd.Context(), *serverURL, *outputFormat)
		},
	})

	for _, op := range []string{"start", "pause", "resume", "stop"} {
		op := op
		cmd.AddCommand(&cobra.Command{
			Use:   op + " <serial>",
			Short: fmt.Sprintf("%s a rebuild job by serial", op),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRebuildOp(cmd.Context(), *serverURL, args[0], op)
			},
		})
	}

	return cmd
}

func runRebuildOp(ctx context.Context, serverURL, serialStr, op string) error {
	serial, err := strconv.ParseInt(serialStr, 10, 64)
	if err != nil {
		return fmt.Errorf("bad serial %q: %w", serialStr, err)
	}
	client := nexusapi.NewClient(serverURL)
	if err := client.RebuildOp(ctx, serial, op); err != nil {
		return fmt.Errorf("rebuild %s %d: %w", op, serial, err)
	}
	colorSuccess.Printf("rebuild %d: %s issued\n", serial, op)
	return nil
}

func runRebuildList(ctx context.Context, serverURL, format string) error {
	client := nexusapi.NewClient(serverURL)
	views, err := client.ListRebuilds(ctx)
	if err != nil {
		return fmt.Errorf("list rebuilds: %w", err)
	}
	return outputRebuildList(views, format)
}

func outputRebuildList(views []nexusapi.RebuildView, format string) error {
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
		t.AppendHeader(tableRow("SERIAL", "SRC", "DST", "STATE", "PROGRESS", "RECOVERED/TOTAL"))
		for _, v := range views {
			t.AppendRow(tableRow(
				strconv.FormatInt(v.Serial, 10), v.SrcURI, v.DstURI, stateBadge(v.State),
				fmt.Sprintf("%d%%", v.Progress),
				fmt.Sprintf("%d/%d", v.BlocksRecovered, v.BlocksTotal),
			))
		}
		renderTable(t)
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
