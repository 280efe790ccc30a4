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

// newFaultCmd arms and lists fault-injection rules against a running
// engine via its inject:// URI surface.
func newFaultCmd(serverURL, outputFormat *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fault",
		Short: "Arm or list fault-injection rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List currently armed fault injections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFaultList(cmd.Context(), *serverURL, *outputFormat)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "inject <uri>",
		Short: "Arm a fault injection, e.g. inject://child-uuid?domain=nexus_child&op=read&stage=submit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFaultInject(cmd.Context(), *serverURL, args[0])
		},
	})

	return cmd
}

func runFaultInject(ctx context.Context, serverURL, uri string) error {
	client := nexusapi.NewClient(serverURL)
	if err := client.FaultInject(ctx, uri); err != nil {
		return fmt.Errorf("arm fault %s: %w", uri, err)
	}
	colorSuccess.Printf("armed: %s\n", uri)
	return nil
}

func runFaultList(ctx context.Context, serverURL, format string) error {
	client := nexusapi.NewClient(serverURL)
	views, err := client.ListFaults(ctx)
	if err != nil {
		return fmt.Errorf("list faults: %w", err)
	}
	return outputFaultList(views, format)
}

func outputFaultList(views []nexusapi.FaultInjectionView, format string) error {
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
		t.AppendHeader(tableRow("URI", "HITS"))
		for _, v := range views {
			t.AppendRow(tableRow(v.URI, fmt.Sprintf("%d", v.Hits)))
		}
		renderTable(t)
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
