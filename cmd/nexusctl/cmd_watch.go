package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mayadata-io/nexus-engine/pkg/nexusapi"
)

// newWatchCmd streams live nexus/child/rebuild state-change events from the
// engine's websocket push endpoint until interrupted.
func newWatchCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live nexus/rebuild state-change events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), *serverURL)
		},
	}
}

func runWatch(ctx context.Context, serverURL string) error {
	client := nexusapi.NewClient(serverURL)
	colorMuted.Printf("watching %s ...\n", serverURL)
	return client.Watch(ctx, func(ev nexusapi.WatchEvent) {
		printWatchEvent(ev)
	})
}

func printWatchEvent(ev nexusapi.WatchEvent) {
	ts := ev.Timestamp.Format("15:04:05.000")
	switch {
	case ev.Child != "":
		fmt.Printf("%s  %-22s nexus=%s child=%s state=%s reason=%s\n",
			ts, ev.Kind, ev.Nexus, ev.Child, stateBadge(ev.State), ev.Reason)
	case ev.Nexus != "":
		fmt.Printf("%s  %-22s nexus=%s state=%s\n", ts, ev.Kind, ev.Nexus, stateBadge(ev.State))
	default:
		fmt.Printf("%s  %-22s state=%s\n", ts, ev.Kind, stateBadge(ev.State))
	}
}
