package main

import (
	"errors"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Output format constants, mirroring kubectl-tns-csi's -o switch.
const (
	outputFormatJSON  = "json"
	outputFormatYAML  = "yaml"
	outputFormatTable = "table"
)

var errUnknownOutputFormat = errors.New("unknown output format")

var (
	colorHeader  = color.New(color.FgWhite, color.Bold)
	colorSuccess = color.New(color.FgGreen)
	colorWarning = color.New(color.FgYellow)
	colorError   = color.New(color.FgRed)
	colorMuted   = color.New(color.Faint)
)

// stateBadge colors a nexus/child/rebuild state string by rough health.
func stateBadge(state string) string {
	switch state {
	case "Online", "Completed", "Running":
		return colorSuccess.Sprint(state)
	case "Degraded", "OutOfSync", "Paused", "Pending":
		return colorWarning.Sprint(state)
	case "Faulted", "Failed", "Closed":
		return colorError.Sprint(state)
	default:
		if state == "" {
			return colorMuted.Sprint("-")
		}
		return state
	}
}

// newStyledTable creates a pre-configured go-pretty table with StyleLight
// base, bold white headers, and no row separators.
func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}

func renderTable(t table.Writer) {
	t.Render()
}
