package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kbforge/internal/api"
	"kbforge/internal/phase"
	"kbforge/internal/tasks"
)

var taskStatusOrder = []tasks.Status{
	tasks.StatusPending,
	tasks.StatusRunning,
	tasks.StatusRetrying,
	tasks.StatusSucceeded,
	tasks.StatusFailed,
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, backend, and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				return emit(ctx, cmd, status, func() string {
					return renderStatus(status, shouldColorize(cmd.OutOrStdout()))
				})
			})
		},
	}
}

func renderStatus(status api.DaemonStatus, colorize bool) string {
	var lines []string
	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	if status.Running {
		lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusError, "Stopped", colorize))
	}
	wf := status.Workflow
	switch {
	case wf.LastError != "":
		lines = append(lines, renderStatusLine("Scheduler", statusWarn, wf.LastError, colorize))
	case wf.Running:
		lines = append(lines, renderStatusLine("Scheduler", statusOK, "Running", colorize))
	default:
		lines = append(lines, renderStatusLine("Scheduler", statusWarn, "Idle", colorize))
	}
	if wf.LastScan != "" {
		lines = append(lines, renderStatusLine("Last scan", statusInfo, wf.LastScan, colorize))
	}
	lines = append(lines, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
	lines = append(lines, renderStatusLine("Library", statusInfo, status.LibraryDir, colorize))

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Backends", colorize)...)
	if len(wf.Backends) == 0 {
		lines = append(lines, renderStatusLine("Backends", statusWarn, "None configured", colorize))
	}
	for _, b := range wf.Backends {
		kind := statusOK
		detail := "Ready"
		if !b.Ready {
			kind = statusError
			detail = "Unavailable"
		}
		if b.Detail != "" {
			detail += " (" + b.Detail + ")"
		}
		lines = append(lines, renderStatusLine(b.Name, kind, detail, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader(fmt.Sprintf("Pipeline (%d items)", wf.Items), colorize)...)
	out := strings.Join(lines, "\n") + "\n"
	out += renderTable(
		[]column{{title: "Phase"}, {title: "Completed", align: alignRight}, {title: "Scheduled", align: alignRight}},
		phaseRows(wf),
	)
	out += renderTable(
		[]column{{title: "Task status"}, {title: "Count", align: alignRight}},
		taskCountRows(wf.TaskCounts),
	)
	return out
}

func phaseRows(wf api.WorkflowStatus) [][]string {
	rows := make([][]string, 0, len(phase.All()))
	for _, p := range phase.All() {
		rows = append(rows, []string{
			p.String(),
			strconv.Itoa(wf.Completed[p.String()]),
			strconv.FormatInt(wf.Scheduled[p.String()], 10),
		})
	}
	return rows
}

func taskCountRows(counts map[string]int) [][]string {
	rows := make([][]string, 0, len(taskStatusOrder))
	for _, s := range taskStatusOrder {
		rows = append(rows, []string{string(s), strconv.Itoa(counts[string(s)])})
	}
	return rows
}
