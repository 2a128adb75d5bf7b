package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kbforge/internal/api"
	"kbforge/internal/router"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var params []string
	var backend, model string

	cmd := &cobra.Command{
		Use:   "enqueue <item-id> <phase>",
		Short: "Submit a phase task for an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			req := api.EnqueueRequest{ItemID: args[0], Phase: args[1], Params: parsed}
			if backend != "" || model != "" {
				req.Override = &router.Selector{Backend: backend, Model: model}
			}
			return ctx.withClient(func(client *api.Client) error {
				id, err := client.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.EnqueueResponse{TaskID: id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued task %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Task parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&backend, "backend", "", "Backend override for this task")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this task")
	return cmd
}

func parseParams(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q: expected key=value", v)
		}
		out[key] = value
	}
	return out, nil
}

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect executor tasks",
	}
	taskCmd.AddCommand(newTaskShowCommand(ctx))
	taskCmd.AddCommand(newTaskListCommand(ctx))
	return taskCmd
}

func newTaskShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task's status, progress, and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				task, err := client.Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, task, func() string { return renderTask(task) })
			})
		},
	}
}

func renderTask(task api.Task) string {
	pairs := [][2]string{
		{"ID", task.ID},
		{"Item", task.ItemID},
		{"Phase", task.Phase},
		{"Kind", task.Kind},
		{"Status", task.Status},
		{"Progress", progressLabel(task.Progress)},
		{"Retries", fmt.Sprintf("%d (max attempts %d)", task.RetryCount, task.MaxRetries)},
		{"Created", task.CreatedAt},
	}
	if task.Override != nil {
		pairs = append(pairs, [2]string{"Override", task.Override.Backend + "/" + task.Override.Model})
	}
	if task.StartedAt != "" {
		pairs = append(pairs, [2]string{"Started", task.StartedAt})
	}
	if task.FinishedAt != "" {
		pairs = append(pairs, [2]string{"Finished", task.FinishedAt})
	}
	if task.NextAttemptAt != "" {
		pairs = append(pairs, [2]string{"Next attempt", task.NextAttemptAt})
	}
	if task.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", fmt.Sprintf("[%s] %s", task.ErrorKind, task.ErrorMessage)})
	}
	if task.Result != nil {
		pairs = append(pairs, [2]string{"Duration", fmt.Sprintf("%dms", task.Result.ExecutionTimeMS)})
	}
	return renderKeyValues(pairs)
}

func progressLabel(p api.TaskProgress) string {
	label := fmt.Sprintf("%.0f%%", p.Percent)
	if p.Total > 0 {
		label = fmt.Sprintf("%s (%d/%d)", label, p.Current, p.Total)
	}
	if p.Message != "" {
		label += " " + p.Message
	}
	return label
}

func newTaskListCommand(ctx *commandContext) *cobra.Command {
	var filter api.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				list, err := client.ListTasks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, t := range list {
					rows = append(rows, []string{
						t.ID, t.ItemID, t.Phase, t.Status,
						strconv.FormatFloat(t.Progress.Percent, 'f', 0, 64) + "%",
						dash(t.ErrorKind),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{
					{title: "ID"}, {title: "Item"}, {title: "Phase"}, {title: "Status"},
					{title: "Progress", align: alignRight}, {title: "Error"},
				}, rows))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "Only tasks with this status")
	cmd.Flags().StringVar(&filter.ItemID, "item", "", "Only tasks for this item")
	cmd.Flags().StringVar(&filter.Phase, "phase", "", "Only tasks for this phase")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of tasks")
	return cmd
}
