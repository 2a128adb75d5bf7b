package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kbforge/internal/api"
	"kbforge/internal/textutil"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var req api.IngestRequest
	var payloadFile string

	cmd := &cobra.Command{
		Use:   "ingest [url]",
		Short: "Submit a bookmark for processing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.URL = strings.TrimSpace(args[0])
			}
			if payloadFile != "" {
				payload, err := readPayload(cmd.InOrStdin(), payloadFile)
				if err != nil {
					return err
				}
				req.Payload = payload
			}
			if req.URL == "" && strings.TrimSpace(req.Payload) == "" {
				return errors.New("a URL or --payload is required")
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Ingest(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				verb := "Already tracked"
				if resp.Created {
					verb = "Ingested"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s item %s (%s)\n", verb, resp.Item.ID, itemLabel(resp.Item))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "Title to record for the bookmark")
	cmd.Flags().StringVar(&req.Source, "source", "", "Source name, e.g. twitter or browser")
	cmd.Flags().StringVar(&req.SourceID, "source-id", "", "Stable identifier in the source system (defaults to the URL)")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "File holding inline content, or - for stdin")
	return cmd
}

func readPayload(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read payload: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(data), nil
}

func newItemCommand(ctx *commandContext) *cobra.Command {
	itemCmd := &cobra.Command{
		Use:   "item",
		Short: "Inspect and manage knowledge base items",
	}
	itemCmd.AddCommand(newItemShowCommand(ctx))
	itemCmd.AddCommand(newItemListCommand(ctx))
	itemCmd.AddCommand(newItemDeleteCommand(ctx))
	return itemCmd
}

func newItemShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one item and its phase state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				item, err := client.Item(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, item, func() string { return renderItem(item) })
			})
		},
	}
}

func renderItem(item api.Item) string {
	pairs := [][2]string{
		{"ID", item.ID},
		{"Source ID", item.SourceID},
		{"Title", item.Title},
		{"URL", item.URL},
		{"Category", categoryLabel(item)},
		{"Completed", strings.Join(item.Completed, ", ")},
		{"Next phase", dash(item.NextPhase)},
		{"Revision", strconv.FormatInt(item.Revision, 10)},
		{"Updated", item.UpdatedAt},
	}
	if len(item.Reprocess) > 0 {
		pairs = append(pairs, [2]string{"Reprocess", strings.Join(item.Reprocess, ", ")})
	}
	if item.EmbeddingCount > 0 {
		pairs = append(pairs, [2]string{"Embeddings", fmt.Sprintf("%d (%s)", item.EmbeddingCount, item.EmbeddingModel)})
	}
	if item.PublishedPath != "" {
		pairs = append(pairs, [2]string{"Published", item.PublishedPath})
	}
	phases := make([]string, 0, len(item.Errors))
	for p := range item.Errors {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	for _, p := range phases {
		pairs = append(pairs, [2]string{"Error (" + p + ")", item.Errors[p]})
	}
	if item.Understanding != "" {
		pairs = append(pairs, [2]string{"Understanding", textutil.Truncate(item.Understanding, 400)})
	}
	return renderKeyValues(pairs)
}

func newItemListCommand(ctx *commandContext) *cobra.Command {
	var filter api.ItemFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				items, err := client.ListItems(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No items")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]column{{title: "ID"}, {title: "Title", maxWidth: 48}, {title: "Category"}, {title: "Done", align: alignRight}, {title: "Next"}},
					itemRows(items),
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.Category, "category", "", "Only items in this category")
	cmd.Flags().StringVar(&filter.Pending, "pending", "", "Only items still eligible for this phase")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of items")
	return cmd
}

func itemRows(items []api.Item) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			itemLabel(item),
			categoryLabel(item),
			strconv.Itoa(len(item.Completed)),
			dash(item.NextPhase),
		})
	}
	return rows
}

func newItemDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an item, its tasks, and its published entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.DeleteItem(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted item %s\n", args[0])
				return nil
			})
		},
	}
}

func newReprocessCommand(ctx *commandContext) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "reprocess <id> <phase>",
		Short: "Run a phase again for an item",
		Long: "Marks one phase for another run. With --cascade the phase and everything " +
			"downstream of it are cleared so the pipeline re-enters from that point.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				item, err := client.Reprocess(cmd.Context(), args[0], api.ReprocessRequest{Phase: args[1], Cascade: cascade})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, item)
				}
				mode := "marked for reprocessing"
				if cascade {
					mode = "reset"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %s %s at %s (next: %s)\n", item.ID, mode, args[1], dash(item.NextPhase))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "Clear the phase and all downstream phases")
	return cmd
}

func newCategoriesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List categories and item counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				cats, err := client.Categories(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, cats)
				}
				if len(cats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No categorized items yet")
					return nil
				}
				rows := make([][]string, 0, len(cats))
				for _, c := range cats {
					rows = append(rows, []string{c.Name, strconv.Itoa(c.Items)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]column{{title: "Category"}, {title: "Items", align: alignRight}}, rows))
				return nil
			})
		},
	}
}

func itemLabel(item api.Item) string {
	switch {
	case strings.TrimSpace(item.Title) != "":
		return item.Title
	case item.URL != "":
		return item.URL
	default:
		return item.SourceID
	}
}

func categoryLabel(item api.Item) string {
	if item.Category == "" {
		return "-"
	}
	if item.Subcategory == "" {
		return item.Category
	}
	return item.Category + "/" + item.Subcategory
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
