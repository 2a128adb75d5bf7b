package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kbforge/internal/api"
	"kbforge/internal/router"
)

func newSelectorCommand(ctx *commandContext) *cobra.Command {
	selectorCmd := &cobra.Command{
		Use:   "selector",
		Short: "Show or pin the model used for a phase",
	}
	selectorCmd.AddCommand(&cobra.Command{
		Use:   "get <phase>",
		Short: "Show the pinned selector and current resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Selector(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp, func() string { return renderSelector(resp) })
			})
		},
	})

	var params []string
	setCmd := &cobra.Command{
		Use:   "set <phase> <backend> <model>",
		Short: "Pin a backend and model for a phase",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			sel := router.Selector{Backend: args[1], Model: args[2], Params: parsed}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.SetSelector(cmd.Context(), args[0], sel)
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp, func() string { return renderSelector(resp) })
			})
		},
	}
	setCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Model parameter as key=value (repeatable)")
	selectorCmd.AddCommand(setCmd)
	return selectorCmd
}

func renderSelector(resp api.SelectorResponse) string {
	pinned := "-"
	if resp.Selector != nil {
		pinned = resp.Selector.Backend + "/" + resp.Selector.Model
	}
	resolved := "-"
	if resp.Resolved != nil {
		resolved = fmt.Sprintf("%s/%s (%s)", resp.Resolved.Backend, resp.Resolved.Model, resp.Resolved.Source)
	}
	pairs := [][2]string{
		{"Phase", resp.Phase},
		{"Capability", resp.Capability},
		{"Pinned", pinned},
		{"Resolves to", resolved},
	}
	if resp.ResolveError != "" {
		pairs = append(pairs, [2]string{"Problem", resp.ResolveError})
	}
	return renderKeyValues(pairs)
}
