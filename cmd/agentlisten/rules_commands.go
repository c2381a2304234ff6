package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
	"agentlisten/internal/ruleset"
	"agentlisten/internal/rulestore"
	"agentlisten/pkg/sdk"
)

func newRulesCommand(baseURL *string) *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Rule file and rule API commands"}
	cmd.AddCommand(newRulesValidateCommand())
	cmd.AddCommand(newRulesTestCommand())

	var agentID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(sdk.Config{BaseURL: *baseURL})
			items, _, err := client.Rules.List(cmd.Context(), sdk.RuleFilter{
				AgentID:     agentID,
				ListOptions: sdk.ListOptions{PerPage: 200},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().StringVar(&agentID, "agent", "", "Only rules of this agent")
	cmd.AddCommand(list)
	return cmd
}

func newRulesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rules file without loading it anywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ruleset.Load(args[0])
			if err != nil {
				return err
			}
			if err := doc.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d agents, %d rules OK\n", args[0], len(doc.Agents), len(doc.Rules))
			return nil
		},
	}
}

// newRulesTestCommand runs one message against a rules file using an
// in-memory store, so nothing needs to be running.
func newRulesTestCommand() *cobra.Command {
	var (
		message  string
		groupID  string
		sender   string
		mentions []string
	)
	cmd := &cobra.Command{
		Use:   "test <file>",
		Short: "Show which rules of a file fire for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := ruleset.Load(args[0])
			if err != nil {
				return err
			}
			mem := rulestore.NewMemory()
			if _, err := ruleset.Apply(ctx, doc, mem); err != nil {
				return err
			}

			raw := map[string]any{"content": message}
			if len(mentions) > 0 {
				ms := make([]any, len(mentions))
				for i, m := range mentions {
					ms[i] = m
				}
				raw["mentions"] = ms
			}
			responses, err := engine.New(mem).ProcessMessage(ctx, raw, model.Context{GroupID: groupID, Sender: sender})
			if err != nil {
				return err
			}
			if responses == nil {
				responses = []model.Response{}
			}
			return printJSON(cmd.OutOrStdout(), responses)
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "Message content")
	cmd.Flags().StringVar(&groupID, "group", "", "Group id; empty tests a direct message")
	cmd.Flags().StringVar(&sender, "sender", "user", "Sender id")
	cmd.Flags().StringSliceVar(&mentions, "mention", nil, "Mentioned agent id (repeatable)")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
