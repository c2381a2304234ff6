package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentlisten/internal/config"
	"agentlisten/pkg/sdk"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfgPath string
		baseURL string
		asJSON  bool
	)

	root := &cobra.Command{
		Use:           "agentlisten",
		Short:         "Listening-rule engine that lets agents react to chat messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "agentlisten.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Base API URL for client commands")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON output")

	root.AddCommand(newInitCommand(&cfgPath))
	root.AddCommand(newServerCommand(&cfgPath))
	root.AddCommand(newMCPCommand(&cfgPath))
	root.AddCommand(newRulesCommand(&baseURL))
	root.AddCommand(newAgentsCommand(&baseURL, &asJSON))
	root.AddCommand(newSendCommand(&baseURL))
	root.AddCommand(newStatsCommand(&baseURL))
	return root
}

func newAgentsCommand(baseURL *string, asJSON *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Agent commands"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(sdk.Config{BaseURL: *baseURL})
			items, _, err := client.Agents.List(cmd.Context(), sdk.AgentStatus(status), sdk.ListOptions{PerPage: 200})
			if err != nil {
				return err
			}
			if *asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			return printAgentsTable(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.AddCommand(list)

	var in sdk.AgentInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := sdk.New(sdk.Config{BaseURL: *baseURL}).Agents.Create(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
	create.Flags().StringVar(&in.Name, "name", "", "Agent name")
	create.Flags().StringVar(&in.Role, "role", "", "Agent role")
	create.Flags().StringVar(&in.Description, "description", "", "Agent description")
	_ = create.MarkFlagRequired("name")
	cmd.AddCommand(create)
	return cmd
}

func newSendCommand(baseURL *string) *cobra.Command {
	var (
		in    sdk.MessageInput
		queue bool
	)
	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Route a message through the rule engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(sdk.Config{BaseURL: *baseURL})
			in.Content = args[0]
			if queue {
				id, err := client.Messages.Submit(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"message_id": id, "queued": true})
			}
			responses, err := client.Messages.Process(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), responses)
		},
	}
	cmd.Flags().StringVar(&in.GroupID, "group", "", "Group id; empty sends a direct message")
	cmd.Flags().StringVar(&in.Sender, "sender", "cli", "Sender id")
	cmd.Flags().StringSliceVar(&in.Mentions, "mention", nil, "Mentioned agent id (repeatable)")
	cmd.Flags().BoolVar(&queue, "queue", false, "Submit to the dispatcher instead of processing inline")
	return cmd
}

func newStatsCommand(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine, dispatcher and store counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := sdk.New(sdk.Config{BaseURL: *baseURL}).Admin.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func loadConfigMaybe(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	} else if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	} else {
		return config.Config{}, err
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printAgentsTable(out io.Writer, items []sdk.Agent) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tSTATUS\tCREATED_AT")
	for _, a := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Role, a.Status, a.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
