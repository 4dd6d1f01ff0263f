package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/control"
	"github.com/mtzanidakis/hive/internal/registry"
	"github.com/spf13/cobra"
)

func newAgentsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent", "a"},
		Short:   "Manage supervised agents on a running server",
	}
	cmd.AddCommand(
		agentsListCommand(g),
		agentsCreateCommand(g),
		agentRefCommand(g, "retire", "Retire an agent", control.AgentRetire, true),
		agentRefCommand(g, "restart", "Restart an agent", control.AgentRestart, true),
		agentRefCommand(g, "pause", "Pause an agent", control.AgentPause, false),
		agentRefCommand(g, "resume", "Resume a paused agent", control.AgentResume, false),
		agentsHealthCommand(g),
		agentsSystemHealthCommand(g),
		agentsTemplatesCommand(g),
	)
	return cmd
}

func agentsListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []agent.Agent
			if err := call(g, control.AgentList, nil, &list); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No agents found.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tTASKS\tLAST ACTIVE")
			for _, a := range list {
				status := string(a.Status)
				if a.Paused {
					status += " (paused)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					a.ID, a.Name, a.Type, status, len(a.CurrentTasks), a.MaxConcurrentTasks, formatTime(a.LastActiveAt))
			}
			return tw.Flush()
		},
	}
}

func agentsCreateCommand(g *globalFlags) *cobra.Command {
	var c control.CreateAgent
	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create an agent from its type template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Type = agent.Type(args[0])
			if !c.Type.Valid() {
				return fmt.Errorf("unknown agent type %q, want one of: %s", args[0], knownTypes())
			}
			var a agent.Agent
			if err := call(g, control.AgentCreate, c, &a); err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), a)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent created: %s (%s)\n", a.ID, a.Name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&c.Name, "name", "n", "", "agent name")
	f.StringVar(&c.Version, "version", "", "agent version")
	f.StringSliceVar(&c.Capabilities, "capability", nil, "capabilities (replaces the template's)")
	f.IntVar(&c.MaxConcurrentTasks, "max-tasks", 0, "concurrent task limit")
	f.IntVar(&c.ResourceLimits.MaxMemoryMB, "max-memory", 0, "memory limit in MB")
	f.DurationVar(&c.ResourceLimits.ExecutionTimeout, "exec-timeout", 0, "execution timeout")
	return cmd
}

func knownTypes() string {
	descs := registry.New(nil).Descriptions()
	types := slices.Sorted(maps.Keys(descs))
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// agentRefCommand builds a command that sends only an agent id and,
// optionally, a reason.
func agentRefCommand(g *globalFlags, use, short, typ string, withReason bool) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(g, typ, control.AgentRef{AgentID: args[0], Reason: reason}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s: %s done.\n", shortID(args[0]), use)
			return nil
		},
	}
	if withReason {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the action")
	}
	return cmd
}

func agentsHealthCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health <agent-id>",
		Short: "Run a health check on an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res agent.HealthCheckResult
			if err := call(g, control.AgentHealth, control.AgentRef{AgentID: args[0]}, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "Agent:    %s\n", res.AgentID)
			fmt.Fprintf(out, "Status:   %s\n", res.Status)
			fmt.Fprintf(out, "Memory:   %.0f%%\n", res.MemoryUsage*100)
			fmt.Fprintf(out, "CPU:      %.0f%%\n", res.CPUUsage*100)
			fmt.Fprintf(out, "Errors:   %.0f%%\n", res.ErrorRate*100)
			fmt.Fprintf(out, "Tasks:    %d\n", res.ActiveTasks)
			for _, is := range res.Issues {
				fmt.Fprintf(out, "  [%s] %s: %s\n", is.Severity, is.Type, is.Description)
			}
			for _, r := range res.Recommendations {
				fmt.Fprintf(out, "  - %s\n", r)
			}
			return nil
		},
	}
}

func agentsSystemHealthCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "system-health",
		Short: "Show aggregate agent health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h agent.SystemHealth
			if err := call(g, control.SystemHealth, nil, &h); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, h)
			}
			fmt.Fprintf(out, "Agents:   %d total, %d active, %d healthy (%.0f%%)\n",
				h.TotalAgents, h.ActiveAgents, h.HealthyAgents, h.HealthRate*100)
			fmt.Fprintf(out, "Pending learning events: %d\n", h.PendingLearningEvents)
			for _, s := range slices.Sorted(maps.Keys(h.StatusDistribution)) {
				fmt.Fprintf(out, "  %-12s %d\n", s, h.StatusDistribution[s])
			}
			return nil
		},
	}
}

// agentsTemplatesCommand reads templates from the local config and does not
// need a running server.
func agentsTemplatesCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List agent type templates with configured overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg := registry.New(cfg.Templates)
			list := reg.List()

			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, list)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TYPE\tTASKS\tMEMORY\tCAPABILITIES\tDESCRIPTION")
			for _, t := range list {
				typ := string(t.Type)
				if reg.Overridden(t.Type) {
					typ += "*"
				}
				fmt.Fprintf(tw, "%s\t%d\t%dMB\t%s\t%s\n",
					typ, t.MaxConcurrentTasks, t.ResourceLimits.MaxMemoryMB, strings.Join(t.Capabilities, ","), t.Description)
			}
			return tw.Flush()
		},
	}
}
