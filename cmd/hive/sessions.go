package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/hive/internal/control"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/spf13/cobra"
)

func newSessionsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Manage swarm sessions on a running server",
	}
	cmd.AddCommand(
		sessionsListCommand(g),
		sessionsShowCommand(g),
		sessionsCreateCommand(g),
		sessionRefCommand(g, "pause", "Checkpoint and pause a session", control.SessionPause),
		sessionsResumeCommand(g),
		sessionsTerminateCommand(g),
		sessionsCheckpointCommand(g),
		sessionRefCommand(g, "evict", "Drop a paused or terminated session from memory", control.SessionEvict),
		sessionsAttachCommand(g),
		sessionsTaskCommand(g),
		sessionsMemoryCommand(g),
	)
	return cmd
}

func sessionsListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []swarm.Summary
			if err := call(g, control.SessionList, nil, &list); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tNAME\tTOPOLOGY\tSTATUS\tAGENTS\tTASKS\tSTARTED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
					s.ID, s.Name, s.Topology, s.Status, s.Agents, s.TasksCompleted, s.TasksTotal, formatTime(s.StartedAt))
			}
			return tw.Flush()
		},
	}
}

func sessionsShowCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its stats and task plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := control.SessionRef{SessionID: args[0]}
			var (
				s     swarm.Session
				stats swarm.Stats
				plan  swarm.Plan
			)
			if err := call(g, control.SessionShow, ref, &s); err != nil {
				return err
			}
			if err := call(g, control.SessionStats, ref, &stats); err != nil {
				return err
			}
			if err := call(g, control.SessionPlan, ref, &plan); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, map[string]any{"session": s, "stats": stats, "plan": plan})
			}
			fmt.Fprintf(out, "Session:     %s (%s)\n", s.Name, s.ID)
			fmt.Fprintf(out, "Project:     %s\n", s.ProjectID)
			fmt.Fprintf(out, "Topology:    %s\n", s.Topology)
			fmt.Fprintf(out, "Status:      %s\n", s.Status)
			if s.CoordinatorID != "" {
				fmt.Fprintf(out, "Coordinator: %s\n", s.CoordinatorID)
			}
			fmt.Fprintf(out, "Uptime:      %s\n", stats.Uptime.Truncate(time.Second))
			fmt.Fprintf(out, "Agents:      %d/%d %s\n", len(s.AgentIDs), s.Config.MaxAgents, strings.Join(s.AgentIDs, ", "))
			fmt.Fprintf(out, "Tasks:       %d running, %d queued, %d completed, %d failed (success %.0f%%)\n",
				stats.ActiveTasks, stats.QueuedTasks, stats.CompletedTasks, stats.FailedTasks, stats.SuccessRate*100)
			fmt.Fprintf(out, "Checkpoints: %d/%d\n", stats.Checkpoints, s.Config.MaxCheckpoints)
			for i, tier := range plan.Tiers {
				fmt.Fprintf(out, "  tier %d:   %s\n", i, strings.Join(tier, ", "))
			}
			return nil
		},
	}
}

func sessionsCreateCommand(g *globalFlags) *cobra.Command {
	var (
		req       control.CreateSession
		cfg       swarm.Config
		topology  string
		metadata  []string
		noAuto    bool
		noPersist bool
		cronSpec  string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			req.Topology = swarm.Topology(topology)
			if !req.Topology.Valid() {
				return fmt.Errorf("unknown topology %q (want hierarchical, mesh, star or dynamic)", topology)
			}
			md, err := parsePairs(metadata)
			if err != nil {
				return err
			}
			req.Metadata = md

			if cmd.Flags().Changed("max-agents") {
				cfg.AutoCheckpoint = !noAuto
				cfg.PersistToDisk = !noPersist
				cfg.CheckpointSchedule = cronSpec
				req.Config = &cfg
			}

			var s swarm.Session
			if err := call(g, control.SessionCreate, req, &s); err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session created: %s\n", s.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.ProjectID, "project", "p", "default", "owning project id")
	f.StringVarP(&topology, "topology", "t", string(swarm.TopologyHierarchical), "hierarchical, mesh, star or dynamic")
	f.StringArrayVarP(&metadata, "meta", "m", nil, "metadata key=value (repeatable)")
	f.IntVar(&cfg.MaxAgents, "max-agents", 0, "agent roster limit (setting it overrides the server defaults)")
	f.IntVar(&cfg.MaxConcurrentTasks, "max-tasks", 0, "concurrent task limit")
	f.DurationVar(&cfg.CheckpointInterval, "checkpoint-interval", 0, "auto checkpoint interval")
	f.StringVar(&cronSpec, "checkpoint-cron", "", "auto checkpoint cron expression")
	f.IntVar(&cfg.MaxCheckpoints, "max-checkpoints", 0, "checkpoints retained")
	f.DurationVar(&cfg.Timeout, "timeout", 0, "terminate the session after this long")
	f.BoolVar(&noAuto, "no-auto-checkpoint", false, "disable automatic checkpoints")
	f.BoolVar(&noPersist, "no-persist", false, "keep the session in memory only")
	return cmd
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		m[k] = v
	}
	return m, nil
}

// sessionRefCommand builds a command that sends only a session id.
func sessionRefCommand(g *globalFlags, use, short, typ string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result any
			if err := call(g, typ, control.SessionRef{SessionID: args[0]}, &result); err != nil {
				return err
			}
			if g.jsonOut && result != nil {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s done.\n", shortID(args[0]), use)
			return nil
		},
	}
}

func sessionsResumeCommand(g *globalFlags) *cobra.Command {
	var checkpointID string
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a session, optionally from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s swarm.Session
			ref := control.SessionRef{SessionID: args[0], CheckpointID: checkpointID}
			if err := call(g, control.SessionResume, ref, &s); err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s.\n", s.ID, s.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "restore this checkpoint")
	return cmd
}

func sessionsTerminateCommand(g *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Take a final checkpoint and end a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cp swarm.Checkpoint
			ref := control.SessionRef{SessionID: args[0], Reason: reason}
			if err := call(g, control.SessionTerminate, ref, &cp); err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), cp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session terminated, final checkpoint %s.\n", cp.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "termination reason")
	return cmd
}

func sessionsCheckpointCommand(g *globalFlags) *cobra.Command {
	var (
		reason   string
		metadata []string
	)
	cmd := &cobra.Command{
		Use:   "checkpoint <session-id>",
		Short: "Snapshot a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parsePairs(metadata)
			if err != nil {
				return err
			}
			var cp swarm.Checkpoint
			ref := control.SessionRef{SessionID: args[0], Reason: reason, Metadata: md}
			if err := call(g, control.SessionCheckpoint, ref, &cp); err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), cp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint created: %s\n", cp.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "manual", "checkpoint reason")
	cmd.Flags().StringArrayVarP(&metadata, "meta", "m", nil, "metadata key=value (repeatable)")
	return cmd
}

func sessionsAttachCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id> <agent-id>",
		Short: "Bind an agent to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.AddAgent{SessionID: args[0], AgentID: args[1]}
			if err := call(g, control.SessionAddAgent, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s attached.\n", shortID(args[1]))
			return nil
		},
	}
}

func sessionsTaskCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Add tasks and update their status",
	}

	var (
		task swarm.Task
		deps []string
	)
	add := &cobra.Command{
		Use:   "add <session-id> <description>",
		Short: "Add a task to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task.Description = args[1]
			task.Dependencies = deps
			var out swarm.Task
			if err := call(g, control.SessionAddTask, control.AddTask{SessionID: args[0], Task: task}, &out); err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s.\n", out.ID, out.Status)
			return nil
		},
	}
	add.Flags().StringVar(&task.ID, "id", "", "task id (generated when empty)")
	add.Flags().StringVar(&task.Type, "type", "", "task type")
	add.Flags().IntVar(&task.Priority, "priority", 0, "task priority")
	add.Flags().StringVar(&task.AssignedTo, "agent", "", "assign to this agent")
	add.Flags().StringSliceVar(&deps, "after", nil, "ids of tasks that must complete first")

	var agentID string
	status := &cobra.Command{
		Use:   "status <session-id> <task-id> <running|completed|failed>",
		Short: "Update a task's status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.TaskStatus{
				SessionID: args[0],
				TaskID:    args[1],
				Status:    swarm.TaskStatus(args[2]),
				AgentID:   agentID,
			}
			if err := call(g, control.SessionTaskStatus, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s: %s.\n", args[1], args[2])
			return nil
		},
	}
	status.Flags().StringVar(&agentID, "agent", "", "release the task from this agent")

	cmd.AddCommand(add, status)
	return cmd
}

func sessionsMemoryCommand(g *globalFlags) *cobra.Command {
	var shared bool
	cmd := &cobra.Command{
		Use:   "memory <session-id> <key> <value>",
		Short: "Write a working memory entry (value is JSON, or a plain string)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := json.RawMessage(args[2])
			if !json.Valid(value) {
				value, _ = json.Marshal(args[2])
			}
			req := control.SetMemory{SessionID: args[0], Key: args[1], Value: value, Shared: shared}
			if err := call(g, control.SessionSetMemory, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s.\n", args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "write the shared context instead of working memory")
	return cmd
}
