package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mpataki/studio/internal/events"
	"github.com/mpataki/studio/internal/orchestrator"
)

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().String("stage", "run", "Pipeline stage to run")
	cmd.Flags().StringSlice("path", nil, "File to include in the run's file list (repeatable)")
}

func startOptions(cmd *cobra.Command, args []string) orchestrator.StartOptions {
	stage, _ := cmd.Flags().GetString("stage")
	paths, _ := cmd.Flags().GetStringSlice("path")
	return orchestrator.StartOptions{
		Stage:     stage,
		RelPaths:  paths,
		ExtraArgs: args,
	}
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [-- worker args...]",
		Short: "Start a worker run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := startOptions(cmd, args)
			opts.RunID, _ = cmd.Flags().GetString("run-id")

			res, err := a.orch.StartRun(cmd.Context(), a.root, opts)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}

			fmt.Printf("Started run %s (pid %d)\n", res.RunID, res.PID)
			return nil
		},
	}

	addStartFlags(cmd)
	cmd.Flags().String("run-id", "", "Use this run id instead of generating one")
	return cmd
}

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Ask a run to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pid, _ := cmd.Flags().GetInt("pid")
			if pid == 0 {
				status, err := a.orch.RunStatus(a.root, args[0])
				if err != nil {
					return err
				}
				if status.State != nil {
					pid = status.State.PID
				}
			}

			res, err := a.orch.StopRun(a.root, args[0], pid)
			if err != nil {
				return fmt.Errorf("failed to stop run: %w", err)
			}

			fmt.Printf("Stop requested: %s\n", res.StopFlagPath)
			return nil
		},
	}

	cmd.Flags().Int("pid", 0, "Worker pid to signal (default: pid from run state)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run state and liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.RunStatus(a.root, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := a.orch.ListRuns(a.root, limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				if run.State == nil {
					fmt.Printf("%s [unknown]\n", run.RunID)
					continue
				}
				fmt.Printf("%s [%s] %s pid=%d\n", run.RunID, run.State.Status, run.State.Stage, run.State.PID)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum runs to show")
	return cmd
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			var cursor *int
			if cmd.Flags().Changed("cursor") {
				c, _ := cmd.Flags().GetInt("cursor")
				cursor = &c
			}

			emit := func(page events.Page) error {
				for _, ev := range page.Events {
					fmt.Println(string(ev))
				}
				return nil
			}

			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				ctx, stop := signalContext()
				defer stop()
				err := a.orch.FollowEvents(ctx, a.root, args[0], events.FollowOptions{Cursor: cursor, Limit: limit}, emit)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			page, err := a.orch.TailEvents(a.root, args[0], cursor, limit)
			if err != nil {
				return err
			}
			return emit(page)
		},
	}

	cmd.Flags().Int("cursor", 0, "Line index to start from (default: the last --limit lines)")
	cmd.Flags().Int("limit", events.DefaultLimit, "Maximum events per page")
	cmd.Flags().BoolP("follow", "f", false, "Keep printing new events until interrupted")
	return cmd
}

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals <run-id>",
		Short: "List a run's approval requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			all, _ := cmd.Flags().GetBool("all")
			list, err := a.orch.ListApprovals(a.root, args[0], all)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No approvals.")
				return nil
			}
			return printJSON(list)
		},
	}

	cmd.Flags().Bool("all", false, "Include decided requests")
	return cmd
}

func parseVerdict(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "approve", "approved", "yes", "y":
		return true, nil
	case "deny", "denied", "reject", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("verdict must be approve or deny, got %q", s)
}

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <run-id> <approval-id> <approve|deny>",
		Short: "Answer an approval request",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			approved, err := parseVerdict(args[2])
			if err != nil {
				return err
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			reason, _ := cmd.Flags().GetString("reason")
			res, err := a.orch.Decide(a.root, args[0], args[1], approved, reason)
			if err != nil {
				return fmt.Errorf("failed to record decision: %w", err)
			}

			fmt.Printf("Decision written: %s\n", res.DecisionPath)
			return nil
		},
	}

	cmd.Flags().String("reason", "", "Reason passed back to the worker")
	return cmd
}

func newAutoApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auto-approve <run-id>",
		Short: "Apply the root's approval rules to pending requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			decided, err := a.orch.AutoApprove(a.root, args[0])
			if err != nil {
				return err
			}
			if len(decided) == 0 {
				fmt.Println("Rules decided nothing.")
				return nil
			}
			for _, d := range decided {
				verdict := "denied"
				if d.Approved {
					verdict = "approved"
				}
				fmt.Printf("%s %s %s\n", d.ID, verdict, d.Reason)
			}
			return nil
		},
	}
}

func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [-- worker args...]",
		Short: "Queue a run behind the root's active job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.orch.Enqueue(a.root, startOptions(cmd, args))
			if err != nil {
				return err
			}

			fmt.Printf("Queued job #%d (runs while `studio serve` or the console is open)\n", id)
			return nil
		},
	}

	addStartFlags(cmd)
	return cmd
}

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued and finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			jobs, err := a.orch.ListJobs(a.root, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			for _, job := range jobs {
				line := fmt.Sprintf("#%d %s [%s]", job.ID, job.Stage, job.Status)
				if job.RunID != "" {
					line += " run=" + job.RunID
				}
				if job.Error != "" {
					line += " error=" + job.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", orchestrator.DefaultJobLimit, "Maximum jobs to show")
	return cmd
}

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Sync a run into the audit database and print its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			run, list, err := a.orch.Audit(a.root, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"run": run, "approvals": list})
		},
	}
}

func newAllowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Persistently allow a browser to act on the root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, _ := cmd.Flags().GetString("browser-id")
			if id == "" {
				id = uuid.NewString()
			}
			if err := a.orch.AllowPersistent(a.root, id); err != nil {
				return err
			}

			fmt.Printf("Allowed browser %s\n", id)
			return nil
		},
	}

	cmd.Flags().String("browser-id", "", "Browser id to allow (default: a new id)")
	return cmd
}

func newBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Snapshot a file under the root's backups directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dest, err := a.orch.Backup(a.root, args[0])
			if err != nil {
				return err
			}
			if dest == "" {
				fmt.Println("Nothing to back up.")
				return nil
			}

			fmt.Printf("Backed up to %s\n", dest)
			return nil
		},
	}
}
