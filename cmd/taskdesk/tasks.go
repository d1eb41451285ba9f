package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskdesk/internal/app"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/stats"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskUpdateCmd())
	cmd.AddCommand(taskForwardCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskApproveCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Tasks you can see, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var wantStatus domain.TaskStatus
			if status != "" {
				st, ok := domain.ParseTaskStatus(status)
				if !ok {
					return fmt.Errorf("invalid status %q", status)
				}
				wantStatus = st
			}
			var wantPriority domain.Priority
			if priority != "" {
				p, ok := domain.ParsePriority(priority)
				if !ok {
					return fmt.Errorf("invalid priority %q", priority)
				}
				wantPriority = p
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				tasks, err := a.Engine.TasksForSession(ctx, sess)
				if err != nil {
					return err
				}
				var out []domain.Task
				for _, t := range tasks {
					if wantStatus != "" && t.Status != wantStatus {
						continue
					}
					if wantPriority != "" && t.Priority != wantPriority {
						continue
					}
					out = append(out, t)
				}
				return printTasks(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.TaskFor(ctx, sess, args[0])
				if err != nil {
					return err
				}
				needs, err := a.Engine.NeedsCompletionApproval(ctx, t)
				if err != nil {
					return err
				}
				return printTaskDetail(cmd.OutOrStdout(), t, needs)
			})
		},
	}
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if priority != "" {
				p, ok := domain.ParsePriority(priority)
				if !ok {
					return fmt.Errorf("invalid priority %q", priority)
				}
				opts.Priority = p
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.CreateTaskAs(ctx, sess, opts)
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM or HIGH (default MEDIUM)")
	cmd.Flags().StringVar(&opts.DepartmentID, "dept", "", "department id (default your own)")
	cmd.Flags().StringVar(&opts.AssignedToID, "assign", "", "assignee user id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, priority, assignee string
	var unassign bool
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Edit a task (admins of its department)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.TaskUpdate{
				Title:        changedString(cmd, "title", title),
				Description:  changedString(cmd, "desc", desc),
				AssignedToID: changedString(cmd, "assign", assignee),
			}
			if unassign {
				empty := ""
				upd.AssignedToID = &empty
			}
			if priority != "" {
				p, ok := domain.ParsePriority(priority)
				if !ok {
					return fmt.Errorf("invalid priority %q", priority)
				}
				upd.Priority = &p
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.EditTask(ctx, sess, args[0], upd)
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&assignee, "assign", "", "assignee user id")
	cmd.Flags().BoolVar(&unassign, "unassign", false, "clear the assignee")
	cmd.MarkFlagsMutuallyExclusive("assign", "unassign")
	return cmd
}

func taskForwardCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "forward <task-id>",
		Short: "Hand a task to another USER-role member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.ForwardTask(ctx, sess, args[0], to)
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "new assignee user id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var remark string
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Set PENDING, IN_PROGRESS or COMPLETED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := domain.ParseTaskStatus(args[1])
			if !ok {
				return fmt.Errorf("invalid status %q", args[1])
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.SetTaskStatus(ctx, sess, args[0], status, remark)
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "completion remark")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var remark string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task, or request approval when required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.CompleteTask(ctx, sess, args[0], remark)
				if err != nil {
					return err
				}
				if t.Status == domain.TaskPendingApproval {
					fmt.Fprintln(cmd.ErrOrStderr(), "completion requested; waiting for approval from", t.LastReassignerID())
				}
				return printTasks(cmd.OutOrStdout(), []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "completion remark")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a pending completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				t, err := a.Engine.ApproveCompletion(ctx, sess, args[0])
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), []domain.Task{t})
			})
		},
	}
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stats", Short: "Dashboard figures over your visible tasks"}
	cmd.AddCommand(&cobra.Command{
		Use:   "breakdown",
		Short: "Tasks per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				tasks, err := a.Engine.TasksForSession(ctx, sess)
				if err != nil {
					return err
				}
				return printBreakdown(cmd.OutOrStdout(), len(tasks), stats.Breakdown(tasks))
			})
		},
	})
	var period string
	productivity := &cobra.Command{
		Use:   "productivity",
		Short: "Completed tasks per day, week, month or year",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := stats.ParsePeriod(period)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				tasks, err := a.Engine.TasksForSession(ctx, sess)
				if err != nil {
					return err
				}
				return printProductivity(cmd.OutOrStdout(), stats.Productivity(tasks, p, time.Now()))
			})
		},
	}
	productivity.Flags().StringVar(&period, "period", string(stats.PeriodWeek), "day, week, month or year")
	cmd.AddCommand(productivity)
	return cmd
}
