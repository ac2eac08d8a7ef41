package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bborn/boardhooks/internal/config"
	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/server"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newTaskCmd(load func() (*config.Config, error)) *cobra.Command {
	var addr string

	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Drive tasks on a running daemon",
	}
	taskCmd.PersistentFlags().StringVar(&addr, "addr", "", "Daemon address (default: listen_addr from config)")

	connect := func() (*client, error) {
		if addr != "" {
			return newClient(addr), nil
		}
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return newClient(cfg.ListenAddr), nil
	}

	moveCmd := &cobra.Command{
		Use:   "move <task-id> <column>",
		Short: "Move a task to a column and run its hooks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			req := server.MoveRequest{Column: args[1]}
			if cmd.Flags().Changed("position") {
				pos, _ := cmd.Flags().GetInt("position")
				req.Position = &pos
			}
			if err := c.Move(cmd.Context(), id, req); err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Task #%d moved to %s", id, args[1])))
			return nil
		},
	}
	moveCmd.Flags().Int("position", -1, "Position within the column (default: end)")
	taskCmd.AddCommand(moveCmd)

	taskCmd.AddCommand(&cobra.Command{
		Use:   "stop <task-id>",
		Short: "Cancel the running hook and agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			if err := c.Stop(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Task #%d stopped", id)))
			return nil
		},
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task, its agent and its hook executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			task, err := c.Task(ctx, id)
			if err != nil {
				return err
			}
			status, err := c.Status(ctx, id)
			if err != nil {
				return err
			}
			execs, err := c.Executions(ctx, id)
			if err != nil {
				return err
			}
			renderStatus(os.Stdout, task, status, execs)
			return nil
		},
	})

	taskCmd.AddCommand(&cobra.Command{
		Use:   "send <task-id> <text>",
		Short: "Send input to the task's running agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			if err := c.Send(cmd.Context(), id, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Input sent"))
			return nil
		},
	})

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <task-id> <prompt>",
		Short: "Queue a prompt for the task's agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			exec, _ := cmd.Flags().GetString("executor")
			images, _ := cmd.Flags().GetStringSlice("image")
			req := server.EnqueueRequest{Prompt: strings.Join(args[1:], " "), ExecutorType: exec, Images: images}
			if err := c.Enqueue(cmd.Context(), id, req); err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Message queued for task #%d", id)))
			return nil
		},
	}
	enqueueCmd.Flags().String("executor", "", "Agent to run the prompt with (default: the task's)")
	enqueueCmd.Flags().StringSlice("image", nil, "Image path to attach (repeatable)")
	taskCmd.AddCommand(enqueueCmd)

	return taskCmd
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id: %s", s)
	}
	return id, nil
}

func executionColor(status string) lipgloss.Color {
	switch status {
	case db.ExecRunning:
		return lipgloss.Color("#3B82F6")
	case db.ExecCompleted:
		return lipgloss.Color("#10B981")
	case db.ExecFailed:
		return lipgloss.Color("#EF4444")
	case db.ExecPending:
		return lipgloss.Color("#F59E0B")
	default:
		return lipgloss.Color("#6B7280")
	}
}

func renderStatus(w io.Writer, task *server.TaskResponse, status *executor.Status, execs []server.ExecutionResponse) {
	fmt.Fprintln(w, boldStyle.Render(fmt.Sprintf("#%d %s", task.ID, task.Title)))
	fmt.Fprintf(w, "Column:   %s\n", task.Column)

	agent := task.AgentStatus
	if task.StatusMessage != "" {
		agent += " " + dimStyle.Render("("+task.StatusMessage+")")
	}
	fmt.Fprintf(w, "Agent:    %s\n", agent)

	process := status.Status
	if status.ExitCode != nil {
		process += fmt.Sprintf(" (exit %d)", *status.ExitCode)
	}
	fmt.Fprintf(w, "Process:  %s\n", process)
	if task.WorktreePath != "" {
		fmt.Fprintf(w, "Worktree: %s %s\n", task.WorktreePath, dimStyle.Render(task.WorktreeBranch))
	}
	if task.QueuedMessages > 0 {
		fmt.Fprintf(w, "Queued:   %d message(s)\n", task.QueuedMessages)
	}
	if task.ErrorMessage != "" {
		fmt.Fprintln(w, errorStyle.Render("Error:    "+task.ErrorMessage))
	}

	if len(execs) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, boldStyle.Render("Hooks"))
	for _, e := range execs {
		badge := lipgloss.NewStyle().Foreground(executionColor(e.Status)).Width(10).Render(e.Status)
		line := fmt.Sprintf("  %s %s", badge, e.HookName)
		switch {
		case e.ErrorMessage != "":
			line += " " + errorStyle.Render(e.ErrorMessage)
		case e.SkipReason != "":
			line += " " + dimStyle.Render(e.SkipReason)
		}
		fmt.Fprintln(w, line)
	}
}
