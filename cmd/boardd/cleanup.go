package main

import (
	"fmt"
	"os"

	"github.com/bborn/boardhooks/internal/config"
	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/worktree"
	"github.com/spf13/cobra"
)

func newCleanupCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove worktrees of finished tasks",
		Long:  "Removes the worktrees of tasks in a Done or Cancelled column that have not changed for longer than the TTL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ttl := cfg.WorktreeTTL.Std()
			if v, _ := cmd.Flags().GetDuration("ttl"); v > 0 {
				ttl = v
			}

			database, err := db.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			m := worktree.New(database, cfg.ReposDir, cfg.WorktreesDir, os.Stderr)
			n, err := m.CleanupExpired(cmd.Context(), ttl)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println(dimStyle.Render("No expired worktrees"))
				return nil
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Removed %d worktree(s)", n)))
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 0, "Age after which a finished task's worktree is removed (default from config)")
	return cmd
}
