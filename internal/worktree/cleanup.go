package worktree

import (
	"context"
	"fmt"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"golang.org/x/sync/errgroup"
)

const cleanupParallelism = 4

// CleanupExpired removes worktrees of tasks sitting in a terminal column
// ("done"/"cancelled") that have not been updated within ttl, and clears the
// stored path/branch. It returns the number of worktrees removed.
//
// Repositories are cleaned in parallel; worktrees of the same repository are
// removed one at a time.
func (m *Manager) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	tasks, err := m.db.ListExpiredWorktreeTasks(time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("list expired worktrees: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupParallelism)
	for _, group := range groupByRepo(ctx, tasks) {
		g.Go(func() error {
			for _, task := range group {
				m.RemoveWorktree(gctx, task.ID, task.WorktreePath, task.WorktreeBranch)
				if err := m.db.UpdateTaskWorktree(task.ID, "", ""); err != nil {
					return fmt.Errorf("clear worktree for task %d: %w", task.ID, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	m.logger.Info("Cleaned up expired worktrees", "count", len(tasks), "ttl", ttl)
	return len(tasks), nil
}

// groupByRepo buckets tasks by the main repository of their worktree, in
// first-seen order. Worktrees git no longer recognizes get a bucket of their own.
func groupByRepo(ctx context.Context, tasks []*db.Task) [][]*db.Task {
	var groups [][]*db.Task
	index := make(map[string]int)
	for _, task := range tasks {
		key := mainRepoFor(ctx, task.WorktreePath)
		if key == "" {
			key = "path:" + task.WorktreePath
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], task)
	}
	return groups
}
