package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bborn/boardhooks/internal/config"
	"github.com/bborn/boardhooks/internal/db"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout accepted by `boardd seed`.
type seedFile struct {
	Hooks  []seedHook  `yaml:"hooks"`
	Boards []seedBoard `yaml:"boards"`
}

type seedHook struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Command     string `yaml:"command"`
	Prompt      string `yaml:"prompt"`
	Executor    string `yaml:"executor"`
	AutoApprove bool   `yaml:"auto_approve"`
}

type seedBoard struct {
	Name          string       `yaml:"name"`
	RepoPath      string       `yaml:"repo_path"`
	CloneURL      string       `yaml:"clone_url"`
	DefaultBranch string       `yaml:"default_branch"`
	Columns       []seedColumn `yaml:"columns"`
	Tasks         []seedTask   `yaml:"tasks"`
}

type seedColumn struct {
	Name             string        `yaml:"name"`
	HooksEnabled     *bool         `yaml:"hooks_enabled"`
	AgentConcurrency int           `yaml:"agent_concurrency"`
	Hooks            []seedBinding `yaml:"hooks"`
}

type seedBinding struct {
	Hook        string         `yaml:"hook"`
	ExecuteOnce bool           `yaml:"execute_once"`
	Transparent bool           `yaml:"transparent"`
	Removable   *bool          `yaml:"removable"`
	Settings    map[string]any `yaml:"settings"`
}

type seedTask struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Column      string `yaml:"column"`
	Executor    string `yaml:"executor"`
	Branch      string `yaml:"branch"`
}

// seedStats counts what a seed created.
type seedStats struct {
	Hooks, Boards, Columns, Bindings, Tasks int
}

func parseSeed(data []byte) (*seedFile, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *seedFile) validate() error {
	var errs []error
	hookIDs := make(map[string]bool)
	for i, h := range f.Hooks {
		switch {
		case h.ID == "":
			errs = append(errs, fmt.Errorf("hooks[%d]: id is required", i))
		case strings.HasPrefix(h.ID, "system:"):
			errs = append(errs, fmt.Errorf("hooks[%d]: %s: the system: prefix is reserved", i, h.ID))
		case hookIDs[h.ID]:
			errs = append(errs, fmt.Errorf("hooks[%d]: duplicate id %s", i, h.ID))
		}
		hookIDs[h.ID] = true
		switch h.Kind {
		case db.HookKindScript:
			if strings.TrimSpace(h.Command) == "" {
				errs = append(errs, fmt.Errorf("hooks[%d]: script hook needs a command", i))
			}
		case db.HookKindAgent:
			if strings.TrimSpace(h.Prompt) == "" {
				errs = append(errs, fmt.Errorf("hooks[%d]: agent hook needs a prompt", i))
			}
		default:
			errs = append(errs, fmt.Errorf("hooks[%d]: unknown kind %q", i, h.Kind))
		}
	}

	for i, b := range f.Boards {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("boards[%d]: name is required", i))
		}
		columns := make(map[string]bool)
		for j, c := range b.Columns {
			key := strings.ToLower(strings.TrimSpace(c.Name))
			if key == "" {
				errs = append(errs, fmt.Errorf("boards[%d].columns[%d]: name is required", i, j))
			} else if columns[key] {
				errs = append(errs, fmt.Errorf("boards[%d].columns[%d]: duplicate column %s", i, j, c.Name))
			}
			columns[key] = true
			for k, ch := range c.Hooks {
				if !strings.HasPrefix(ch.Hook, "system:") && !hookIDs[ch.Hook] {
					errs = append(errs, fmt.Errorf("boards[%d].columns[%d].hooks[%d]: unknown hook %q", i, j, k, ch.Hook))
				}
			}
		}
		for j, t := range b.Tasks {
			if t.Title == "" {
				errs = append(errs, fmt.Errorf("boards[%d].tasks[%d]: title is required", i, j))
			}
			if !columns[strings.ToLower(strings.TrimSpace(t.Column))] {
				errs = append(errs, fmt.Errorf("boards[%d].tasks[%d]: unknown column %q", i, j, t.Column))
			}
		}
	}
	return errors.Join(errs...)
}

// apply writes the seed into the database. Hooks that already exist are
// left as they are.
func (f *seedFile) apply(database *db.DB) (seedStats, error) {
	var st seedStats
	for _, h := range f.Hooks {
		existing, err := database.GetHook(h.ID)
		if err != nil {
			return st, err
		}
		if existing != nil {
			continue
		}
		name := h.Name
		if name == "" {
			name = h.ID
		}
		err = database.CreateHook(&db.Hook{
			ID:            h.ID,
			Name:          name,
			Kind:          h.Kind,
			Command:       h.Command,
			AgentPrompt:   h.Prompt,
			AgentExecutor: h.Executor,
			AutoApprove:   h.AutoApprove,
		})
		if err != nil {
			return st, fmt.Errorf("hook %s: %w", h.ID, err)
		}
		st.Hooks++
	}

	for _, sb := range f.Boards {
		board := &db.Board{Name: sb.Name, RepoPath: sb.RepoPath, CloneURL: sb.CloneURL, DefaultBranch: sb.DefaultBranch}
		if err := database.CreateBoard(board); err != nil {
			return st, fmt.Errorf("board %s: %w", sb.Name, err)
		}
		st.Boards++

		columnIDs := make(map[string]int64)
		for pos, sc := range sb.Columns {
			enabled := true
			if sc.HooksEnabled != nil {
				enabled = *sc.HooksEnabled
			}
			col := &db.Column{
				BoardID:  board.ID,
				Name:     sc.Name,
				Position: pos,
				Settings: db.ColumnSettings{HooksEnabled: enabled, AgentConcurrency: sc.AgentConcurrency},
			}
			if err := database.CreateColumn(col); err != nil {
				return st, fmt.Errorf("column %s: %w", sc.Name, err)
			}
			columnIDs[strings.ToLower(strings.TrimSpace(sc.Name))] = col.ID
			st.Columns++

			for hpos, sh := range sc.Hooks {
				removable := true
				if sh.Removable != nil {
					removable = *sh.Removable
				}
				err := database.CreateColumnHook(&db.ColumnHook{
					ColumnID:    col.ID,
					HookID:      sh.Hook,
					Position:    hpos,
					ExecuteOnce: sh.ExecuteOnce,
					Transparent: sh.Transparent,
					Removable:   removable,
					Settings:    sh.Settings,
				})
				if err != nil {
					return st, fmt.Errorf("column %s hook %s: %w", sc.Name, sh.Hook, err)
				}
				st.Bindings++
			}
		}

		for pos, stask := range sb.Tasks {
			err := database.CreateTask(&db.Task{
				BoardID:          board.ID,
				ColumnID:         columnIDs[strings.ToLower(strings.TrimSpace(stask.Column))],
				Position:         pos,
				Title:            stask.Title,
				Description:      stask.Description,
				ExecutorType:     stask.Executor,
				CustomBranchName: stask.Branch,
			})
			if err != nil {
				return st, fmt.Errorf("task %q: %w", stask.Title, err)
			}
			st.Tasks++
		}
	}
	return st, nil
}

func newSeedCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Import boards, columns, hooks and tasks from YAML",
		Long: `Import boards, columns, hooks and tasks from a YAML file.

Column hooks reference either a hook defined in the file or a system hook
(system:execute_ai, system:create_branch, system:move_task, ...).

Seeded tasks run their column's hooks when the daemon next starts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			seed, err := parseSeed(data)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			st, err := seed.apply(database)
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Seed imported"))
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %d hooks, %d boards, %d columns, %d column hooks, %d tasks",
				st.Hooks, st.Boards, st.Columns, st.Bindings, st.Tasks)))
			return nil
		},
	}
}
