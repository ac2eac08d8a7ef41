package executor

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ClaudeBuilder invokes the Claude Code CLI in stream-json mode.
type ClaudeBuilder struct{}

// Name returns the executor name.
func (ClaudeBuilder) Name() string { return "claude" }

// SupportsResume returns true - Claude supports session resume via --resume.
func (ClaudeBuilder) SupportsResume() bool { return true }

// Build returns the claude command line for a request.
func (ClaudeBuilder) Build(req Request) Command {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.AutoApprove {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return Command{Path: "claude", Args: args, Env: worktreeEnv(req)}
}

// Parser returns the stream-json parser.
func (ClaudeBuilder) Parser() Parser { return ParserFunc(parseClaude) }

// parseClaude reads one line of `claude --output-format stream-json`.
func parseClaude(line string) []Event {
	obj, ok := jsonLine(line)
	if !ok {
		return []Event{raw(line)}
	}
	session := obj.Get("session_id").String()

	switch obj.Get("type").String() {
	case "system":
		return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}

	case "assistant":
		var out []Event
		obj.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); text != "" {
					out = append(out, Event{Type: EventAssistantMessage, Text: text, SessionID: session})
				}
			case "tool_use":
				name := block.Get("name").String()
				input := block.Get("input")
				if name == "TodoWrite" {
					out = append(out, Event{Type: EventTodoUpdate, Tool: name, ToolID: block.Get("id").String(),
						Todos: todosFrom(input.Get("todos")), SessionID: session})
					return true
				}
				out = append(out, Event{Type: EventToolUse, Tool: name, ToolID: block.Get("id").String(),
					Input: input.Raw, SessionID: session})
			}
			return true
		})
		if len(out) == 0 {
			return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}
		}
		return out

	case "user":
		var out []Event
		obj.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" {
				out = append(out, Event{Type: EventToolResult, ToolID: block.Get("tool_use_id").String(),
					Text: contentText(block.Get("content")), IsError: block.Get("is_error").Bool(), SessionID: session})
			}
			return true
		})
		if len(out) == 0 {
			return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}
		}
		return out

	case "result":
		isErr := obj.Get("is_error").Bool() || obj.Get("subtype").String() != "success"
		return []Event{{Type: EventResult, Text: obj.Get("result").String(), IsError: isErr, SessionID: session}}

	case "error":
		return []Event{{Type: EventError, Text: errorText(obj), SessionID: session}}
	}
	return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}
}

// contentText flattens a tool_result content field (string or block array).
func contentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var text string
	v.ForEach(func(_, b gjson.Result) bool {
		if t := b.Get("text"); t.Exists() {
			if text != "" {
				text += "\n"
			}
			text += t.String()
		}
		return true
	})
	return text
}

func errorText(obj gjson.Result) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := obj.Get(path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return obj.Raw
}

// worktreeEnv is the environment every agent gets.
func worktreeEnv(req Request) []string {
	var env []string
	if req.Task != nil {
		env = append(env,
			fmt.Sprintf("WORKTREE_TASK_ID=%d", req.Task.ID),
			fmt.Sprintf("WORKTREE_BRANCH=%s", req.Task.WorktreeBranch),
		)
	}
	return append(env, fmt.Sprintf("WORKTREE_PATH=%s", req.WorkDir))
}
