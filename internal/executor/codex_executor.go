package executor

// CodexBuilder invokes OpenAI's Codex CLI via `codex exec --json`.
type CodexBuilder struct{}

// Name returns the executor name.
func (CodexBuilder) Name() string { return "codex" }

// SupportsResume returns true - `codex exec resume <id>` continues a thread.
func (CodexBuilder) SupportsResume() bool { return true }

// Build returns the codex command line for a request.
func (CodexBuilder) Build(req Request) Command {
	args := []string{"exec", "--json"}
	if req.AutoApprove {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	} else {
		args = append(args, "--full-auto")
	}
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
	}
	args = append(args, req.Prompt)
	return Command{Path: "codex", Args: args, Env: worktreeEnv(req)}
}

// Parser returns the exec --json parser.
func (CodexBuilder) Parser() Parser { return ParserFunc(parseCodex) }

// parseCodex reads one line of `codex exec --json`.
func parseCodex(line string) []Event {
	obj, ok := jsonLine(line)
	if !ok {
		return []Event{raw(line)}
	}

	switch obj.Get("type").String() {
	case "thread.started":
		return []Event{{Type: EventUnknown, SessionID: obj.Get("thread_id").String(), Raw: line}}

	case "item.started", "item.updated", "item.completed":
		item := obj.Get("item")
		completed := obj.Get("type").String() == "item.completed"
		switch item.Get("type").String() {
		case "agent_message":
			if completed {
				return []Event{{Type: EventAssistantMessage, Text: item.Get("text").String()}}
			}
		case "command_execution":
			if !completed {
				return []Event{{Type: EventToolUse, Tool: "shell", ToolID: item.Get("id").String(),
					Input: item.Get("command").Raw}}
			}
			return []Event{{Type: EventToolResult, ToolID: item.Get("id").String(),
				Text: item.Get("aggregated_output").String(), IsError: item.Get("exit_code").Int() != 0}}
		case "file_change", "mcp_tool_call", "web_search":
			if !completed {
				return []Event{{Type: EventToolUse, Tool: item.Get("type").String(), ToolID: item.Get("id").String(),
					Input: item.Raw}}
			}
			return []Event{{Type: EventToolResult, ToolID: item.Get("id").String(), Text: item.Get("status").String()}}
		case "todo_list":
			return []Event{{Type: EventTodoUpdate, Todos: todosFrom(item.Get("items"))}}
		case "error":
			return []Event{{Type: EventError, Text: item.Get("message").String()}}
		}

	case "turn.completed":
		return []Event{{Type: EventResult}}

	case "turn.failed":
		return []Event{{Type: EventResult, IsError: true, Text: obj.Get("error.message").String()}}

	case "error":
		return []Event{{Type: EventError, Text: errorText(obj)}}
	}
	return []Event{{Type: EventUnknown, Raw: line}}
}
