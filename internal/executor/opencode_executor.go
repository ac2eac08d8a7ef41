package executor

// OpenCodeBuilder invokes the OpenCode CLI via `opencode run --format json`.
type OpenCodeBuilder struct{}

// Name returns the executor name.
func (OpenCodeBuilder) Name() string { return "opencode" }

// SupportsResume returns true - opencode continues a session with --session.
func (OpenCodeBuilder) SupportsResume() bool { return true }

// Build returns the opencode command line for a request.
func (OpenCodeBuilder) Build(req Request) Command {
	args := []string{"run", "--format", "json"}
	if req.ResumeSessionID != "" {
		args = append(args, "--session", req.ResumeSessionID)
	}
	args = append(args, req.Prompt)
	env := worktreeEnv(req)
	if req.AutoApprove {
		env = append(env, `OPENCODE_PERMISSION={"*":"allow"}`)
	}
	return Command{Path: "opencode", Args: args, Env: env, UsePTY: true}
}

// Parser returns the json event parser.
func (OpenCodeBuilder) Parser() Parser { return ParserFunc(parseOpenCode) }

// parseOpenCode reads one line of `opencode run --format json`.
func parseOpenCode(line string) []Event {
	obj, ok := jsonLine(line)
	if !ok {
		return []Event{raw(line)}
	}
	session := obj.Get("sessionID").String()
	part := obj.Get("part")

	switch obj.Get("type").String() {
	case "text":
		return []Event{{Type: EventAssistantMessage, Text: part.Get("text").String(), SessionID: session}}
	case "tool_use":
		tool := part.Get("tool").String()
		state := part.Get("state")
		if tool == "todowrite" {
			return []Event{{Type: EventTodoUpdate, Tool: tool, Todos: todosFrom(state.Get("input.todos")), SessionID: session}}
		}
		events := []Event{{Type: EventToolUse, Tool: tool, ToolID: part.Get("callID").String(),
			Input: state.Get("input").Raw, SessionID: session}}
		if status := state.Get("status").String(); status == "completed" || status == "error" {
			events = append(events, Event{Type: EventToolResult, ToolID: part.Get("callID").String(),
				Text: state.Get("output").String(), IsError: status == "error", SessionID: session})
		}
		return events
	case "step_finish":
		return []Event{{Type: EventResult, SessionID: session}}
	case "error":
		return []Event{{Type: EventError, Text: errorText(obj), SessionID: session}}
	}
	return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}
}
