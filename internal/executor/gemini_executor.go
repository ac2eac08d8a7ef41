package executor

// GeminiBuilder invokes Google's Gemini CLI in stream-json mode.
type GeminiBuilder struct{}

// Name returns the executor name.
func (GeminiBuilder) Name() string { return "gemini" }

// SupportsResume returns false - each run starts a fresh session.
func (GeminiBuilder) SupportsResume() bool { return false }

// Build returns the gemini command line for a request.
func (GeminiBuilder) Build(req Request) Command {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json"}
	if req.AutoApprove {
		args = append(args, "--yolo")
	}
	// Gemini buffers its output unless attached to a terminal.
	return Command{Path: "gemini", Args: args, Env: worktreeEnv(req), UsePTY: true}
}

// Parser returns the stream-json parser.
func (GeminiBuilder) Parser() Parser { return ParserFunc(parseGemini) }

// parseGemini reads one line of `gemini --output-format stream-json`.
func parseGemini(line string) []Event {
	obj, ok := jsonLine(line)
	if !ok {
		return []Event{raw(line)}
	}
	session := obj.Get("session_id").String()

	switch obj.Get("type").String() {
	case "init":
		return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}
	case "message":
		if obj.Get("role").String() == "assistant" {
			return []Event{{Type: EventAssistantMessage, Text: obj.Get("content").String(), SessionID: session}}
		}
	case "tool_use":
		name := obj.Get("tool_name").String()
		params := obj.Get("parameters")
		if name == "write_todos" {
			return []Event{{Type: EventTodoUpdate, Tool: name, Todos: todosFrom(params.Get("todos"))}}
		}
		return []Event{{Type: EventToolUse, Tool: name, ToolID: obj.Get("tool_id").String(), Input: params.Raw}}
	case "tool_result":
		return []Event{{Type: EventToolResult, ToolID: obj.Get("tool_id").String(),
			Text: obj.Get("output").String(), IsError: obj.Get("status").String() == "error"}}
	case "result":
		return []Event{{Type: EventResult, IsError: obj.Get("status").String() != "success", SessionID: session}}
	case "error":
		return []Event{{Type: EventError, Text: errorText(obj)}}
	}
	return []Event{{Type: EventUnknown, SessionID: session, Raw: line}}
}
