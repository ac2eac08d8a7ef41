package executor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// EventType classifies a parsed output line.
type EventType string

const (
	EventAssistantMessage EventType = "assistant_message"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventTodoUpdate       EventType = "todo_update"
	EventResult           EventType = "result"
	EventError            EventType = "error"
	EventUnknown          EventType = "unknown"
	EventRaw              EventType = "raw"
)

// Todo is one item of an agent's todo list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Event is one structured record from an agent's output.
type Event struct {
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	ToolID    string    `json:"tool_id,omitempty"`
	Input     string    `json:"input,omitempty"` // raw JSON tool input
	Todos     []Todo    `json:"todos,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	Raw       string    `json:"raw,omitempty"`
}

// Parser turns one newline-delimited output record into events.
// A single record may carry several events (e.g. text plus a tool call).
type Parser interface {
	Parse(line string) []Event
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(line string) []Event

func (f ParserFunc) Parse(line string) []Event { return f(line) }

// RawParser passes every line through unparsed.
var RawParser Parser = ParserFunc(func(line string) []Event {
	return []Event{raw(line)}
})

func raw(line string) Event {
	return Event{Type: EventRaw, Text: line, Raw: line}
}

// jsonLine returns the parsed line, or ok=false when the line is not a JSON object.
func jsonLine(line string) (gjson.Result, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
		return gjson.Result{}, false
	}
	return gjson.Parse(line), true
}

// todosFrom reads a todo array whose items carry content/text and status/completed.
func todosFrom(arr gjson.Result) []Todo {
	var todos []Todo
	arr.ForEach(func(_, item gjson.Result) bool {
		t := Todo{Content: item.Get("content").String(), Status: item.Get("status").String()}
		if t.Content == "" {
			t.Content = item.Get("text").String()
		}
		if t.Status == "" {
			if item.Get("completed").Bool() {
				t.Status = "completed"
			} else {
				t.Status = "pending"
			}
		}
		todos = append(todos, t)
		return true
	})
	return todos
}
