// Package events provides the in-process publish/subscribe bus used to
// broadcast executor output, completion signals and board notifications.
//
// Delivery is best-effort: a subscriber whose buffer is full misses events.
// Consumers treat every event as a hint and re-read durable state.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event kinds carried on board topics.
const (
	ExecutorStarted   = "executor.started"
	ExecutorOutput    = "executor.output"
	ExecutorStopped   = "executor.stopped"
	ExecutorError     = "executor.error"
	ExecutorCompleted = "executor.completed"
	TodosChanged      = "executor.todos"
	TaskMoved         = "task.moved"
	TaskUpdated       = "task.updated"
	HookStarted       = "hook.started"
	HookFinished      = "hook.finished"
	PlaySound         = "board.play_sound"
)

// Event is a message published on the bus.
type Event struct {
	Topic     string
	Type      string
	TaskID    int64
	Payload   any
	Timestamp time.Time
}

// Completion is the payload of an executor-completed event.
type Completion struct {
	TaskID          int64
	SessionID       string
	ExitCode        int
	PendingMessages int    // queued messages left when the agent exited
	Note            string // rate-limit classification of a failed run, if any
}

// ExecuteRequest is the payload of an externally triggered execution hint.
type ExecuteRequest struct {
	TaskID int64
	Reason string
}

// TaskTopic is the topic for externally triggered execution of a task.
func TaskTopic(taskID int64) string {
	return fmt.Sprintf("task:%d:execute", taskID)
}

// CompletedTopic is the topic an executor publishes to when its agent exits.
func CompletedTopic(taskID int64) string {
	return fmt.Sprintf("executor:%d:completed", taskID)
}

// BoardTopic is the UI-facing topic for a board.
func BoardTopic(boardID int64) string {
	return fmt.Sprintf("board:%d", boardID)
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	topic  string
	prefix bool
	ch     chan Event
}

// C returns the channel to receive events on.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	if s.prefix {
		return strings.HasPrefix(topic, s.topic)
	}
	return topic == s.topic
}

// Bus is a simple in-process pub/sub message bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe receives events published to exactly topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.subscribe(topic, false)
}

// SubscribePrefix receives events whose topic starts with prefix.
// An empty prefix matches all topics.
func (b *Bus) SubscribePrefix(prefix string) *Subscription {
	return b.subscribe(prefix, true)
}

func (b *Bus) subscribe(topic string, prefix bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topic:  topic,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop event for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Helpers for common events

// PublishCompletion broadcasts that a task's agent exited.
func (b *Bus) PublishCompletion(c Completion) {
	b.Publish(CompletedTopic(c.TaskID), Event{Type: ExecutorCompleted, TaskID: c.TaskID, Payload: c})
}

// RequestExecute hints a task actor to (re)run its next pending hook.
func (b *Bus) RequestExecute(taskID int64, reason string) {
	b.Publish(TaskTopic(taskID), Event{Type: "task.execute", TaskID: taskID,
		Payload: ExecuteRequest{TaskID: taskID, Reason: reason}})
}

// Board publishes a UI notification for a board.
func (b *Bus) Board(boardID, taskID int64, eventType string, payload any) {
	b.Publish(BoardTopic(boardID), Event{Type: eventType, TaskID: taskID, Payload: payload})
}
