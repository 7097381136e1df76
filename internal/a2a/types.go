// Package a2a holds the Agent-to-Agent task protocol values returned to callers.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind tags the content carried by a Part.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// FileRef points at file content by URI.
type FileRef struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri"`
}

// Part is one content fragment of a message or artifact. Exactly one of
// Text, Data or File is set, matching Kind.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileRef       `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Kind: PartKindText, Text: text} }

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part { return Part{Kind: PartKindData, Data: data} }

// FilePart builds a file reference part.
func FilePart(ref FileRef) Part { return Part{Kind: PartKindFile, File: &ref} }

// Validate checks that the part carries content for its kind.
func (p Part) Validate() error {
	switch p.Kind {
	case PartKindText:
		return nil
	case PartKindData:
		if p.Data == nil {
			return fmt.Errorf("data part requires data")
		}
	case PartKindFile:
		if p.File == nil || strings.TrimSpace(p.File.URI) == "" {
			return fmt.Errorf("file part requires uri")
		}
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
	return nil
}

// Message is one turn of the conversation.
type Message struct {
	MessageID ids.MessageID  `json:"messageId"`
	ContextID ids.ContextID  `json:"contextId,omitempty"`
	TaskID    ids.TaskID     `json:"taskId,omitempty"`
	Role      Role           `json:"role"`
	Kind      string         `json:"kind"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh id and a single text part.
func NewMessage(role Role, text string) Message {
	return Message{
		MessageID: ids.NewMessageID(),
		Role:      role,
		Kind:      "message",
		Parts:     []Part{TextPart(text)},
	}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Kind == PartKindText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Validate checks the minimum a caller-supplied message must carry.
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message requires at least one part")
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("parts[%d]: %w", i, err)
		}
	}
	return nil
}

// Artifact is a structured output attached to a task.
type Artifact struct {
	ArtifactID  ids.ArtifactID `json:"artifactId"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the current state of a task plus an optional message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the canonical unit returned to callers.
type Task struct {
	ID        ids.TaskID     `json:"id"`
	ContextID ids.ContextID  `json:"contextId"`
	Kind      string         `json:"kind"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy via JSON so later mutation cannot leak into the original.
func (t *Task) Clone() (*Task, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out Task
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
