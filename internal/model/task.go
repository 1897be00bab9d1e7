package model

import (
	"path"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of an extraction task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Hints carries caller-supplied knowledge about a document.
type Hints struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Language     string `json:"language,omitempty"`
}

// TaskRequest is what callers hand to the orchestrator.
type TaskRequest struct {
	Source string `json:"source"`
	Hints  Hints  `json:"hints"`
}

// Task is one document to be processed.
type Task struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Hints     Hints      `json:"hints"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`

	// CarriedText is raw text produced by an earlier round, forwarded to
	// strategies that build on it.
	CarriedText string `json:"-"`

	// Document holds the resolved source bytes.
	Document []byte `json:"-"`
}

// Filename returns the base name of the source reference.
func (t Task) Filename() string {
	ref := t.Source
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
	}
	return path.Base(ref)
}

// Extension returns the lower-cased filename extension including the dot.
func (t Task) Extension() string {
	return strings.ToLower(path.Ext(t.Filename()))
}
