// Package paper defines the records that flow through the ingestion
// pipeline: the submitted Paper, the queued Task, the stored Payload and the
// status events emitted by workers.
package paper

import (
	"encoding/json"
	"strings"
	"time"
)

// Paper is a submission as received from clients.
type Paper struct {
	Title     string `json:"title"`
	Abstract  string `json:"abstract"`
	Authors   string `json:"authors"`
	Published string `json:"published"`
	Link      string `json:"link"`
}

// Task is the processing message published to the work queue. It is
// immutable once enqueued.
type Task struct {
	PaperID       string `json:"paper_id"`
	Title         string `json:"title"`
	Authors       string `json:"authors"`
	Abstract      string `json:"abstract"`
	Published     string `json:"published"`
	Link          string `json:"link"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func NewTask(id string, p Paper, correlationID string) Task {
	return Task{
		PaperID:       id,
		Title:         p.Title,
		Authors:       p.Authors,
		Abstract:      p.Abstract,
		Published:     p.Published,
		Link:          p.Link,
		CorrelationID: correlationID,
	}
}

// EmbeddingText is the text a task is embedded from.
func (t Task) EmbeddingText() string {
	return t.Title + " " + t.Abstract
}

func (t Task) Payload() Payload {
	return Payload{
		PaperID:   t.PaperID,
		Title:     t.Title,
		Authors:   SplitAuthors(t.Authors),
		Abstract:  t.Abstract,
		Published: t.Published,
		Link:      t.Link,
	}
}

// Payload is the metadata stored next to a paper's vector.
type Payload struct {
	PaperID   string   `json:"paper_id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Abstract  string   `json:"abstract"`
	Published string   `json:"published"`
	Link      string   `json:"link"`
}

// SplitAuthors turns the comma-joined author list into names.
func SplitAuthors(s string) []string {
	parts := strings.Split(s, ",")
	authors := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			authors = append(authors, name)
		}
	}
	return authors
}

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// StatusEvent is the terminal outcome of one task delivery.
type StatusEvent struct {
	PaperID       string          `json:"paper_id"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	WorkerID      int             `json:"worker_id"`
	Partition     int             `json:"partition"`
	Task          json.RawMessage `json:"task,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DeadLetter carries a message that could not be attributed to any paper.
type DeadLetter struct {
	Body      string    `json:"body"`
	Error     string    `json:"error"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	WorkerID  int       `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}
