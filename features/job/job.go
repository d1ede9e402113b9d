package job

import (
	"encoding/json"
	"time"
)

// Handler names recorded on failed jobs.
const (
	HandlerPaperWorker = "paper-worker"
	HandlerDeadLetter  = "dead-letter"
)

// MaxListLimit caps a single page of failed jobs.
const MaxListLimit = 500

// Job is a failed paper task kept for inspection and replay. Payload holds
// the original task, or the dead letter envelope for messages that never
// decoded.
type Job struct {
	ID        string          `json:"id"`
	PaperID   string          `json:"paper_id,omitempty"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter narrows a listing. Zero values match everything; Limit 0 means
// MaxListLimit.
type Filter struct {
	Handler string
	PaperID string
	Limit   int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}
