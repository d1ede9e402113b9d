package paper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidID    = errors.New("invalid paper id")
)

// DecodeError reports a task that failed validation. PaperID is set when the
// id could be recovered from the raw message.
type DecodeError struct {
	PaperID string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.PaperID != "" {
		return fmt.Sprintf("decode task %s: %v", e.PaperID, e.Err)
	}
	return fmt.Sprintf("decode task: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses and validates a queued task.
func DecodeTask(body []byte) (Task, error) {
	if len(body) == 0 {
		return Task{}, &DecodeError{Err: ErrEmptyMessage}
	}

	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, &DecodeError{PaperID: recoverID(body), Err: err}
	}

	if strings.TrimSpace(t.PaperID) == "" {
		return Task{}, &DecodeError{Err: fmt.Errorf("%w: paper_id", ErrMissingField)}
	}
	if _, err := uuid.Parse(t.PaperID); err != nil {
		return Task{}, &DecodeError{PaperID: t.PaperID, Err: fmt.Errorf("%w: %v", ErrInvalidID, err)}
	}
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, &DecodeError{PaperID: t.PaperID, Err: fmt.Errorf("%w: title", ErrMissingField)}
	}
	if strings.TrimSpace(t.Abstract) == "" {
		return Task{}, &DecodeError{PaperID: t.PaperID, Err: fmt.Errorf("%w: abstract", ErrMissingField)}
	}
	return t, nil
}

// recoverID pulls paper_id out of a message whose other fields are malformed.
func recoverID(body []byte) string {
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(body, &loose); err != nil {
		return ""
	}
	raw, ok := loose["paper_id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

func EncodeStatus(ev StatusEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func DecodeStatus(body []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return StatusEvent{}, err
	}
	if ev.PaperID == "" {
		return StatusEvent{}, fmt.Errorf("%w: paper_id", ErrMissingField)
	}
	switch ev.Status {
	case StatusCompleted, StatusError:
	default:
		return StatusEvent{}, fmt.Errorf("unknown status %q", ev.Status)
	}
	return ev, nil
}

func EncodeDeadLetter(dl DeadLetter) ([]byte, error) {
	return json.Marshal(dl)
}

func DecodeDeadLetter(body []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		return DeadLetter{}, err
	}
	return dl, nil
}
