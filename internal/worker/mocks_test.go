package worker_test

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/stretchr/testify/mock"

	"paperscope/features/job"
	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) EnsureCollection(ctx context.Context, name string, dim int, distance vector.Distance) error {
	return m.Called(ctx, name, dim, distance).Error(0)
}

func (m *MockVectorStore) Upsert(ctx context.Context, collection string, points ...vector.Point) error {
	return m.Called(ctx, collection, points).Error(0)
}

type MockStatusRecorder struct{ mock.Mock }

func (m *MockStatusRecorder) Record(ctx context.Context, ev paper.StatusEvent) error {
	return m.Called(ctx, ev).Error(0)
}

type MockJobStore struct{ mock.Mock }

func (m *MockJobStore) Save(ctx context.Context, j *job.Job) error {
	return m.Called(ctx, j).Error(0)
}

func (m *MockJobStore) DeleteByPaper(ctx context.Context, paperID string) (bool, error) {
	args := m.Called(ctx, paperID)
	return args.Bool(0), args.Error(1)
}

// recordingReporter keeps every event in memory.
type recordingReporter struct {
	mu          sync.Mutex
	events      []paper.StatusEvent
	deadLetters []paper.DeadLetter
}

func (r *recordingReporter) Report(_ context.Context, ev paper.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingReporter) DeadLetter(_ context.Context, dl paper.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters = append(r.deadLetters, dl)
	return nil
}

func (r *recordingReporter) Flush(context.Context) error { return nil }

func (r *recordingReporter) Events() []paper.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]paper.StatusEvent(nil), r.events...)
}

func (r *recordingReporter) DeadLetters() []paper.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]paper.DeadLetter(nil), r.deadLetters...)
}

// flakyReporter rejects the first failures dead letters.
type flakyReporter struct {
	recordingReporter
	failures int
	attempts int
}

func (r *flakyReporter) DeadLetter(ctx context.Context, dl paper.DeadLetter) error {
	r.mu.Lock()
	r.attempts++
	fail := r.attempts <= r.failures
	r.mu.Unlock()
	if fail {
		return errors.New("nsqd unavailable")
	}
	return r.recordingReporter.DeadLetter(ctx, dl)
}

func (r *flakyReporter) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// embedFunc adapts a function to the Embedder interface.
type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// bagOfWords hashes lowercase tokens into dim buckets and normalises the
// result, so texts sharing words land close together.
func bagOfWords(dim int) embedFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			return vec, nil
		}
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
		return vec, nil
	}
}
