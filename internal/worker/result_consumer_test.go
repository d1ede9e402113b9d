package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paperscope/features/job"
	"paperscope/internal/paper"
	"paperscope/internal/queue"
	"paperscope/internal/queue/memqueue"
	"paperscope/internal/worker"
)

const (
	statusTopic     = "paper_status"
	deadLetterTopic = "paper_dead_letter"
)

func statusMessage(t *testing.T, ev paper.StatusEvent) *queue.Message {
	t.Helper()
	body, err := paper.EncodeStatus(ev)
	require.NoError(t, err)
	return &queue.Message{Topic: statusTopic, Value: body}
}

func TestResultConsumer_HandleMessage_Completed(t *testing.T) {
	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

	ev := paper.StatusEvent{PaperID: paperID, Status: paper.StatusCompleted, WorkerID: 1, Timestamp: time.Now().UTC()}
	s.On("Record", mock.Anything, mock.MatchedBy(func(got paper.StatusEvent) bool {
		return got.PaperID == paperID && got.Status == paper.StatusCompleted
	})).Return(nil)
	j.On("DeleteByPaper", mock.Anything, paperID).Return(true, nil)

	require.NoError(t, c.HandleMessage(context.Background(), statusMessage(t, ev)))
	s.AssertExpectations(t)
	j.AssertExpectations(t)
	j.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestResultConsumer_HandleMessage_ProcessingKeepsJob(t *testing.T) {
	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

	s.On("Record", mock.Anything, mock.Anything).Return(nil)

	ev := paper.StatusEvent{PaperID: paperID, Status: paper.StatusProcessing}
	require.NoError(t, c.HandleMessage(context.Background(), statusMessage(t, ev)))
	j.AssertNotCalled(t, "DeleteByPaper", mock.Anything, mock.Anything)
}

func TestResultConsumer_HandleMessage_ClearFailure(t *testing.T) {
	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

	s.On("Record", mock.Anything, mock.Anything).Return(nil)
	j.On("DeleteByPaper", mock.Anything, paperID).Return(false, errors.New("db down"))

	ev := paper.StatusEvent{PaperID: paperID, Status: paper.StatusCompleted}
	assert.Error(t, c.HandleMessage(context.Background(), statusMessage(t, ev)))
}

func TestResultConsumer_HandleMessage_ErrorSavesJob(t *testing.T) {
	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

	task, _ := paper.EncodeTask(gnnTask())
	ev := paper.StatusEvent{
		PaperID: paperID,
		Status:  paper.StatusError,
		Error:   "embed: quota exceeded",
		Task:    json.RawMessage(task),
	}

	s.On("Record", mock.Anything, mock.Anything).Return(nil)
	j.On("Save", mock.Anything, mock.MatchedBy(func(got *job.Job) bool {
		return got.PaperID == paperID &&
			got.Handler == job.HandlerPaperWorker &&
			got.Error == "embed: quota exceeded" &&
			string(got.Payload) == string(task)
	})).Return(nil)

	require.NoError(t, c.HandleMessage(context.Background(), statusMessage(t, ev)))
	s.AssertExpectations(t)
	j.AssertExpectations(t)
}

func TestResultConsumer_HandleMessage_DeadLetter(t *testing.T) {
	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

	body, _ := paper.EncodeDeadLetter(paper.DeadLetter{Body: "garbage", Error: "decode task: invalid character", Topic: topic, Offset: 3})
	j.On("Save", mock.Anything, mock.MatchedBy(func(got *job.Job) bool {
		return got.PaperID == "" &&
			got.Handler == job.HandlerDeadLetter &&
			string(got.Payload) == string(body)
	})).Return(nil)

	err := c.HandleMessage(context.Background(), &queue.Message{Topic: deadLetterTopic, Value: body})
	require.NoError(t, err)
	j.AssertExpectations(t)
	s.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestResultConsumer_HandleMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		msg  *queue.Message
	}{
		{"Empty", &queue.Message{Topic: statusTopic}},
		{"NotJSON", &queue.Message{Topic: statusTopic, Value: []byte("{")}},
		{"ProcessingStatus", &queue.Message{Topic: statusTopic, Value: []byte(`{"paper_id":"p","status":"processing"}`)}},
		{"MissingID", &queue.Message{Topic: statusTopic, Value: []byte(`{"status":"completed"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := new(MockStatusRecorder)
			j := new(MockJobStore)
			c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

			assert.NoError(t, c.HandleMessage(context.Background(), tt.msg))
			s.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
			j.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		})
	}
}

func TestResultConsumer_HandleMessage_RecordFailure(t *testing.T) {
	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	c := worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic)

	s.On("Record", mock.Anything, mock.Anything).Return(errors.New("db down"))

	ev := paper.StatusEvent{PaperID: paperID, Status: paper.StatusError, Task: json.RawMessage(`{}`)}
	assert.Error(t, c.HandleMessage(context.Background(), statusMessage(t, ev)))
	j.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestResultConsumer_Run(t *testing.T) {
	b := memqueue.NewBroker()
	require.NoError(t, b.CreateTopic(context.Background(), statusTopic, 1))
	require.NoError(t, b.CreateTopic(context.Background(), deadLetterTopic, 1))

	r := worker.NewQueueReporter(b, statusTopic, deadLetterTopic)
	require.NoError(t, r.Report(context.Background(), paper.StatusEvent{PaperID: paperID, Status: paper.StatusCompleted}))
	require.NoError(t, r.DeadLetter(context.Background(), paper.DeadLetter{Body: "x", Error: "bad"}))
	require.NoError(t, r.Flush(context.Background()))

	s := new(MockStatusRecorder)
	j := new(MockJobStore)
	s.On("Record", mock.Anything, mock.Anything).Return(nil).Once()
	j.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	j.On("DeleteByPaper", mock.Anything, paperID).Return(false, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- worker.NewResultConsumer(s, j, statusTopic, deadLetterTopic).
			Run(ctx, b.NewConsumer("status-recorder", "r-0"), 20*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		return b.Committed("status-recorder", queue.TopicPartition{Topic: statusTopic}) == 1 &&
			b.Committed("status-recorder", queue.TopicPartition{Topic: deadLetterTopic}) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	s.AssertExpectations(t)
	j.AssertExpectations(t)
}
