package nsq_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperscope/internal/adapter/nsq"
)

type recorder struct {
	mu       sync.Mutex
	requests []string
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.requests = append(r.requests, req.Method+" "+req.URL.Path+"?"+req.URL.RawQuery)
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestAdmin_CreateTopic(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	a := nsq.NewAdmin(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, a.CreateTopic(context.Background(), "paper_processing", 3))

	assert.Equal(t, []string{
		"POST /topic/create?topic=paper_processing.p00",
		"POST /topic/create?topic=paper_processing.p01",
		"POST /topic/create?topic=paper_processing.p02",
	}, rec.requests)
}

func TestAdmin_CreateChannel(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	a := nsq.NewAdmin(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, a.CreateChannel(context.Background(), "paper_status", 1, "backend"))

	require.Len(t, rec.requests, 1)
	assert.Contains(t, rec.requests[0], "POST /channel/create?")
	assert.Contains(t, rec.requests[0], "channel=backend")
	assert.Contains(t, rec.requests[0], "topic=paper_status.p00")
}

func TestAdmin_Errors(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer srv.Close()

	a := nsq.NewAdmin(strings.TrimPrefix(srv.URL, "http://"))
	err := a.CreateTopic(context.Background(), "paper_processing", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	// Stops at the first failure.
	assert.Len(t, rec.requests, 1)

	assert.Error(t, a.Ping(context.Background()))
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "paper_processing.p00", nsq.TopicName("paper_processing", 0))
	assert.Equal(t, "paper_processing.p29", nsq.TopicName("paper_processing", 29))
}
