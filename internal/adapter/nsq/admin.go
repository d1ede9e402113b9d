package nsq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Admin creates partition topics and channels through the nsqd HTTP API.
// Creating them up front lets consumers find a topic before anything has
// been published to it.
type Admin struct {
	baseURL string
	client  *http.Client
}

func NewAdmin(httpAddr string) *Admin {
	return &Admin{
		baseURL: "http://" + httpAddr,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateTopic creates one nsq topic per partition. It is idempotent.
func (a *Admin) CreateTopic(ctx context.Context, topic string, partitions int) error {
	for p := 0; p < partitions; p++ {
		q := url.Values{"topic": {TopicName(topic, p)}}
		if err := a.post(ctx, "/topic/create", q); err != nil {
			return err
		}
	}
	return nil
}

// CreateChannel registers a consumer group on every partition of topic, so
// messages published before the group first connects are kept for it.
func (a *Admin) CreateChannel(ctx context.Context, topic string, partitions int, channel string) error {
	for p := 0; p < partitions; p++ {
		q := url.Values{"topic": {TopicName(topic, p)}, "channel": {channel}}
		if err := a.post(ctx, "/channel/create", q); err != nil {
			return err
		}
	}
	return nil
}

func (a *Admin) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	return a.do(req)
}

func (a *Admin) post(ctx context.Context, path string, q url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return a.do(req)
}

func (a *Admin) do(req *http.Request) error {
	resp, err := a.client.Do(req) // #nosec G107 -- URL is built from nsqd config, not user input
	if err != nil {
		return fmt.Errorf("nsqd %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("nsqd %s: status %d: %s", req.URL.Path, resp.StatusCode, body)
	}
	return nil
}
