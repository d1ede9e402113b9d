// Package nsq runs the partitioned work queue on nsqd. Every partition is
// its own nsq topic and a consumer group is an nsq channel, so finishing a
// message is the commit and an unfinished message is redelivered.
package nsq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gonsq "github.com/nsqio/go-nsq"
)

// TopicName returns the nsq topic carrying one partition of topic.
func TopicName(topic string, partition int) string {
	return fmt.Sprintf("%s.p%02d", topic, partition)
}

// slogLogger forwards go-nsq log lines to slog, keeping their severity.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Output(_ int, line string) error {
	level := slog.LevelInfo
	switch {
	case strings.HasPrefix(line, "DBG"):
		level = slog.LevelDebug
	case strings.HasPrefix(line, "WRN"):
		level = slog.LevelWarn
	case strings.HasPrefix(line, "ERR"):
		level = slog.LevelError
	}
	if len(line) > 4 {
		line = strings.TrimSpace(line[4:])
	}
	s.l.Log(context.Background(), level, line, "component", "nsq")
	return nil
}

func logLevel(l *slog.Logger) gonsq.LogLevel {
	ctx := context.Background()
	switch {
	case l.Enabled(ctx, slog.LevelDebug):
		return gonsq.LogLevelDebug
	case l.Enabled(ctx, slog.LevelInfo):
		return gonsq.LogLevelInfo
	case l.Enabled(ctx, slog.LevelWarn):
		return gonsq.LogLevelWarning
	default:
		return gonsq.LogLevelError
	}
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
