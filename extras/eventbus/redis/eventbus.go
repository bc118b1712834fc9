// Package redis implements an optional distributed daemon.EventSink that
// publishes daemon:output and daemon:status envelopes to a Redis stream, so
// a multi-process deployment (several daemon-hosting processes behind a
// load balancer) can fan events out to whichever process holds the caller's
// live connection. The in-process sink remains the default; this is purely
// additive.
//
// Grounded on goadesign-goa-ai's registry/service.go, which holds a bare
// *redis.Client and uses it directly (here via XAdd rather than Expire).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codemode/daemon/daemon"
)

// DefaultStream is the Redis stream name events are published to when
// Options.Stream is empty.
const DefaultStream = "codemode:daemon-events"

// Options configures the Redis-backed event sink.
type Options struct {
	Client *redis.Client
	Stream string
}

// Sink implements daemon.EventSink by publishing to a Redis stream.
type Sink struct {
	rdb    *redis.Client
	stream string
}

// NewSink builds a Sink. Publish failures are swallowed (logged by the
// caller's own telemetry wrapper if desired) rather than surfaced, since a
// dropped event-bus publish must never fail or block the daemon run itself.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Sink{rdb: opts.Client, stream: stream}, nil
}

type envelope struct {
	Kind      string `json:"kind"` // "output" or "status"
	DaemonID  string `json:"daemon_id"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Stream    string `json:"stream,omitempty"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EmitOutput implements daemon.EventSink.
func (s *Sink) EmitOutput(ctx context.Context, daemonID string, info daemon.Info, stream, content string) {
	s.publish(ctx, envelope{
		Kind:      "output",
		DaemonID:  daemonID,
		UserID:    info.UserID,
		ChatID:    info.ChatID,
		Stream:    stream,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// EmitStatus implements daemon.EventSink.
func (s *Sink) EmitStatus(ctx context.Context, daemonID string, info daemon.Info, status daemon.Status, reason string) {
	s.publish(ctx, envelope{
		Kind:      "status",
		DaemonID:  daemonID,
		UserID:    info.UserID,
		ChatID:    info.ChatID,
		Status:    string(status),
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Sink) publish(ctx context.Context, e envelope) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"event": string(payload)},
	})
}

// Subscribe reads new entries from the stream after lastID (use "$" to
// start from the tail), blocking up to block for the next batch. Intended
// for a companion process that wants to observe another process's daemon
// events.
func Subscribe(ctx context.Context, rdb *redis.Client, streamName string, lastID string, block time.Duration) ([]redis.XMessage, string, error) {
	if streamName == "" {
		streamName = DefaultStream
	}
	res, err := rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamName, lastID},
		Block:   block,
		Count:   100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("xread %q: %w", streamName, err)
	}
	if len(res) == 0 {
		return nil, lastID, nil
	}
	msgs := res[0].Messages
	next := lastID
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	return msgs, next, nil
}
