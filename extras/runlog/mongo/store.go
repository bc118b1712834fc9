// Package mongo implements an optional durable archive of daemon output and
// status events, keyed by daemon_id. It exists outside the core daemon
// package because replay/durability is explicitly out of core's scope (spec
// §1 Non-goals) — this is the "separate store added outside this core" the
// design note anticipates. cmd/codemoded wires it in only when configured.
//
// Grounded on goadesign-goa-ai's features/runlog/mongo/{store.go,
// clients/mongo/client.go}, adapted to the v2 driver and to daemon events
// instead of agent run events.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/codemode/daemon/daemon"
)

const (
	defaultCollection = "daemon_events"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo-backed runlog store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store archives EmitOutput/EmitStatus calls as documents, and implements
// daemon.EventSink so a Supervisor can be pointed at it directly (optionally
// composed with another sink via a fan-out wrapper).
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// eventDocument is the on-disk shape of one archived event.
type eventDocument struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	DaemonID  string        `bson:"daemon_id"`
	UserID    string        `bson:"user_id"`
	ChatID    string        `bson:"chat_id"`
	Kind      string        `bson:"kind"` // "output" or "status"
	Stream    string        `bson:"stream,omitempty"`
	Status    string        `bson:"status,omitempty"`
	Reason    string        `bson:"reason,omitempty"`
	Content   string        `bson:"content"`
	Timestamp time.Time     `bson:"timestamp"`
}

// NewStore builds a Store, creating the daemon_id index if it is missing.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "daemon_id", Value: 1}, {Key: "_id", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("create daemon_id index: %w", err)
	}

	return &Store{coll: coll, timeout: timeout}, nil
}

// EmitOutput implements daemon.EventSink by archiving the stream chunk.
func (s *Store) EmitOutput(ctx context.Context, daemonID string, info daemon.Info, stream, content string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, _ = s.coll.InsertOne(ctx, eventDocument{
		DaemonID:  daemonID,
		UserID:    info.UserID,
		ChatID:    info.ChatID,
		Kind:      "output",
		Stream:    stream,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// EmitStatus implements daemon.EventSink by archiving the status change.
func (s *Store) EmitStatus(ctx context.Context, daemonID string, info daemon.Info, status daemon.Status, reason string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, _ = s.coll.InsertOne(ctx, eventDocument{
		DaemonID:  daemonID,
		UserID:    info.UserID,
		ChatID:    info.ChatID,
		Kind:      "status",
		Status:    string(status),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// Event is the replay-facing view of one archived record.
type Event struct {
	DaemonID  string
	Kind      string
	Stream    string
	Status    string
	Reason    string
	Content   string
	Timestamp time.Time
}

// List returns every archived event for daemonID in insertion order. There
// is no pagination here — core's Non-goals exclude cross-daemon ordering
// guarantees but a single daemon's own history is expected to be small.
func (s *Store) List(ctx context.Context, daemonID string) ([]Event, error) {
	if daemonID == "" {
		return nil, errors.New("daemon id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"daemon_id": daemonID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, Event{
			DaemonID:  doc.DaemonID,
			Kind:      doc.Kind,
			Stream:    doc.Stream,
			Status:    doc.Status,
			Reason:    doc.Reason,
			Content:   doc.Content,
			Timestamp: doc.Timestamp,
		})
	}
	return events, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
