// Package ingest subscribes to the NATS subjects that feed the drafting
// pipeline: transcript item deltas, finalize signals, and draft requests.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/quillworks/scribe/internal/queue"
	"github.com/quillworks/scribe/internal/transcript"
)

// Subjects the ingester consumes.
const (
	SubjectTranscriptItem  = "scribe.transcript.item"
	SubjectTranscriptFinal = "scribe.transcript.final"
	SubjectDraftRequest    = "scribe.draft.request"
)

// streamSubjects maps JetStream stream names to the subjects scribe
// subscribes to.
var streamSubjects = map[string][]string{
	"SCRIBE_TRANSCRIPT": {"scribe.transcript.>"},
	"SCRIBE_DRAFT":      {"scribe.draft.request"},
}

// itemEnvelope carries one transcript delta.
type itemEnvelope struct {
	ProjectID string          `json:"project_id"`
	SessionID string          `json:"session_id"`
	Item      transcript.Item `json:"item"`
}

// finalizeEnvelope marks a session's transcript immutable.
type finalizeEnvelope struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
}

type Ingester struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	transcripts *transcript.Manager
	queue       *queue.Queue
	subs        []jetstream.ConsumeContext
}

func New(natsURL string, tm *transcript.Manager, q *queue.Queue) (*Ingester, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Ingester{
		nc:          nc,
		js:          js,
		transcripts: tm,
		queue:       q,
	}, nil
}

// Start binds to durable consumers on each stream and begins consuming.
func (ing *Ingester) Start() error {
	ctx := context.Background()

	for stream, subjects := range streamSubjects {
		if err := ing.ensureStream(ctx, stream, subjects); err != nil {
			slog.Warn("stream not available, skipping", "stream", stream, "error", err)
			continue
		}

		consumerName := fmt.Sprintf("scribe-%s", stream)
		if err := ing.subscribe(ctx, stream, consumerName); err != nil {
			return fmt.Errorf("subscribe to %s: %w", stream, err)
		}

		slog.Info("subscribed to stream", "stream", stream, "consumer", consumerName)
	}

	return nil
}

func (ing *Ingester) ensureStream(ctx context.Context, name string, subjects []string) error {
	// Try to get existing stream first.
	_, err := ing.js.Stream(ctx, name)
	if err == nil {
		return nil
	}

	// Create stream if it doesn't exist.
	_, err = ing.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}

	slog.Info("created stream", "name", name, "subjects", subjects)
	return nil
}

func (ing *Ingester) subscribe(ctx context.Context, stream, consumerName string) error {
	consumer, err := ing.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ing.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	ing.subs = append(ing.subs, cc)
	return nil
}

func (ing *Ingester) handleMessage(msg jetstream.Msg) {
	ctx := context.Background()

	var err error
	switch msg.Subject() {
	case SubjectTranscriptItem:
		err = ing.handleItem(ctx, msg.Data())
	case SubjectTranscriptFinal:
		err = ing.handleFinalize(ctx, msg.Data())
	case SubjectDraftRequest:
		err = ing.handleDraftRequest(ctx, msg.Data())
	default:
		slog.Warn("unexpected subject, skipping", "subject", msg.Subject())
		_ = msg.Ack()
		return
	}

	if err != nil {
		slog.Warn("failed to handle message",
			"subject", msg.Subject(),
			"error", err,
		)
		// NAK retryable failures so the durable consumer redelivers,
		// up to MaxDeliver.
		_ = msg.Nak()
		return
	}

	if err := msg.Ack(); err != nil {
		slog.Warn("failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

func (ing *Ingester) handleItem(ctx context.Context, data []byte) error {
	var env itemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Permanently broken payloads are logged and dropped, not NAKed.
		slog.Warn("malformed transcript item, skipping", "error", err)
		return nil
	}
	if env.ProjectID == "" || env.SessionID == "" {
		slog.Warn("transcript item missing identity, skipping",
			"project_id", env.ProjectID,
			"session_id", env.SessionID,
		)
		return nil
	}
	_, err := ing.transcripts.Ingest(ctx, env.ProjectID, env.SessionID, env.Item)
	return err
}

func (ing *Ingester) handleFinalize(ctx context.Context, data []byte) error {
	var env finalizeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("malformed finalize signal, skipping", "error", err)
		return nil
	}
	if env.ProjectID == "" || env.SessionID == "" {
		slog.Warn("finalize signal missing identity, skipping",
			"project_id", env.ProjectID,
			"session_id", env.SessionID,
		)
		return nil
	}
	_, err := ing.transcripts.Finalize(ctx, env.ProjectID, env.SessionID)
	return err
}

func (ing *Ingester) handleDraftRequest(ctx context.Context, data []byte) error {
	var req queue.EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("malformed draft request, skipping", "error", err)
		return nil
	}
	job, err := ing.queue.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	slog.Info("draft request accepted",
		"job_id", job.ID,
		"project_id", job.ProjectID,
	)
	return nil
}

// Publish sends a message to NATS (used by the notify publisher).
func (ing *Ingester) Publish(subject string, data []byte) error {
	return ing.nc.Publish(subject, data)
}

// NATSConn returns the underlying NATS connection.
func (ing *Ingester) NATSConn() *nats.Conn {
	return ing.nc
}

// Close drains subscriptions and closes the NATS connection.
func (ing *Ingester) Close() {
	for _, cc := range ing.subs {
		cc.Stop()
	}
	ing.nc.Drain()
}
