package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RecordStore abstracts the persistence the transcript layer needs. Kept to
// primitive operations so the concrete store package can satisfy it without
// an import cycle.
type RecordStore interface {
	GetTranscript(ctx context.Context, projectID, sessionID string) (*Record, error)
	SaveTranscript(ctx context.Context, rec *Record) error
}

// Manager implements ingest-with-merge and finalization on top of a
// RecordStore.
type Manager struct {
	store RecordStore
	now   func() time.Time
}

func NewManager(store RecordStore) *Manager {
	return &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Ingest merges one fragment into the (projectID, sessionID) record,
// creating the record on first contact. A fragment whose id already exists
// in the record is merged field-wise: incoming non-empty values win, except
// CreatedAt takes the earlier of the two and MessageKey falls back to the
// item id. The full item set is reordered and persisted afterwards.
func (m *Manager) Ingest(ctx context.Context, projectID, sessionID string, item Item) (*Record, error) {
	if item.ID == "" {
		return nil, fmt.Errorf("ingest transcript item: empty id")
	}

	rec, err := m.store.GetTranscript(ctx, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s/%s: %w", projectID, sessionID, err)
	}

	now := m.now()
	if rec == nil {
		rec = &Record{
			ProjectID: projectID,
			SessionID: sessionID,
			CreatedAt: now,
		}
	}

	merged := false
	for i := range rec.Items {
		if rec.Items[i].ID == item.ID {
			rec.Items[i] = mergeItem(rec.Items[i], item)
			merged = true
			break
		}
	}
	if !merged {
		if item.MessageKey == "" {
			item.MessageKey = item.ID
		}
		rec.Items = append(rec.Items, item)
	}

	rec.Items = ReconstructOrder(rec.Items)
	rec.UpdatedAt = now

	if err := m.store.SaveTranscript(ctx, rec); err != nil {
		return nil, fmt.Errorf("save transcript %s/%s: %w", projectID, sessionID, err)
	}

	slog.Debug("transcript: fragment ingested",
		"project_id", projectID,
		"session_id", sessionID,
		"item_id", item.ID,
		"merged", merged,
		"items", len(rec.Items),
	)
	return rec, nil
}

// Finalize re-runs reconstruction and stamps the record closed. When no
// record exists yet an empty finalized record is created, so the call is
// safe to repeat and safe to arrive before any fragment.
func (m *Manager) Finalize(ctx context.Context, projectID, sessionID string) (*Record, error) {
	rec, err := m.store.GetTranscript(ctx, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s/%s: %w", projectID, sessionID, err)
	}

	now := m.now()
	if rec == nil {
		rec = &Record{
			ProjectID: projectID,
			SessionID: sessionID,
			CreatedAt: now,
		}
	}

	rec.Items = ReconstructOrder(rec.Items)
	if rec.FinalizedAt == nil {
		t := now
		rec.FinalizedAt = &t
	}
	rec.UpdatedAt = now

	if err := m.store.SaveTranscript(ctx, rec); err != nil {
		return nil, fmt.Errorf("finalize transcript %s/%s: %w", projectID, sessionID, err)
	}

	slog.Info("transcript: finalized",
		"project_id", projectID,
		"session_id", sessionID,
		"items", len(rec.Items),
	)
	return rec, nil
}

// mergeItem folds an incoming duplicate into the stored item. Incoming
// non-empty fields win; CreatedAt keeps the earlier timestamp; MessageKey
// falls back to the item id when both sides are empty.
func mergeItem(existing, incoming Item) Item {
	out := existing

	if incoming.PreviousItemID != "" {
		out.PreviousItemID = incoming.PreviousItemID
	}
	if incoming.Role != "" {
		out.Role = incoming.Role
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.MessageID != "" {
		out.MessageID = incoming.MessageID
	}
	if incoming.MessageKey != "" {
		out.MessageKey = incoming.MessageKey
	}
	if incoming.Text != "" {
		out.Text = incoming.Text
	}
	if len(incoming.Payload) > 0 {
		out.Payload = incoming.Payload
	}

	if !incoming.CreatedAt.IsZero() && (out.CreatedAt.IsZero() || incoming.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = incoming.CreatedAt
	}
	if out.MessageKey == "" {
		out.MessageKey = out.ID
	}

	return out
}
