package docmerge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quillworks/scribe/internal/draft"
)

// Outline operation kinds.
const (
	OpAdd     = "add"
	OpRename  = "rename"
	OpReorder = "reorder"
	OpRemove  = "remove"
)

// OutlineOp is one structural change, addressed by heading. All operations
// are idempotent; operations on a missing heading log and skip.
type OutlineOp struct {
	Op         string `json:"op"`
	Heading    string `json:"heading"`
	NewHeading string `json:"new_heading,omitempty"`
	Position   *int   `json:"position,omitempty"`
	Status     string `json:"status,omitempty"`
}

// ManageOutline applies structural operations, reindexes orders to a
// contiguous 0..n-1, and rebuilds the document Markdown from the section
// set. This is the only path that renames or reorders sections.
func (e *Engine) ManageOutline(ctx context.Context, projectID string, ops []OutlineOp) error {
	doc, err := e.store.GetDocument(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", projectID, err)
	}
	if doc == nil {
		doc = &draft.Document{ProjectID: projectID, Status: draft.DocDrafting}
	}

	sections, err := e.store.ListSections(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load sections %s: %w", projectID, err)
	}

	for _, op := range ops {
		switch op.Op {
		case OpAdd:
			sections = e.opAdd(ctx, projectID, sections, op)
		case OpRename:
			sections = e.opRename(ctx, projectID, sections, op)
		case OpReorder:
			sections = e.opReorder(ctx, projectID, sections, op)
		case OpRemove:
			sections = e.opRemove(ctx, projectID, sections, op)
		default:
			slog.Warn("outline: unknown operation skipped",
				"project_id", projectID, "op", op.Op, "heading", op.Heading)
		}
	}

	// Persist the final contiguous order.
	for i := range sections {
		if sections[i].Order != i {
			sections[i].Order = i
		}
		if err := e.store.UpdateSection(ctx, sections[i].ID, map[string]any{"ord": i}); err != nil {
			return fmt.Errorf("reindex section %q: %w", sections[i].Heading, err)
		}
	}

	texts := make([]sectionText, len(sections))
	for i, sec := range sections {
		texts[i] = sectionText{Heading: sec.Heading, Content: sec.Content}
	}
	doc.LatestDraftMarkdown = buildMarkdown(texts)
	if err := e.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert document %s: %w", projectID, err)
	}

	slog.Info("outline updated", "project_id", projectID, "operations", len(ops), "sections", len(sections))
	return nil
}

func (e *Engine) opAdd(ctx context.Context, projectID string, sections []draft.Section, op OutlineOp) []draft.Section {
	if existing := findSection(sections, op.Heading); existing != nil {
		// Idempotent add: only adjust status and position.
		if op.Status != "" {
			status := normalizeSectionStatus(op.Status)
			existing.Status = status
			if err := e.store.UpdateSection(ctx, existing.ID, map[string]any{"status": status}); err != nil {
				slog.Error("outline: status update failed", "heading", op.Heading, "error", err)
			}
		}
		if op.Position != nil {
			return moveSection(sections, existing.ID, *op.Position)
		}
		return sections
	}

	sec := draft.Section{
		ID:         uuid.New().String(),
		DocumentID: projectID,
		Heading:    op.Heading,
		Status:     normalizeSectionStatus(op.Status),
		Version:    1,
		Order:      len(sections),
	}
	if err := e.store.InsertSection(ctx, &sec); err != nil {
		slog.Error("outline: insert failed", "heading", op.Heading, "error", err)
		return sections
	}
	sections = append(sections, sec)
	if op.Position != nil {
		sections = moveSection(sections, sec.ID, *op.Position)
	}
	return sections
}

func (e *Engine) opRename(ctx context.Context, projectID string, sections []draft.Section, op OutlineOp) []draft.Section {
	target := findSection(sections, op.Heading)
	if target == nil {
		slog.Warn("outline: rename target missing, skipped",
			"project_id", projectID, "heading", op.Heading)
		return sections
	}
	if op.NewHeading == "" {
		slog.Warn("outline: rename without new heading, skipped",
			"project_id", projectID, "heading", op.Heading)
		return sections
	}
	if other := findSection(sections, op.NewHeading); other != nil && other.ID != target.ID {
		slog.Warn("outline: rename collides with existing heading, skipped",
			"project_id", projectID, "heading", op.Heading, "new_heading", op.NewHeading)
		return sections
	}
	target.Heading = op.NewHeading
	if err := e.store.UpdateSection(ctx, target.ID, map[string]any{"heading": op.NewHeading}); err != nil {
		slog.Error("outline: rename failed", "heading", op.Heading, "error", err)
	}
	return sections
}

func (e *Engine) opReorder(ctx context.Context, projectID string, sections []draft.Section, op OutlineOp) []draft.Section {
	target := findSection(sections, op.Heading)
	if target == nil || op.Position == nil {
		slog.Warn("outline: reorder target missing, skipped",
			"project_id", projectID, "heading", op.Heading)
		return sections
	}
	return moveSection(sections, target.ID, *op.Position)
}

func (e *Engine) opRemove(ctx context.Context, projectID string, sections []draft.Section, op OutlineOp) []draft.Section {
	target := findSection(sections, op.Heading)
	if target == nil {
		slog.Warn("outline: remove target missing, skipped",
			"project_id", projectID, "heading", op.Heading)
		return sections
	}
	if err := e.store.DeleteSection(ctx, target.ID); err != nil {
		slog.Error("outline: delete failed", "heading", op.Heading, "error", err)
		return sections
	}
	out := sections[:0]
	for _, sec := range sections {
		if sec.ID != target.ID {
			out = append(out, sec)
		}
	}
	return out
}

// moveSection relocates a section to the clamped position, preserving the
// relative order of everything else.
func moveSection(sections []draft.Section, id string, position int) []draft.Section {
	idx := -1
	for i := range sections {
		if sections[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return sections
	}

	sec := sections[idx]
	rest := append(append([]draft.Section{}, sections[:idx]...), sections[idx+1:]...)

	if position < 0 {
		position = 0
	}
	if position > len(rest) {
		position = len(rest)
	}

	out := append([]draft.Section{}, rest[:position]...)
	out = append(out, sec)
	out = append(out, rest[position:]...)
	return out
}
