// Package docmerge applies model output to the persisted document, either
// as a full reconciliation or as a surgical single-section patch, and owns
// the outline operations that change document structure.
package docmerge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/store"
)

// SectionInput is one section in an incoming full-document edit.
type SectionInput struct {
	Heading string
	Content string
	Status  string
	Order   *int
}

type Engine struct {
	store store.DataStore
}

func NewEngine(s store.DataStore) *Engine {
	return &Engine{store: s}
}

// GetWorkspace loads a project's document and ordered sections.
func (e *Engine) GetWorkspace(ctx context.Context, projectID string) (*draft.Workspace, error) {
	doc, err := e.store.GetDocument(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sections, err := e.store.ListSections(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &draft.Workspace{Document: doc, Sections: sections}, nil
}

// ApplyFullEdits reconciles the whole document against the incoming
// section set: matches by case-insensitive heading are patched, new
// headings inserted, existing headings absent from the input deleted.
// Document status derives from the incoming statuses.
func (e *Engine) ApplyFullEdits(ctx context.Context, projectID, markdown string, sections []SectionInput, summary string) error {
	doc, err := e.store.GetDocument(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", projectID, err)
	}
	if doc == nil {
		doc = &draft.Document{ProjectID: projectID, Status: draft.DocDrafting}
	}

	existing, err := e.store.ListSections(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load sections %s: %w", projectID, err)
	}

	byHeading := make(map[string]*draft.Section, len(existing))
	for i := range existing {
		key := headingKey(existing[i].Heading)
		if _, dup := byHeading[key]; dup {
			// Two sections sharing a case-insensitive heading: first in
			// order wins, the duplicate is reconciled away below.
			slog.Warn("duplicate section heading, first match wins",
				"project_id", projectID, "heading", existing[i].Heading)
			continue
		}
		byHeading[key] = &existing[i]
	}

	incoming := make(map[string]bool, len(sections))
	for idx, in := range sections {
		key := headingKey(in.Heading)
		if key == "" || incoming[key] {
			continue
		}
		incoming[key] = true

		ord := idx
		if in.Order != nil {
			ord = *in.Order
		}
		status := normalizeSectionStatus(in.Status)

		if cur, ok := byHeading[key]; ok {
			err = e.store.UpdateSection(ctx, cur.ID, map[string]any{
				"content": in.Content,
				"ord":     ord,
				"status":  status,
				"version": cur.Version + 1,
			})
			if err != nil {
				return fmt.Errorf("patch section %q: %w", in.Heading, err)
			}
		} else {
			err = e.store.InsertSection(ctx, &draft.Section{
				ID:         uuid.New().String(),
				DocumentID: projectID,
				Heading:    in.Heading,
				Content:    in.Content,
				Order:      ord,
				Status:     status,
				Version:    1,
			})
			if err != nil {
				return fmt.Errorf("insert section %q: %w", in.Heading, err)
			}
		}
	}

	// Full reconciliation: anything the model no longer returns is gone.
	for i := range existing {
		if !incoming[headingKey(existing[i].Heading)] {
			if err := e.store.DeleteSection(ctx, existing[i].ID); err != nil {
				return fmt.Errorf("delete section %q: %w", existing[i].Heading, err)
			}
		}
	}

	if err := e.reindexSections(ctx, projectID); err != nil {
		return err
	}

	doc.LatestDraftMarkdown = markdown
	doc.Status = deriveDocumentStatus(sections)
	if summary != "" {
		doc.Summary = summary
	}
	if err := e.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert document %s: %w", projectID, err)
	}

	slog.Info("document merged",
		"project_id", projectID,
		"mode", "full",
		"sections", len(sections),
		"status", doc.Status,
	)
	return nil
}

// ApplySectionEdit replaces exactly one section's content, leaving every
// other section byte-for-byte untouched in the raw Markdown. Both the
// document and the target section must already exist.
func (e *Engine) ApplySectionEdit(ctx context.Context, projectID, sectionHeading, sectionMarkdown, status, summary string) error {
	doc, err := e.store.GetDocument(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", projectID, err)
	}
	if doc == nil {
		return fmt.Errorf("section edit %q: no document exists for project %s", sectionHeading, projectID)
	}

	sections, err := e.store.ListSections(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load sections %s: %w", projectID, err)
	}
	target := findSection(sections, sectionHeading)
	if target == nil {
		return fmt.Errorf("section edit: no section with heading %q in project %s", sectionHeading, projectID)
	}

	replacement := strings.TrimSpace(sectionMarkdown)
	doc.LatestDraftMarkdown = replaceSectionBody(doc.LatestDraftMarkdown, sectionHeading, replacement)

	updates := map[string]any{
		"content": replacement,
		"version": target.Version + 1,
	}
	if status != "" {
		updates["status"] = normalizeSectionStatus(status)
	}
	if err := e.store.UpdateSection(ctx, target.ID, updates); err != nil {
		return fmt.Errorf("patch section %q: %w", sectionHeading, err)
	}

	if summary != "" {
		doc.Summary = summary
	}
	if err := e.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert document %s: %w", projectID, err)
	}

	slog.Info("document merged",
		"project_id", projectID,
		"mode", "section",
		"heading", sectionHeading,
	)
	return nil
}

func headingKey(heading string) string {
	return strings.ToLower(strings.TrimSpace(heading))
}

func findSection(sections []draft.Section, heading string) *draft.Section {
	key := headingKey(heading)
	for i := range sections {
		if headingKey(sections[i].Heading) == key {
			return &sections[i]
		}
	}
	return nil
}

func normalizeSectionStatus(status string) string {
	switch status {
	case draft.DocDrafting, draft.DocNeedsDetail, draft.DocComplete:
		return status
	default:
		return draft.DocDrafting
	}
}

// deriveDocumentStatus is complete only when every incoming section is
// complete; a single needs_detail section drags the document to
// needs_detail; otherwise it stays drafting.
func deriveDocumentStatus(sections []SectionInput) string {
	if len(sections) == 0 {
		return draft.DocDrafting
	}
	allComplete := true
	anyNeedsDetail := false
	for _, s := range sections {
		switch normalizeSectionStatus(s.Status) {
		case draft.DocComplete:
		case draft.DocNeedsDetail:
			allComplete = false
			anyNeedsDetail = true
		default:
			allComplete = false
		}
	}
	if allComplete {
		return draft.DocComplete
	}
	if anyNeedsDetail {
		return draft.DocNeedsDetail
	}
	return draft.DocDrafting
}

// reindexSections rewrites section orders to contiguous 0..n-1, keeping
// relative order.
func (e *Engine) reindexSections(ctx context.Context, projectID string) error {
	sections, err := e.store.ListSections(ctx, projectID)
	if err != nil {
		return fmt.Errorf("reindex sections %s: %w", projectID, err)
	}
	for i := range sections {
		if sections[i].Order == i {
			continue
		}
		if err := e.store.UpdateSection(ctx, sections[i].ID, map[string]any{"ord": i}); err != nil {
			return fmt.Errorf("reindex section %q: %w", sections[i].Heading, err)
		}
	}
	return nil
}
