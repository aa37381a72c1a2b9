// Package prompt turns project state into a bounded system/user prompt
// pair for the generation model. Assembly is a pure function: same input,
// same prompts, no side effects.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/transcript"
)

const (
	// DraftCharCap bounds how much of the existing draft is quoted
	// verbatim; anything beyond it is cut with a visible marker.
	DraftCharCap = 6000

	// TruncationMarker is appended whenever the draft is cut. The model
	// must never see a silently truncated document.
	TruncationMarker = "\n\n[... draft truncated for length ...]"

	maxNotes           = 8
	maxFilteredItems   = 12
	maxUnfilteredItems = 8

	tokenMultiplier  = 1.35
	minTokenEstimate = 64
)

// Input carries everything the assembler reads. Messages is keyed by both
// message id and message key so transcript items can resolve linked
// message text as fallback.
type Input struct {
	Project    *draft.Project
	Blueprint  *draft.Blueprint
	Document   *draft.Document
	Sections   []draft.Section
	Notes      []draft.Note
	Todos      []draft.Todo
	Transcript []transcript.Item
	Job        *draft.Job
	Messages   map[string]draft.SessionMessage
}

// Result is the assembled request.
type Result struct {
	SystemPrompt    string
	UserPrompt      string
	EstimatedTokens int
}

var statusLabels = map[string]string{
	draft.DocDrafting:    "Drafting",
	draft.DocNeedsDetail: "Needs detail",
	draft.DocComplete:    "Complete",
}

func statusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}

// Assemble builds the system and user prompts plus a telemetry-grade token
// estimate.
func Assemble(in Input) Result {
	activeSection := ""
	if in.Job != nil {
		activeSection = in.Job.ActiveSection()
	}

	system := buildSystemPrompt(activeSection)
	user := buildUserPrompt(in, activeSection)

	return Result{
		SystemPrompt:    system,
		UserPrompt:      user,
		EstimatedTokens: estimateTokens(system + " " + user),
	}
}

func buildSystemPrompt(activeSection string) string {
	var sb strings.Builder
	sb.WriteString("You are a professional ghostwriter drafting a long-form document from interview material.\n")
	sb.WriteString("Respond with a single JSON object: {\"markdown\": string, \"sections\": [{\"heading\": string, \"content\": string, \"status\": string, \"order\": number}], \"summary\": string}.\n")
	sb.WriteString("Section headings are immutable identity keys. Never invent, rename, or reorder headings.\n")

	if activeSection != "" {
		fmt.Fprintf(&sb, "You are revising exactly one section: %q. Return ONLY that section in both markdown and sections; every other section is read-only context and must not appear in your output.\n", activeSection)
	} else {
		sb.WriteString("Produce the full document: every section, in order, with updated content.\n")
	}
	sb.WriteString("Status per section is one of: drafting, needs_detail, complete.")
	return sb.String()
}

func buildUserPrompt(in Input, activeSection string) string {
	var sb strings.Builder

	if in.Project != nil {
		sb.WriteString("## Project\n")
		fmt.Fprintf(&sb, "Title: %s\n", in.Project.Title)
		if in.Project.Genre != "" {
			fmt.Fprintf(&sb, "Genre: %s\n", in.Project.Genre)
		}
		if in.Project.Audience != "" {
			fmt.Fprintf(&sb, "Audience: %s\n", in.Project.Audience)
		}
		if in.Project.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", in.Project.Description)
		}
		sb.WriteString("\n")
	}

	if in.Blueprint != nil {
		sb.WriteString("## Blueprint\n")
		if in.Blueprint.Voice != "" {
			fmt.Fprintf(&sb, "Voice: %s\n", in.Blueprint.Voice)
		}
		if in.Blueprint.Structure != "" {
			fmt.Fprintf(&sb, "Structure: %s\n", in.Blueprint.Structure)
		}
		if len(in.Blueprint.Themes) > 0 {
			fmt.Fprintf(&sb, "Themes: %s\n", strings.Join(in.Blueprint.Themes, ", "))
		}
		if in.Blueprint.Constraints != "" {
			fmt.Fprintf(&sb, "Constraints: %s\n", in.Blueprint.Constraints)
		}
		sb.WriteString("\n")
	}

	if len(in.Sections) > 0 {
		sb.WriteString("## Outline\n")
		for _, sec := range in.Sections {
			marker := ""
			if activeSection != "" {
				if strings.EqualFold(sec.Heading, activeSection) {
					marker = " (ACTIVE — editable)"
				} else {
					marker = " (read-only)"
				}
			}
			fmt.Fprintf(&sb, "%d. %s — %s%s\n", sec.Order+1, sec.Heading, statusLabel(sec.Status), marker)
		}
		sb.WriteString("\n")
	}

	openTodos := filterTodos(in.Todos)
	if len(openTodos) > 0 {
		sb.WriteString("## Open items\n")
		for _, td := range openTodos {
			fmt.Fprintf(&sb, "- [%s] %s\n", td.Status, td.Label)
		}
		sb.WriteString("\n")
	}

	if len(in.Notes) > 0 {
		notes := in.Notes
		if len(notes) > maxNotes {
			notes = notes[:maxNotes]
		}
		sb.WriteString("## Notes\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "- %s\n", n.Text)
		}
		sb.WriteString("\n")
	}

	if in.Document != nil && in.Document.LatestDraftMarkdown != "" {
		sb.WriteString("## Current draft\n")
		sb.WriteString(truncateDraft(in.Document.LatestDraftMarkdown))
		sb.WriteString("\n\n")
	}

	excerpt := selectExcerpt(in, activeSection)
	if len(excerpt) > 0 {
		sb.WriteString("## Interview transcript\n")
		for _, it := range excerpt {
			text := itemText(it, in.Messages)
			if text == "" {
				continue
			}
			role := it.Role
			if role == "" {
				role = "unknown"
			}
			fmt.Fprintf(&sb, "[%s]: %s\n", role, text)
		}
		sb.WriteString("\n")
	}

	if in.Job != nil {
		sb.WriteString("## Request\n")
		if in.Job.Summary != "" {
			fmt.Fprintf(&sb, "Task: %s\n", in.Job.Summary)
		}
		if activeSection != "" {
			fmt.Fprintf(&sb, "Target section: %s\n", activeSection)
		}
		if instr := jobInstructions(in.Job); instr != "" {
			fmt.Fprintf(&sb, "Instructions: %s\n", instr)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func jobInstructions(job *draft.Job) string {
	pc := job.PromptContext
	if len(pc) == 0 {
		return ""
	}
	var v draft.PromptContextValue
	if err := json.Unmarshal(pc, &v); err != nil {
		return ""
	}
	return strings.TrimSpace(v.Instructions)
}

func filterTodos(todos []draft.Todo) []draft.Todo {
	var out []draft.Todo
	for _, td := range todos {
		if td.Status == draft.TodoOpen || td.Status == draft.TodoInReview {
			out = append(out, td)
		}
	}
	return out
}

// truncateDraft bounds the verbatim draft quote. Cuts carry a visible
// marker.
func truncateDraft(markdown string) string {
	if len(markdown) <= DraftCharCap {
		return markdown
	}
	return markdown[:DraftCharCap] + TruncationMarker
}

// selectExcerpt picks the transcript slice sent to the model. With an
// active section the set is narrowed to participant turns plus explicitly
// anchored assistant/system items; a filter that would empty the set falls
// back to the full ordered transcript.
func selectExcerpt(in Input, activeSection string) []transcript.Item {
	items := in.Transcript
	filtered := false

	anchors := anchorSet(in.Job)

	if activeSection != "" {
		var kept []transcript.Item
		for _, it := range items {
			if !isModelRole(it.Role) || anchored(it, anchors) {
				kept = append(kept, it)
			}
		}
		if len(kept) > 0 {
			items = kept
			filtered = true
		}
	}

	if len(anchors) > 0 {
		var kept []transcript.Item
		for _, it := range items {
			if anchored(it, anchors) {
				kept = append(kept, it)
			}
		}
		if len(kept) > 0 {
			items = kept
			filtered = true
		}
	}

	limit := maxUnfilteredItems
	if filtered {
		limit = maxFilteredItems
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

func isModelRole(role string) bool {
	return role == "assistant" || role == "system"
}

func anchorSet(job *draft.Job) map[string]bool {
	if job == nil {
		return nil
	}
	set := make(map[string]bool, len(job.MessagePointers)+len(job.TranscriptAnchors))
	for _, p := range job.MessagePointers {
		if p != "" {
			set[p] = true
		}
	}
	for _, a := range job.TranscriptAnchors {
		if a != "" {
			set[a] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func anchored(it transcript.Item, anchors map[string]bool) bool {
	if anchors == nil {
		return false
	}
	return anchors[it.ID] || (it.MessageID != "" && anchors[it.MessageID]) ||
		(it.MessageKey != "" && anchors[it.MessageKey])
}

// itemText returns the item's own text, falling back to the linked session
// message when the fragment carried none.
func itemText(it transcript.Item, messages map[string]draft.SessionMessage) string {
	if strings.TrimSpace(it.Text) != "" {
		return strings.TrimSpace(it.Text)
	}
	if messages == nil {
		return ""
	}
	if it.MessageID != "" {
		if m, ok := messages[it.MessageID]; ok {
			return strings.TrimSpace(m.Text)
		}
	}
	if it.MessageKey != "" {
		if m, ok := messages[it.MessageKey]; ok {
			return strings.TrimSpace(m.Text)
		}
	}
	return ""
}

// estimateTokens is a deterministic heuristic for telemetry: word count of
// the combined prompts times a fixed multiplier, floored at a minimum.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	est := int(float64(words) * tokenMultiplier)
	if est < minTokenEstimate {
		return minTokenEstimate
	}
	return est
}
