package docmerge

import (
	"context"
	"strings"
	"testing"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/testutil"
)

func seedOutline(t *testing.T) (*Engine, *testutil.MemStore) {
	t.Helper()
	ms := testutil.NewMemStore()
	eng := NewEngine(ms)
	markdown, sections := fullInput()
	if err := eng.ApplyFullEdits(context.Background(), "p1", markdown, sections, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return eng, ms
}

func outlineHeadings(t *testing.T, eng *Engine) []string {
	t.Helper()
	ws, err := eng.GetWorkspace(context.Background(), "p1")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	for i, sec := range ws.Sections {
		if sec.Order != i {
			t.Errorf("order not contiguous: %q at %d (index %d)", sec.Heading, sec.Order, i)
		}
	}
	return headings(ws.Sections)
}

func TestManageOutline_AddRenameReorderRemove(t *testing.T) {
	eng, _ := seedOutline(t)
	ctx := context.Background()

	err := eng.ManageOutline(ctx, "p1", []OutlineOp{
		{Op: OpAdd, Heading: "Epilogue"},
		{Op: OpRename, Heading: "Legacy", NewHeading: "What Remains"},
		{Op: OpReorder, Heading: "Epilogue", Position: intPtr(0)},
		{Op: OpRemove, Heading: "The Early Years"},
	})
	if err != nil {
		t.Fatalf("manage outline: %v", err)
	}

	got := outlineHeadings(t, eng)
	want := []string{"Epilogue", "Introduction", "What Remains"}
	if len(got) != len(want) {
		t.Fatalf("headings = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("headings = %v, want %v", got, want)
		}
	}
}

func TestManageOutline_RebuildsMarkdown(t *testing.T) {
	eng, ms := seedOutline(t)
	ctx := context.Background()

	if err := eng.ManageOutline(ctx, "p1", []OutlineOp{
		{Op: OpRemove, Heading: "Introduction"},
	}); err != nil {
		t.Fatal(err)
	}

	doc, _ := ms.GetDocument(ctx, "p1")
	if doc.LatestDraftMarkdown == "" {
		t.Fatal("markdown not rebuilt")
	}
	if strings.Contains(doc.LatestDraftMarkdown, "## Introduction") {
		t.Errorf("removed section still in markdown:\n%s", doc.LatestDraftMarkdown)
	}
	if !strings.Contains(doc.LatestDraftMarkdown, "## The Early Years") ||
		!strings.Contains(doc.LatestDraftMarkdown, "Early body.") {
		t.Errorf("surviving section missing from rebuilt markdown:\n%s", doc.LatestDraftMarkdown)
	}
}

func TestManageOutline_MissingTargetsSkipNotError(t *testing.T) {
	eng, _ := seedOutline(t)
	ctx := context.Background()

	err := eng.ManageOutline(ctx, "p1", []OutlineOp{
		{Op: OpRename, Heading: "Ghost", NewHeading: "Phantom"},
		{Op: OpReorder, Heading: "Ghost", Position: intPtr(0)},
		{Op: OpRemove, Heading: "Ghost"},
	})
	if err != nil {
		t.Fatalf("operations on missing headings must skip, not fail: %v", err)
	}
	if got := outlineHeadings(t, eng); len(got) != 3 {
		t.Errorf("section set changed: %v", got)
	}
}

func TestManageOutline_RenameCollisionSkipped(t *testing.T) {
	eng, _ := seedOutline(t)

	err := eng.ManageOutline(context.Background(), "p1", []OutlineOp{
		{Op: OpRename, Heading: "Legacy", NewHeading: "introduction"}, // case-insensitive clash
	})
	if err != nil {
		t.Fatal(err)
	}
	got := outlineHeadings(t, eng)
	found := false
	for _, h := range got {
		if h == "Legacy" {
			found = true
		}
	}
	if !found {
		t.Errorf("colliding rename must be skipped, headings: %v", got)
	}
}

func TestManageOutline_AddIsIdempotent(t *testing.T) {
	eng, _ := seedOutline(t)
	ctx := context.Background()

	ops := []OutlineOp{{Op: OpAdd, Heading: "Introduction", Status: draft.DocComplete}}
	if err := eng.ManageOutline(ctx, "p1", ops); err != nil {
		t.Fatal(err)
	}
	if err := eng.ManageOutline(ctx, "p1", ops); err != nil {
		t.Fatal(err)
	}

	ws, _ := eng.GetWorkspace(ctx, "p1")
	count := 0
	for _, sec := range ws.Sections {
		if sec.Heading == "Introduction" {
			count++
			if sec.Status != draft.DocComplete {
				t.Errorf("add on existing heading should adjust status, got %q", sec.Status)
			}
		}
	}
	if count != 1 {
		t.Errorf("idempotent add produced %d Introduction sections", count)
	}
}
