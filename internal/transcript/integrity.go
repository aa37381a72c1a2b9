package transcript

import "fmt"

// Issue kinds reported by VerifyIntegrity.
const (
	IssueMissingID           = "missing_id"
	IssueDuplicateID         = "duplicate_id"
	IssueTimestampRegression = "timestamp_regression"
	IssueDanglingPrevious    = "dangling_previous"
)

// Issue is one structural anomaly found in a record. Issues are advisory;
// they never block ingestion or processing.
type Issue struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	ItemID    string `json:"item_id,omitempty"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// Report summarizes an integrity sweep.
type Report struct {
	RecordsChecked int     `json:"records_checked"`
	ItemsChecked   int     `json:"items_checked"`
	Issues         []Issue `json:"issues"`
}

// VerifyIntegrity audits transcript records for structural corruption:
// missing ids, duplicate ids within a record, CreatedAt regressions along
// the reconstructed order, and predecessor references pointing at no item
// in the record. It never mutates anything.
func VerifyIntegrity(records []Record) Report {
	rep := Report{RecordsChecked: len(records)}

	for _, rec := range records {
		seen := make(map[string]bool, len(rec.Items))
		ids := make(map[string]bool, len(rec.Items))
		for _, it := range rec.Items {
			rep.ItemsChecked++
			if it.ID == "" {
				rep.Issues = append(rep.Issues, Issue{
					ProjectID: rec.ProjectID,
					SessionID: rec.SessionID,
					Kind:      IssueMissingID,
					Detail:    "item has no id",
				})
				continue
			}
			if seen[it.ID] {
				rep.Issues = append(rep.Issues, Issue{
					ProjectID: rec.ProjectID,
					SessionID: rec.SessionID,
					ItemID:    it.ID,
					Kind:      IssueDuplicateID,
					Detail:    fmt.Sprintf("id %q appears more than once", it.ID),
				})
			}
			seen[it.ID] = true
			ids[it.ID] = true
		}

		for _, it := range rec.Items {
			if it.PreviousItemID == "" || it.ID == "" {
				continue
			}
			if !ids[it.PreviousItemID] {
				rep.Issues = append(rep.Issues, Issue{
					ProjectID: rec.ProjectID,
					SessionID: rec.SessionID,
					ItemID:    it.ID,
					Kind:      IssueDanglingPrevious,
					Detail:    fmt.Sprintf("previous item %q not present in record", it.PreviousItemID),
				})
			}
		}

		ordered := ReconstructOrder(rec.Items)
		for i := 1; i < len(ordered); i++ {
			prev, cur := ordered[i-1], ordered[i]
			if prev.CreatedAt.IsZero() || cur.CreatedAt.IsZero() {
				continue
			}
			// Regressions across chain boundaries are expected; only flag
			// within a linked pair.
			if cur.PreviousItemID != prev.ID {
				continue
			}
			if cur.CreatedAt.Before(prev.CreatedAt) {
				rep.Issues = append(rep.Issues, Issue{
					ProjectID: rec.ProjectID,
					SessionID: rec.SessionID,
					ItemID:    cur.ID,
					Kind:      IssueTimestampRegression,
					Detail:    fmt.Sprintf("created_at precedes predecessor %q", prev.ID),
				})
			}
		}
	}

	return rep
}
