// Package reconcile builds the client's view of the evidence list: records
// deduplicated by content, deep-link checks against that view, periodic
// refresh and a session-owned cache of fetched content.
package reconcile

import (
	"sort"

	"github.com/evidencelog/evidencelog/internal/evidence"
)

// View is an immutable, deduplicated snapshot of the evidence list.
type View struct {
	records []evidence.Reconciled
	index   map[string]int
}

// Reconcile deduplicates records by content ID. When the same content was
// committed more than once the record seen last wins. Records without a
// content ID are dropped. The result is ordered by ID.
func Reconcile(records []evidence.Reconciled) *View {
	latest := make(map[string]evidence.Reconciled, len(records))
	for _, rec := range records {
		if rec.ContentID == "" {
			continue
		}
		latest[rec.ContentID] = rec
	}

	v := &View{
		records: make([]evidence.Reconciled, 0, len(latest)),
		index:   make(map[string]int, len(latest)),
	}
	for _, rec := range latest {
		v.records = append(v.records, rec)
	}
	sort.Slice(v.records, func(i, j int) bool {
		return v.records[i].ID < v.records[j].ID
	})
	for i, rec := range v.records {
		v.index[rec.ContentID] = i
	}
	return v
}

// Len returns the number of unique records.
func (v *View) Len() int {
	if v == nil {
		return 0
	}
	return len(v.records)
}

// Records returns a copy of the records in ID order.
func (v *View) Records() []evidence.Reconciled {
	if v == nil {
		return []evidence.Reconciled{}
	}
	out := make([]evidence.Reconciled, len(v.records))
	copy(out, v.records)
	return out
}

// Lookup returns the record for contentID.
func (v *View) Lookup(contentID string) (evidence.Reconciled, bool) {
	if v == nil {
		return evidence.Reconciled{}, false
	}
	i, ok := v.index[contentID]
	if !ok {
		return evidence.Reconciled{}, false
	}
	return v.records[i], true
}

// ValidDeepLink reports whether token names a record in this view.
func (v *View) ValidDeepLink(token string) bool {
	if token == "" {
		return false
	}
	_, ok := v.Lookup(token)
	return ok
}
