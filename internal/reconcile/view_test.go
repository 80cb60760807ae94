package reconcile

import (
	"testing"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_Dedup(t *testing.T) {
	v := Reconcile([]evidence.Reconciled{
		{ID: 0, ContentID: "QmSame", Metadata: "first.mp4"},
		{ID: 1, ContentID: "QmOther", Metadata: "other.mp4"},
		{ID: 2, ContentID: "QmSame", Metadata: "second.mp4"},
	})

	require.Equal(t, 2, v.Len())
	rec, ok := v.Lookup("QmSame")
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.ID, "last record wins")
	assert.Equal(t, "second.mp4", rec.Metadata)

	records := v.Records()
	assert.Equal(t, "QmOther", records[0].ContentID)
	assert.Equal(t, "QmSame", records[1].ContentID)
}

func TestReconcile_Idempotent(t *testing.T) {
	in := []evidence.Reconciled{
		{ID: 4, ContentID: "QmX"},
		{ID: 7, ContentID: "QmX"},
	}
	once := Reconcile(in)
	twice := Reconcile(once.Records())

	assert.Equal(t, 1, once.Len())
	assert.Equal(t, once.Records(), twice.Records())
}

func TestReconcile_DropsEmptyContentID(t *testing.T) {
	v := Reconcile([]evidence.Reconciled{{ID: 0}, {ID: 1, ContentID: "QmA"}})
	assert.Equal(t, 1, v.Len())
	assert.False(t, v.ValidDeepLink(""))
}

func TestView_DeepLink(t *testing.T) {
	v := Reconcile([]evidence.Reconciled{{ID: 0, ContentID: "QmAbc123"}})

	assert.True(t, v.ValidDeepLink("QmAbc123"))
	assert.False(t, v.ValidDeepLink("QmZZZ999"))
	assert.Equal(t, 1, v.Len(), "lookups do not mutate the view")
}

func TestView_RecordsIsCopy(t *testing.T) {
	v := Reconcile([]evidence.Reconciled{{ID: 0, ContentID: "QmA"}})
	records := v.Records()
	records[0].ContentID = "changed"

	assert.True(t, v.ValidDeepLink("QmA"))
	assert.Equal(t, "QmA", v.Records()[0].ContentID)
}

func TestView_Nil(t *testing.T) {
	var v *View
	assert.Equal(t, 0, v.Len())
	assert.Empty(t, v.Records())
	assert.False(t, v.ValidDeepLink("QmA"))
}
