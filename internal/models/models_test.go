package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastTransitionIgnoresReviewBeforeReturn(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	req := &AccreditationRequest{}
	req.Record(TransitionCreated, "u1", base, "")
	req.Record(TransitionSubmitted, "u1", base.Add(time.Minute), "")
	req.Record(TransitionReviewed, "rev", base.Add(2*time.Minute), "looking")
	req.Record(TransitionReturned, "rev", base.Add(3*time.Minute), "missing photo")

	_, ok := req.LastTransition(TransitionReviewed)
	assert.False(t, ok)

	returned, ok := req.LastTransition(TransitionReturned)
	require.True(t, ok)
	assert.Equal(t, "missing photo", returned.Comment)

	req.Record(TransitionSubmitted, "u1", base.Add(4*time.Minute), "")
	req.Record(TransitionReviewed, "rev2", base.Add(5*time.Minute), "")
	reviewed, ok := req.LastTransition(TransitionReviewed)
	require.True(t, ok)
	assert.Equal(t, "rev2", reviewed.Actor)
}

func TestTimelineOrdersByTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	req := &AccreditationRequest{Transitions: Transitions{
		{Kind: TransitionApproved, At: base.Add(time.Hour)},
		{Kind: TransitionCreated, At: base},
	}}
	timeline := req.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, TransitionCreated, timeline[0].Kind)
	assert.Equal(t, TransitionApproved, req.Transitions[0].Kind)
}

func TestTransitionsValueScan(t *testing.T) {
	var decoded Transitions
	require.NoError(t, decoded.Scan([]byte(`[{"kind":"created","actor":"u1","at":"2026-03-01T09:00:00Z"}]`)))
	require.Len(t, decoded, 1)
	assert.Equal(t, TransitionCreated, decoded[0].Kind)

	value, err := Transitions(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), value)

	assert.Error(t, decoded.Scan(42))
}

func TestSortPrintable(t *testing.T) {
	rows := []PrintableCredential{
		{RequestID: "r3", AreaName: "North", ProviderName: "Beta", LastName: "Smith", FirstName: "Ann"},
		{RequestID: "r2", AreaName: "North", ProviderName: "Alpha", LastName: "Young", FirstName: "Bob"},
		{RequestID: "r1", AreaName: "East", ProviderName: "Zulu", LastName: "Adams", FirstName: "Cy"},
		{RequestID: "r0", AreaName: "North", ProviderName: "Beta", LastName: "Smith", FirstName: "Ann"},
	}
	SortPrintable(rows)
	ids := []string{rows[0].RequestID, rows[1].RequestID, rows[2].RequestID, rows[3].RequestID}
	assert.Equal(t, []string{"r1", "r2", "r0", "r3"}, ids)
}

func TestCredentialIsReadyRequiresImage(t *testing.T) {
	cred := &Credential{Status: CredentialStatusReady}
	assert.False(t, cred.IsReady())
	path := "credentials/c1.png"
	cred.ImagePath = &path
	assert.True(t, cred.IsReady())
}
