package dx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlanViewsMatchesByFuzzyName(t *testing.T) {
	db := &fakeDB{views: map[string]*fakeView{
		"($Admin)\\ByAuthor":            {name: "($Admin)\\ByAuthor", failAt: -1},
		"Documents\\Par Auteur (Anglais)": {name: "Documents\\Par Auteur (Anglais)", failAt: -1},
	}}
	plan := IngestionPlan{
		ID: 1,
		Views: []PlanView{
			{CanonicalName: "ByAuthor", Enabled: true},
		},
	}
	resolved, diag, err := ResolvePlanViews(context.Background(), db, plan)
	require.NoError(t, err)
	assert.Empty(t, diag)
	require.Len(t, resolved, 1)
	assert.Equal(t, "($Admin)\\ByAuthor", resolved[0].UpstreamName)
}

func TestResolvePlanViewsReturnsDiagnosticsWhenNoMatch(t *testing.T) {
	db := &fakeDB{views: map[string]*fakeView{
		"Totally Unrelated": {name: "Totally Unrelated", failAt: -1},
	}}
	plan := IngestionPlan{Views: []PlanView{{CanonicalName: "ByAuthor"}}}
	resolved, diag, err := ResolvePlanViews(context.Background(), db, plan)
	require.NoError(t, err)
	assert.NotEmpty(t, diag)
	require.Len(t, resolved, 1)
	assert.Empty(t, resolved[0].UpstreamName)
}
