package dx

import (
	"context"
	"fmt"

	"notesync.evalgo.org/bridge"
	"notesync.evalgo.org/viewmatch"
)

// PlanStore loads ingestion plans and persists source metadata.
type PlanStore interface {
	ListEnabledPlans(ctx context.Context) ([]IngestionPlan, error)
	UpsertSource(ctx context.Context, s Source) (int64, error)
}

// DefaultViewPatterns is the built-in fuzzy-match pattern library used
// when a plan view has no regex override, covering the handful of view
// naming conventions seen across deployments (English/French synonyms
// for the common By Author / By Category / By Date views).
var DefaultViewPatterns = []string{
	`(by author|par auteur)`,
	`(by categor[yi]es?|par categorie)`,
	`(by date|par date)`,
	`all documents`,
	`tous les documents`,
}

// ResolvedView pairs a plan's canonical view name with the concrete
// upstream view name the selector chose for it. UpstreamName is empty
// if nothing matched.
type ResolvedView struct {
	PlanView     PlanView
	UpstreamName string
}

// ResolvePlanViews selects, for each enabled view in plan, the best
// matching upstream view name exposed by db (spec §4.3). diagnostics is
// non-empty only when nothing in the plan matched any upstream view.
func ResolvePlanViews(ctx context.Context, db bridge.Database, plan IngestionPlan) (resolved []ResolvedView, diagnostics string, err error) {
	upstreamViews, err := db.Views(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("dx: list upstream views: %w", err)
	}

	canonicalNames := make([]string, 0, len(plan.Views))
	overrides := make(map[string]string, len(plan.Views))
	for _, pv := range plan.Views {
		canonicalNames = append(canonicalNames, pv.CanonicalName)
		if pv.RegexOverride != "" {
			overrides[pv.CanonicalName] = pv.RegexOverride
		}
	}

	selected, diag := viewmatch.Select(canonicalNames, overrides, DefaultViewPatterns, upstreamViews)

	resolved = make([]ResolvedView, 0, len(plan.Views))
	for _, pv := range plan.Views {
		resolved = append(resolved, ResolvedView{PlanView: pv, UpstreamName: selected[pv.CanonicalName]})
	}
	return resolved, diag, nil
}
