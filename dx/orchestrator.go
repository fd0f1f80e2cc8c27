package dx

import (
	"context"
	"fmt"
	"strconv"

	"notesync.evalgo.org/bridge"
	eve "notesync.evalgo.org/common"
	"notesync.evalgo.org/telemetry"
)

// RunStore is the subset of the SQL sink the orchestrator needs beyond
// PlanStore and DocStore.
type RunStore interface {
	StartRun(ctx context.Context, id string, sourceID int64) (ETLRun, error)
	FinishRun(ctx context.Context, run ETLRun) error
}

// SessionOpener opens a session-scoped database handle for one source,
// following the UI-fallback chain described in spec_full §12.4. It is
// supplied by the deployment environment, same as bridge.Session itself.
type SessionOpener func(ctx context.Context, serverName, filePath string) (bridge.Database, error)

// ViewFetcher gets a named view from an already-open database.
type ViewFetcher func(ctx context.Context, db bridge.Database, name string) (bridge.View, error)

// DocumentReader pulls everything the upserter needs out of one
// upstream document, including embedded-object/$FILE/MIME discovery
// (spec §4.5 steps 1-5, spec_full §12.5). ReadDocument is the default
// implementation, built entirely against the bridge interfaces below; a
// deployment only needs to override it for a bridge that can't satisfy
// GetDocumentByUNID directly.
type DocumentReader func(ctx context.Context, db bridge.Database, unid string) (items []bridgeItem, atts []ExtractedAttachment, noteID string, err error)

// Orchestrator loads enabled plans, resolves their views, and runs the
// checkpointed snapshot + upsert pipeline for each, sequentially within
// a plan and across plans (spec §5 concurrency rules are about workers
// per view across plans, not about interleaving a single plan's views).
type Orchestrator struct {
	Plans    PlanStore
	Runs     RunStore
	Checkpts CheckpointStore
	Batches  BatchStore
	Upserter *Upserter

	OpenSession SessionOpener
	GetView     ViewFetcher
	ReadDoc     DocumentReader

	RunIDFactory func() string

	// Metrics is optional; when set, the counters it exposes are
	// incremented as documents are scanned, upserted, and attached
	// (spec_full §12.3). A nil Metrics disables telemetry entirely.
	Metrics *telemetry.Metrics
}

// RunAll executes every enabled plan in turn.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	plans, err := o.Plans.ListEnabledPlans(ctx)
	if err != nil {
		return fmt.Errorf("dx: list plans: %w", err)
	}
	for _, plan := range plans {
		if err := o.RunPlan(ctx, plan); err != nil {
			eve.Logger.WithField("server", plan.ServerName).WithField("filepath", plan.FilePath).WithError(err).Error("dx: plan run failed")
		}
	}
	return nil
}

// RunPlan runs one ingestion plan end to end: open the source, resolve
// its views, and checkpointed-snapshot-and-upsert each enabled view.
func (o *Orchestrator) RunPlan(ctx context.Context, plan IngestionPlan) error {
	sourceID, err := o.Plans.UpsertSource(ctx, Source{ServerName: plan.ServerName, FilePath: plan.FilePath})
	if err != nil {
		return err
	}

	run, err := o.Runs.StartRun(ctx, o.RunIDFactory(), sourceID)
	if err != nil {
		return err
	}

	db, err := o.OpenSession(ctx, plan.ServerName, plan.FilePath)
	if err != nil {
		run.Errors++
		_ = o.Runs.FinishRun(ctx, run)
		return fmt.Errorf("dx: open session for %s/%s: %w", plan.ServerName, plan.FilePath, err)
	}

	resolved, diagnostics, err := ResolvePlanViews(ctx, db, plan)
	if err != nil {
		run.Errors++
		_ = o.Runs.FinishRun(ctx, run)
		return err
	}
	if diagnostics != "" {
		eve.Logger.WithField("plan_id", plan.ID).Warn(diagnostics)
	}

	for _, rv := range resolved {
		if rv.UpstreamName == "" {
			continue
		}
		if err := o.runView(ctx, db, plan.ID, sourceID, rv.UpstreamName, &run); err != nil {
			run.Errors++
			eve.Logger.WithField("view", rv.UpstreamName).WithError(err).Error("dx: view run failed")
		}
	}

	return o.Runs.FinishRun(ctx, run)
}

// RunViewJob opens its own session for serverName/filePath and runs only
// viewName, independent of any other job running against the same plan.
// This is the unit of work a queue/redis job dispatches (spec_full
// §12.1): each worker holds its own bridge session rather than sharing
// the handle RunPlan would otherwise reuse across a plan's views.
func (o *Orchestrator) RunViewJob(ctx context.Context, planID, sourceID int64, serverName, filePath, viewName string) error {
	run, err := o.Runs.StartRun(ctx, o.RunIDFactory(), sourceID)
	if err != nil {
		return err
	}

	db, err := o.OpenSession(ctx, serverName, filePath)
	if err != nil {
		run.Errors++
		_ = o.Runs.FinishRun(ctx, run)
		return fmt.Errorf("dx: open session for %s/%s: %w", serverName, filePath, err)
	}

	if err := o.runView(ctx, db, planID, sourceID, viewName, &run); err != nil {
		run.Errors++
		_ = o.Runs.FinishRun(ctx, run)
		return err
	}
	return o.Runs.FinishRun(ctx, run)
}

func (o *Orchestrator) runView(ctx context.Context, db bridge.Database, planID, sourceID int64, viewName string, run *ETLRun) error {
	rc := bridge.NewReopenContext(
		func(ctx context.Context) (bridge.Database, error) { return db, nil },
		o.GetView,
		viewName,
	)

	planIDStr := strconv.FormatInt(planID, 10)

	return RunCheckpointed(ctx, o.Checkpts, o.Batches, rc, planID, sourceID, viewName, func(ctx context.Context, tx BatchTx, batch []SnapshotEntry) error {
		for _, entry := range batch {
			run.Scanned++
			if o.Metrics != nil {
				o.Metrics.DocumentsScanned.WithLabelValues(planIDStr, viewName).Inc()
			}
			items, atts, noteID, err := o.ReadDoc(ctx, db, entry.UNID)
			if err != nil {
				run.Errors++
				if o.Metrics != nil {
					o.Metrics.Errors.WithLabelValues("dx_read").Inc()
				}
				eve.Logger.WithField("unid", entry.UNID).WithError(err).Warn("dx: read document failed, skipping")
				continue
			}
			if err := o.Upserter.UpsertTx(ctx, tx, UpsertInput{
				SourceID:     sourceID,
				UNID:         entry.UNID,
				NoteID:       noteID,
				Items:        items,
				Attachments:  atts,
				ViewName:     viewName,
				CategoryPath: entry.CategoryPath,
			}); err != nil {
				run.Errors++
				if o.Metrics != nil {
					o.Metrics.Errors.WithLabelValues("dx_upsert").Inc()
				}
				eve.Logger.WithField("unid", entry.UNID).WithError(err).Error("dx: upsert failed, skipping")
				continue
			}
			run.Upserted++
			run.Atts += len(atts)
			if o.Metrics != nil {
				o.Metrics.DocumentsUpserted.WithLabelValues(planIDStr, viewName).Inc()
				o.Metrics.AttachmentsStored.WithLabelValues(attachmentStrategyLabel(atts)).Add(float64(len(atts)))
			}
		}
		return nil
	}, func() {
		if o.Metrics != nil {
			o.Metrics.CheckpointResets.WithLabelValues(planIDStr, viewName).Inc()
		}
	})
}

// attachmentStrategyLabel collapses one document's attachment kinds into
// a single telemetry label: "none" when it has none, "mixed" when its
// discovered attachments span more than one kind.
func attachmentStrategyLabel(atts []ExtractedAttachment) string {
	if len(atts) == 0 {
		return "none"
	}
	kind := atts[0].Kind
	for _, a := range atts[1:] {
		if a.Kind != kind {
			return "mixed"
		}
	}
	return string(kind)
}
