package scantrans

import (
	"context"
	"fmt"
)

// docPlan is one decomposed document: its registry job, its pending units,
// and the job context that is cancelled when the job is removed.
type docPlan struct {
	doc     Document
	jobID   string
	ctx     context.Context
	unitIDs []string
	units   int
	failed  bool
}

// decompose turns the source documents into registered jobs with one unit
// per image and one unit per PDF page. Page counts come from document
// structure only; page content is rendered later, at dispatch time. A
// document that cannot be parsed yields a failed job with zero units
// without blocking its siblings.
func (e *Engine) decompose(ctx context.Context, docs []Document) []*docPlan {
	plans := make([]*docPlan, 0, len(docs))

	for _, doc := range docs {
		jobID, jobCtx := e.registry.CreateJob(ctx, doc.Kind, doc.Name)
		plan := &docPlan{doc: doc, jobID: jobID, ctx: jobCtx}

		switch doc.Kind {
		case JobPDF:
			count, err := e.renderer.PageCount(doc.Path)
			if err != nil {
				e.registry.FailJob(jobID, fmt.Errorf("%w: %v", ErrPreviewFailed, err))
				plan.failed = true
				plans = append(plans, plan)
				continue
			}
			for i := 0; i < count; i++ {
				// InputRef is resolved to a rendered page just before
				// dispatch; until then it names the parent document.
				unitID := e.registry.AddUnit(jobID, UnitPDFPage, doc.Path)
				plan.unitIDs = append(plan.unitIDs, unitID)
				e.registry.SetUnitStatus(jobID, unitID, StatusUploaded)
			}
			plan.units = count

		default:
			ref := doc.URL
			if ref == "" {
				ref = doc.Path
			}
			unitID := e.registry.AddUnit(jobID, UnitImage, ref)
			plan.unitIDs = append(plan.unitIDs, unitID)
			e.registry.SetUnitStatus(jobID, unitID, StatusUploaded)
			plan.units = 1
		}

		plans = append(plans, plan)
	}

	return plans
}
