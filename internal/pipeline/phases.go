package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/extract"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

func (c *Controller) extract(ctx context.Context, ids []int, sequential bool, rep progress.Reporter) PhaseResult {
	pr := PhaseResult{Phase: Extract, Targets: []int{}}
	type item struct {
		targetID int
		fetcher  extract.Fetcher
		doc      crawler.Document
	}

	var items []item
	for _, id := range ids {
		target, ok := c.registry.Get(id)
		if !ok {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: %v", id, crawler.ErrNotFound))
			continue
		}
		docs, err := c.store.Documents(ctx, id)
		if err != nil {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: load documents: %v", id, err))
			continue
		}
		if len(docs) == 0 {
			continue
		}
		if c.fetchers == nil {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: no fetcher configured", id))
			pr.Failed += len(docs)
			continue
		}
		fetcher, err := c.fetchers(target)
		if err != nil {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: build fetcher: %v", id, err))
			pr.Failed += len(docs)
			continue
		}
		for _, d := range docs {
			items = append(items, item{targetID: id, fetcher: fetcher, doc: d})
		}
	}
	pr.Total = len(items) + pr.Failed

	ctx, span, start := c.beginPhase(ctx, Extract, pr.Total, rep)
	var (
		mu      sync.Mutex
		done    = pr.Failed
		outputs = make(map[int]struct{})
	)
	record := func(targetID int, errMsg string) {
		mu.Lock()
		defer mu.Unlock()
		done++
		if errMsg != "" {
			pr.Failed++
			pr.Errors = append(pr.Errors, errMsg)
		} else {
			pr.Successful++
			outputs[targetID] = struct{}{}
		}
		c.reportItem(rep, Extract, done, pr.Total)
	}

	var g errgroup.Group
	g.SetLimit(c.limit(sequential))
	for _, it := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(it.targetID, fmt.Sprintf("%s: %v", it.doc.URL, crawler.ErrCancelled))
				return nil
			}
			ex, err := c.extractor.Extract(ctx, it.fetcher, it.targetID, it.doc)
			if err != nil {
				c.logger.Debug("extract failed", zap.String("url", it.doc.URL), zap.Error(err))
				record(it.targetID, err.Error())
				return nil
			}
			if err := c.store.SaveExtraction(context.WithoutCancel(ctx), ex); err != nil {
				record(it.targetID, fmt.Sprintf("%s: save extraction: %v", it.doc.URL, err))
				return nil
			}
			record(it.targetID, "")
			return nil
		})
	}
	_ = g.Wait()

	pr.Current = done
	pr.Targets = sortedKeys(outputs)
	finalize(&pr, "extracted")
	c.endPhase(span, &pr, start, rep)
	return pr
}

func (c *Controller) analyze(ctx context.Context, ids []int, sequential bool, rep progress.Reporter) PhaseResult {
	pr := PhaseResult{Phase: Analyze, Targets: []int{}}
	var items []crawler.Extraction
	for _, id := range ids {
		exs, err := c.store.Extractions(ctx, id)
		if err != nil {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: load extractions: %v", id, err))
			continue
		}
		items = append(items, exs...)
	}
	pr.Total = len(items)

	ctx, span, start := c.beginPhase(ctx, Analyze, pr.Total, rep)
	var (
		mu      sync.Mutex
		done    int
		outputs = make(map[int]struct{})
	)
	var g errgroup.Group
	g.SetLimit(c.limit(sequential))
	for _, ex := range items {
		g.Go(func() error {
			var errMsg string
			relevant := false
			if err := ctx.Err(); err != nil {
				errMsg = fmt.Sprintf("%s: %v", ex.DocumentURL, crawler.ErrCancelled)
			} else {
				a := c.analyzer.Analyze(ex)
				relevant = a.Relevant
				if err := c.store.SaveAnalysis(context.WithoutCancel(ctx), a); err != nil {
					errMsg = fmt.Sprintf("%s: save analysis: %v", ex.DocumentURL, err)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			done++
			if errMsg != "" {
				pr.Failed++
				pr.Errors = append(pr.Errors, errMsg)
			} else {
				pr.Successful++
				outputs[ex.TargetID] = struct{}{}
				if relevant {
					pr.Relevant++
				}
			}
			c.reportItem(rep, Analyze, done, pr.Total)
			return nil
		})
	}
	_ = g.Wait()

	pr.Current = done
	pr.Targets = sortedKeys(outputs)
	finalize(&pr, "analyzed")
	if pr.Successful > 0 {
		pr.Message += fmt.Sprintf(", %d relevant", pr.Relevant)
	}
	c.endPhase(span, &pr, start, rep)
	return pr
}

func (c *Controller) limit(sequential bool) int {
	if sequential {
		return 1
	}
	return c.concurrency
}

func (c *Controller) reportItem(rep progress.Reporter, phase Phase, done, total int) {
	rep.Report(progress.Event{
		Phase:     string(phase),
		Stage:     progress.StagePhaseProgress,
		Percent:   progress.Percent(done, total),
		Current:   done,
		Total:     total,
		Timestamp: c.clock.Now(),
	})
}

// finalize sets the status: a phase fails when it had work and none of it
// succeeded, or when it could not even load its inputs.
func finalize(pr *PhaseResult, verb string) {
	switch {
	case pr.Total > 0 && pr.Successful == 0:
		pr.Status = PhaseFailed
	case pr.Total == 0 && len(pr.Errors) > 0:
		pr.Status = PhaseFailed
	default:
		pr.Status = PhaseCompleted
	}
	if pr.Total == 0 {
		pr.Message = "nothing to process"
		if len(pr.Errors) > 0 {
			pr.Message = pr.Errors[0]
		}
		return
	}
	pr.Message = fmt.Sprintf("%d/%d %s, %d failed", pr.Successful, pr.Total, verb, pr.Failed)
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
