package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/compute"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/internal/parallel"
	"github.com/gogpu/gpures/internal/perf"
)

// Commit phases, used as span names and metric labels.
const (
	phaseResolve  = "resolve"
	phaseAllocate = "allocate"
	phaseUpload   = "upload"
	phaseExecute  = "execute"
)

// pending is the work taken from the queues by one commit.
type pending struct {
	requests   []*sourceRequest
	standalone []buffer.Source
	queues     [NumQueues][]computationRequest
}

func (r *Registry) take() pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := pending{requests: r.requests, standalone: r.standalone, queues: r.queues}
	r.requests, r.standalone = nil, nil
	r.queues = [NumQueues][]computationRequest{}
	clear(r.byRange)
	return p
}

// requeue puts work taken by a canceled commit back in front of anything
// queued since.
func (r *Registry) requeue(work pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	later := r.requests
	r.requests = nil
	clear(r.byRange)
	for _, req := range append(work.requests, later...) {
		if prev := r.byRange[req.rng]; prev != nil {
			prev.fixed = prev.fixed || req.fixed
			for _, s := range req.sources {
				if i := slices.IndexFunc(prev.sources, func(p buffer.Source) bool { return p.Name() == s.Name() }); i >= 0 {
					prev.sources[i] = s
				} else {
					prev.sources = append(prev.sources, s)
				}
			}
			continue
		}
		r.byRange[req.rng] = req
		r.requests = append(r.requests, req)
	}
	r.standalone = append(work.standalone, r.standalone...)
	for q := range r.queues {
		r.queues[q] = append(work.queues[q], r.queues[q]...)
	}
}

// Commit resolves every queued source, uploads the results into their
// ranges and dispatches every queued computation.
//
// Sources that fail to resolve are reported once as warnings and their
// attribute stays absent from the range; contract errors of computations
// are reported as errors and skip that computation. Commit itself only
// fails for device errors and cancellation, and always processes the rest
// of the queued work.
func (r *Registry) Commit(ctx context.Context) (err error) {
	if r.destroyed.Load() {
		return ErrDestroyed
	}
	ctx, span := r.tracer.Start(ctx, "registry.Commit",
		trace.WithAttributes(attribute.String("registry", r.cfg.Label)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	work := r.take()
	span.SetAttributes(
		attribute.Int("requests", len(work.requests)),
		attribute.Int("standalone", len(work.standalone)),
	)

	var errs []error

	pctx, pspan, t0 := r.startPhase(ctx, phaseResolve)
	stuck, err := r.resolve(pctx, work)
	r.endPhase(pspan, phaseResolve, t0, err)
	if err != nil {
		// Canceled before anything touched the device; keep the work for
		// the next commit.
		r.requeue(work)
		return err
	}

	_, pspan, t0 = r.startPhase(ctx, phaseAllocate)
	r.sizeRanges(work)
	var aerrs []error
	for _, g := range r.roles {
		aerrs = append(aerrs, g.ReallocateAll())
	}
	err = errors.Join(aerrs...)
	r.endPhase(pspan, phaseAllocate, t0, err)
	errs = append(errs, err)

	_, pspan, t0 = r.startPhase(ctx, phaseUpload)
	err = r.upload(work, stuck)
	r.endPhase(pspan, phaseUpload, t0, err)
	errs = append(errs, err)

	_, pspan, t0 = r.startPhase(ctx, phaseExecute)
	err = r.execute(work)
	r.endPhase(pspan, phaseExecute, t0, err)
	errs = append(errs, err)

	r.counters.Inc(perf.Commits)
	r.ResourceAllocation()
	return errors.Join(errs...)
}

// resolve drives every queued source and its dependencies to a terminal
// state. Each pass resolves the sources whose dependencies are all terminal
// on the worker pool. A pass that makes no progress leaves the remaining
// sources unresolved; they are returned as stuck.
func (r *Registry) resolve(ctx context.Context, work pending) (map[buffer.Source]bool, error) {
	var all []buffer.Source
	seen := make(map[buffer.Source]bool)
	var visit func(s buffer.Source)
	visit = func(s buffer.Source) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		if d, ok := s.(buffer.Dependent); ok {
			for _, dep := range d.Dependencies() {
				visit(dep)
			}
		}
		if c, ok := s.(buffer.Chained); ok {
			for _, ch := range c.Chained() {
				visit(ch)
			}
		}
		all = append(all, s)
	}
	for _, req := range work.requests {
		for _, s := range req.sources {
			visit(s)
		}
	}
	for _, s := range work.standalone {
		visit(s)
	}

	remaining := slices.DeleteFunc(all, func(s buffer.Source) bool { return s.State().Terminal() })
	passes := 0
	for len(remaining) > 0 {
		var ready []buffer.Source
		for _, s := range remaining {
			d, ok := s.(buffer.Dependent)
			if !ok {
				ready = append(ready, s)
				continue
			}
			if deps, _ := buffer.DependenciesResolved(d.Dependencies()); deps {
				ready = append(ready, s)
			}
		}
		err := parallel.ForEach(ctx, r.pool, ready, func(s buffer.Source) { s.Resolve() })
		if err != nil {
			return nil, err
		}
		passes++

		next := slices.DeleteFunc(slices.Clone(remaining), func(s buffer.Source) bool { return s.State().Terminal() })
		if len(next) == len(remaining) {
			break
		}
		remaining = next
	}

	stuck := make(map[buffer.Source]bool, len(remaining))
	for _, s := range remaining {
		stuck[s] = true
	}
	diag.Logger().Debug("registry: resolved",
		slog.String("registry", r.cfg.Label),
		slog.Int("sources", len(all)),
		slog.Int("passes", passes),
		slog.Int("stuck", len(stuck)),
	)
	return stuck, nil
}

// sizeRanges resizes each range to its first resolved source and each
// computation destination to its output element count. Fixed requests keep
// their allocated size.
func (r *Registry) sizeRanges(work pending) {
	for _, req := range work.requests {
		if req.fixed || req.rng.IsReleased() {
			continue
		}
		for _, s := range req.sources {
			if s.State() != buffer.StateResolved {
				continue
			}
			if n := s.NumElements(); n > 0 && n != req.rng.NumElements() {
				req.rng.Resize(n)
			}
			break
		}
	}
	for _, q := range work.queues {
		for _, c := range q {
			if c.comp.Kind() != compute.KindGPU || c.dst.IsReleased() {
				continue
			}
			if n := c.comp.NumOutputElements(); n > 0 && n != c.dst.NumElements() {
				c.dst.Resize(n)
			}
		}
	}
}

// upload copies the resolved data of every request into its range, chained
// sources after their parent, and flushes staging.
func (r *Registry) upload(work pending, stuck map[buffer.Source]bool) error {
	var uploaded int
	for _, req := range work.requests {
		if req.rng.IsReleased() {
			continue
		}
		owner := req.rng.Owner()
		for _, s := range req.sources {
			uploaded += r.commitSource(req.rng, owner, s, stuck)
			if c, ok := s.(buffer.Chained); ok && s.State() == buffer.StateResolved {
				for _, ch := range c.Chained() {
					uploaded += r.commitSource(req.rng, owner, ch, stuck)
				}
			}
		}
	}
	for _, s := range work.standalone {
		if stuck[s] {
			r.reportResolveError(nil, "", s, ErrUnresolved)
		}
	}

	var errs []error
	for _, g := range r.roles {
		if err := g.Strategy().Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	diag.Logger().Debug("registry: uploaded",
		slog.String("registry", r.cfg.Label),
		slog.Int("attributes", uploaded),
	)
	return errors.Join(errs...)
}

// commitSource copies one source into rng and returns 1 when it did.
func (r *Registry) commitSource(rng *aggregate.Range, owner string, s buffer.Source, stuck map[buffer.Source]bool) int {
	switch {
	case stuck[s]:
		r.reportResolveError(rng, owner, s, ErrUnresolved)
		return 0
	case s.State() == buffer.StateError:
		r.reportResolveError(rng, owner, s, s.Err())
		return 0
	case s.State() != buffer.StateResolved:
		r.reportResolveError(rng, owner, s, buffer.ErrNotResolved)
		return 0
	}
	if err := rng.CopyData(s); err != nil {
		r.reportResolveError(rng, owner, s, err)
		return 0
	}
	if n, have := s.NumElements(), rng.NumElements(); n > have {
		r.counters.Inc(perf.ResolveErrors)
		diag.Warn(r.cfg.Diagnostics, owner, s.Name(), fmt.Errorf("%w: %d elements into %d", ErrTruncated, n, have))
	}
	return 1
}

// reportResolveError emits one warning for a source whose attribute is
// dropped this frame.
func (r *Registry) reportResolveError(rng *aggregate.Range, owner string, s buffer.Source, err error) {
	if rng != nil {
		rng.SetPopulated(s.Name(), false)
	}
	r.counters.Inc(perf.ResolveErrors)
	diag.Warn(r.cfg.Diagnostics, owner, s.Name(), err)
}

// execute runs each queue in dependency order, submitting between queues.
func (r *Registry) execute(work pending) error {
	var errs []error
	for q, queue := range work.queues {
		if len(queue) == 0 {
			continue
		}
		var done []compute.Completer
		for _, c := range r.order(queue) {
			if c.dst.IsReleased() {
				if d, ok := c.comp.(interface{ Discard() }); ok {
					d.Discard()
				}
				continue
			}
			if err := c.comp.Execute(c.dst, r); err != nil {
				if isContractError(err) {
					diag.Error(r.cfg.Diagnostics, c.dst.Owner(), "", err)
					continue
				}
				errs = append(errs, err)
				continue
			}
			if cc, ok := c.comp.(compute.Completer); ok {
				done = append(done, cc)
			}
		}
		if err := r.Barrier(); err != nil {
			errs = append(errs, fmt.Errorf("queue %d: %w", q, err))
			continue
		}
		for _, cc := range done {
			cc.Complete()
		}
	}
	return errors.Join(errs...)
}

// order sorts a queue so producers of a range run before computations
// reading it. Ties keep queue order. Computations in a cycle are appended
// in queue order after the rest.
func (r *Registry) order(queue []computationRequest) []computationRequest {
	n := len(queue)
	indegree := make([]int, n)
	consumers := make([][]int, n)
	for i, producer := range queue {
		for j, consumer := range queue {
			if i == j {
				continue
			}
			if slices.Contains(consumer.comp.InputRanges(), producer.dst) {
				consumers[i] = append(consumers[i], j)
				indegree[j]++
			}
		}
	}

	out := make([]computationRequest, 0, n)
	placed := make([]bool, n)
	for len(out) < n {
		next := -1
		for i := range n {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			for i := range n {
				if !placed[i] {
					diag.Error(r.cfg.Diagnostics, queue[i].dst.Owner(), "",
						errors.New("registry: computation dependency cycle"))
					out = append(out, queue[i])
				}
			}
			break
		}
		placed[next] = true
		out = append(out, queue[next])
		for _, j := range consumers[next] {
			indegree[j]--
		}
	}
	return out
}

// isContractError reports whether err is a programming error of one
// computation rather than a device failure.
func isContractError(err error) bool {
	for _, target := range []error{
		compute.ErrUnsupportedBinding,
		compute.ErrMissingInput,
		compute.ErrMissingOutput,
		compute.ErrNoKernel,
		buffer.ErrTypeMismatch,
		aggregate.ErrNotAssigned,
		aggregate.ErrInvalidRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// startPhase opens a child span for a commit or GC phase.
func (r *Registry) startPhase(ctx context.Context, name string) (context.Context, trace.Span, time.Time) {
	ctx, span := r.tracer.Start(ctx, "registry."+name)
	return ctx, span, time.Now()
}

// endPhase closes a phase span, recording err.
func (r *Registry) endPhase(span trace.Span, name string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	r.counters.ObservePhase(name, start)
}
