// Package flow runs protect, restore and delete over checkpoints. It is the
// only place where the resource graph, the protection plugins and the
// checkpoint lifecycle meet.
package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/correlation"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/protectable"
	"pkt.systems/bankd/internal/protection"
)

// TracerName is the instrumentation scope of flow spans.
const TracerName = "pkt.systems/bankd/flow"

// Plan is what Protect takes a checkpoint of.
type Plan = checkpoint.Plan

var (
	// ErrNotAvailable is returned when restoring a checkpoint that is not
	// available.
	ErrNotAvailable = errors.New("flow: checkpoint not available")
	// ErrInvalidState is returned when a checkpoint cannot move to the
	// status an operation needs.
	ErrInvalidState = errors.New("flow: invalid checkpoint state")
)

// Engine wires a checkpoint collection to the plugin registries.
type Engine struct {
	checkpoints  *checkpoint.Collection
	protectables *protectable.Registry
	protections  *protection.Registry
	logger       pslog.Logger
	tracer       trace.Tracer
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Plugins find it on the context.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer overrides the otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// New returns an Engine.
func New(checkpoints *checkpoint.Collection, protectables *protectable.Registry, protections *protection.Registry, opts ...Option) *Engine {
	e := &Engine{
		checkpoints:  checkpoints,
		protectables: protectables,
		protections:  protections,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logutil.Ensure(e.logger)
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	return e
}

// Checkpoints returns the collection the engine writes to.
func (e *Engine) Checkpoints() *checkpoint.Collection { return e.checkpoints }

// begin ensures a correlation id, attaches a logger to ctx and opens a span.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, pslog.Logger, trace.Span) {
	ctx = correlation.Ensure(ctx)
	cid := correlation.ID(ctx)
	logger := logutil.WithSubsystem(e.logger, "flow").With("cid", cid)
	ctx = pslog.ContextWithLogger(ctx, logger)
	attrs = append(attrs, attribute.String("bankd.correlation_id", cid))
	ctx, span := e.tracer.Start(ctx, "bankd.flow."+op, trace.WithAttributes(attrs...))
	return ctx, logger, span
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Protect expands plan into a graph, takes a checkpoint and protects every
// resource with dependencies first. Once the checkpoint exists any failure
// leaves it in the error status; the returned view reflects that.
func (e *Engine) Protect(ctx context.Context, plan Plan) (view checkpoint.View, err error) {
	ctx, logger, span := e.begin(ctx, "protect", attribute.String("bankd.plan_id", plan.ID))
	defer func() { end(span, err) }()

	roots, err := e.protectables.BuildGraph(ctx, plan.Resources)
	if err != nil {
		logger.Warn("flow.protect.graph_error", "plan_id", plan.ID, "error", err)
		return checkpoint.View{}, fmt.Errorf("flow: protect plan %s: %w", plan.ID, err)
	}
	nodes := graph.Flatten(roots)
	// Refuse plans with unhandled types before anything is written.
	for _, n := range nodes {
		if _, err := e.protections.For(n.Value.Type); err != nil {
			return checkpoint.View{}, fmt.Errorf("flow: protect plan %s: %w", plan.ID, err)
		}
	}

	cp, err := e.checkpoints.Create(ctx, plan)
	if err != nil {
		return checkpoint.View{}, fmt.Errorf("flow: protect plan %s: %w", plan.ID, err)
	}
	span.SetAttributes(attribute.String("bankd.checkpoint_id", cp.ID()))
	logger = logger.With("checkpoint_id", cp.ID())
	logger.Info("flow.protect.begin", "plan_id", plan.ID, "resources", len(nodes))

	if err := e.protect(ctx, cp, roots, nodes); err != nil {
		e.markError(ctx, logger, cp)
		logger.Warn("flow.protect.error", "error", err)
		return cp.View(), err
	}
	cp.SetStatus(checkpoint.StatusAvailable)
	if err := cp.Commit(ctx); err != nil {
		e.markError(ctx, logger, cp)
		logger.Warn("flow.protect.commit_error", "error", err)
		return cp.View(), fmt.Errorf("flow: protect %s: %w", cp.ID(), err)
	}
	logger.Info("flow.protect.success")
	return cp.View(), nil
}

func (e *Engine) protect(ctx context.Context, cp *checkpoint.Checkpoint, roots, nodes []*graph.Node) error {
	if err := cp.SetResourceGraph(roots); err != nil {
		return fmt.Errorf("flow: protect %s: %w", cp.ID(), err)
	}
	if err := cp.Commit(ctx); err != nil {
		return fmt.Errorf("flow: protect %s: %w", cp.ID(), err)
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		plugin, err := e.protections.For(n.Value.Type)
		if err != nil {
			return err
		}
		sec, err := cp.ResourceSectionFor(n.Value)
		if err != nil {
			return fmt.Errorf("flow: protect %s: %w", n.Value, err)
		}
		pc := protection.Context{Checkpoint: cp, Node: n, Section: sec}
		if err := protection.SetStatus(ctx, pc.Section, checkpoint.StatusProtecting); err != nil {
			return fmt.Errorf("flow: protect %s: %w", n.Value, err)
		}
		if err := plugin.Protect(ctx, pc); err != nil {
			_ = protection.SetStatus(ctx, pc.Section, checkpoint.StatusError)
			return fmt.Errorf("flow: protect %s: %w", n.Value, err)
		}
		if err := protection.SetStatus(ctx, pc.Section, checkpoint.StatusAvailable); err != nil {
			return fmt.Errorf("flow: protect %s: %w", n.Value, err)
		}
	}
	return nil
}

// markError commits the error status. Failures are logged only; the caller
// is already returning the error that got it here.
func (e *Engine) markError(ctx context.Context, logger pslog.Logger, cp *checkpoint.Checkpoint) {
	cp.SetStatus(checkpoint.StatusError)
	if err := cp.Commit(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("flow.status.commit_error", "status", checkpoint.StatusError, "error", err)
	}
}

// Restore hands every protected resource of an available checkpoint to its
// plugin, dependencies first.
func (e *Engine) Restore(ctx context.Context, id string) (view checkpoint.View, err error) {
	ctx, logger, span := e.begin(ctx, "restore", attribute.String("bankd.checkpoint_id", id))
	defer func() { end(span, err) }()
	logger = logger.With("checkpoint_id", id)

	cp, err := e.checkpoints.Get(ctx, id)
	if err != nil {
		return checkpoint.View{}, fmt.Errorf("flow: restore %s: %w", id, err)
	}
	if cp.Status() != checkpoint.StatusAvailable {
		return cp.View(), fmt.Errorf("%w: %s is %s", ErrNotAvailable, id, cp.Status())
	}
	roots, err := cp.ResourceGraph()
	if err != nil {
		return cp.View(), fmt.Errorf("flow: restore %s: %w", id, err)
	}
	nodes := graph.Flatten(roots)
	logger.Info("flow.restore.begin", "resources", len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return cp.View(), err
		}
		plugin, err := e.protections.For(n.Value.Type)
		if err != nil {
			return cp.View(), fmt.Errorf("flow: restore %s: %w", id, err)
		}
		sec, err := cp.ResourceSectionFor(n.Value)
		if err != nil {
			return cp.View(), fmt.Errorf("flow: restore %s: %w", n.Value, err)
		}
		pc := protection.Context{Checkpoint: cp, Node: n, Section: sec}
		if err := plugin.Restore(ctx, pc.ReadOnly()); err != nil {
			logger.Warn("flow.restore.error", "resource", n.Value.String(), "error", err)
			return cp.View(), fmt.Errorf("flow: restore %s: %w", n.Value, err)
		}
	}
	logger.Info("flow.restore.success")
	return cp.View(), nil
}

// Delete moves a checkpoint to deleting, lets every plugin drop its payloads
// with dependents first, and purges the checkpoint. A checkpoint already in
// deleting may be deleted again to finish an interrupted run, and one left in
// protecting by a lost run can be torn down. Any failure after the deleting
// commit leaves the checkpoint in the error status.
func (e *Engine) Delete(ctx context.Context, id string) (view checkpoint.View, err error) {
	ctx, logger, span := e.begin(ctx, "delete", attribute.String("bankd.checkpoint_id", id))
	defer func() { end(span, err) }()
	logger = logger.With("checkpoint_id", id)

	cp, err := e.checkpoints.Get(ctx, id)
	if err != nil {
		return checkpoint.View{}, fmt.Errorf("flow: delete %s: %w", id, err)
	}
	status := cp.Status()
	if status != checkpoint.StatusDeleting && !checkpoint.ValidTransition(status, checkpoint.StatusDeleting) {
		return cp.View(), fmt.Errorf("%w: cannot delete %s while %s", ErrInvalidState, id, status)
	}
	cp.SetStatus(checkpoint.StatusDeleting)
	if err := cp.Commit(ctx); err != nil {
		return cp.View(), fmt.Errorf("flow: delete %s: %w", id, err)
	}
	roots, err := cp.ResourceGraph()
	if err != nil {
		e.markError(ctx, logger, cp)
		return cp.View(), fmt.Errorf("flow: delete %s: %w", id, err)
	}
	nodes := graph.Flatten(roots)
	slices.Reverse(nodes)
	logger.Info("flow.delete.begin", "resources", len(nodes))
	for _, n := range nodes {
		if err := e.deleteResource(ctx, cp, n); err != nil {
			e.markError(ctx, logger, cp)
			logger.Warn("flow.delete.error", "resource", n.Value.String(), "error", err)
			return cp.View(), err
		}
	}
	view, err = cp.Delete(ctx)
	if err != nil {
		e.markError(ctx, logger, cp)
		logger.Warn("flow.delete.purge_error", "error", err)
		return cp.View(), fmt.Errorf("flow: delete %s: %w", id, err)
	}
	logger.Info("flow.delete.success")
	return view, nil
}

func (e *Engine) deleteResource(ctx context.Context, cp *checkpoint.Checkpoint, n *graph.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plugin, err := e.protections.For(n.Value.Type)
	if err != nil {
		return fmt.Errorf("flow: delete %s: %w", n.Value, err)
	}
	sec, err := cp.ResourceSectionFor(n.Value)
	if err != nil {
		return fmt.Errorf("flow: delete %s: %w", n.Value, err)
	}
	pc := protection.Context{Checkpoint: cp, Node: n, Section: sec}
	if err := protection.SetStatus(ctx, pc.Section, checkpoint.StatusDeleting); err != nil {
		return fmt.Errorf("flow: delete %s: %w", n.Value, err)
	}
	if err := plugin.Delete(ctx, pc); err != nil {
		_ = protection.SetStatus(ctx, pc.Section, checkpoint.StatusError)
		return fmt.Errorf("flow: delete %s: %w", n.Value, err)
	}
	if err := protection.SetStatus(ctx, pc.Section, checkpoint.StatusDeleted); err != nil {
		return fmt.Errorf("flow: delete %s: %w", n.Value, err)
	}
	return nil
}
