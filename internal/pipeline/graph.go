package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/taleweaver/internal/observe"
)

// Graph construction errors.
var (
	ErrDuplicateStage    = errors.New("pipeline: duplicate stage")
	ErrUnknownDependency = errors.New("pipeline: unknown dependency")
	ErrCycle             = errors.New("pipeline: dependency cycle")
)

// StageError reports the stage that aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage is one node of a [Graph]. Run reads the outputs of the stages named
// in After and writes its own output into the shared state S.
type Stage[S any] struct {
	Name  string
	After []string
	Run   func(ctx context.Context, state S) error
}

// Graph is a validated, acyclic set of stages. It is immutable and may run
// any number of states concurrently.
type Graph[S any] struct {
	stages []Stage[S]
	order  []int
}

// NewGraph validates stages and returns the graph. Stage names must be unique
// and every dependency must name a stage of the graph.
func NewGraph[S any](stages ...Stage[S]) (*Graph[S], error) {
	index := make(map[string]int, len(stages))
	var errs []error
	for i, s := range stages {
		if _, dup := index[s.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateStage, s.Name))
			continue
		}
		index[s.Name] = i
	}
	for _, s := range stages {
		for _, dep := range s.After {
			if _, ok := index[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: %q needs %q", ErrUnknownDependency, s.Name, dep))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	order, err := topoSort(stages, index)
	if err != nil {
		return nil, err
	}
	return &Graph[S]{stages: slices.Clone(stages), order: order}, nil
}

// topoSort orders stages so every stage follows its dependencies. Among ready
// stages the one declared first wins, so a graph declared in dependency
// order runs in declaration order.
func topoSort[S any](stages []Stage[S], index map[string]int) ([]int, error) {
	pending := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	for i, s := range stages {
		pending[i] = len(s.After)
		for _, dep := range s.After {
			dependents[index[dep]] = append(dependents[index[dep]], i)
		}
	}

	order := make([]int, 0, len(stages))
	done := make([]bool, len(stages))
	for len(order) < len(stages) {
		next := -1
		for i := range stages {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, s := range stages {
				if !done[i] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return order, nil
}

// Names returns the stage names in execution order.
func (g *Graph[S]) Names() []string {
	out := make([]string, len(g.order))
	for i, idx := range g.order {
		out[i] = g.stages[idx].Name
	}
	return out
}

// Execute runs every stage against state. With concurrency 1 or less the
// stages run one at a time in [Graph.Names] order. Otherwise each stage
// starts as soon as its dependencies have finished. The first failing stage
// cancels the rest and is returned as a *[StageError].
func (g *Graph[S]) Execute(ctx context.Context, state S, concurrency int, m *observe.Metrics) error {
	if concurrency <= 1 {
		for _, idx := range g.order {
			s := g.stages[idx]
			if err := ctx.Err(); err != nil {
				return &StageError{Stage: s.Name, Err: err}
			}
			if err := runStage(ctx, s, state, m); err != nil {
				return err
			}
		}
		return nil
	}

	done := make(map[string]chan struct{}, len(g.stages))
	for _, s := range g.stages {
		done[s.Name] = make(chan struct{})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, idx := range g.order {
		s := g.stages[idx]
		eg.Go(func() error {
			for _, dep := range s.After {
				select {
				case <-done[dep]:
				case <-egCtx.Done():
					return &StageError{Stage: s.Name, Err: egCtx.Err()}
				}
			}
			if err := runStage(egCtx, s, state, m); err != nil {
				return err
			}
			close(done[s.Name])
			return nil
		})
	}
	return eg.Wait()
}

func runStage[S any](ctx context.Context, s Stage[S], state S, m *observe.Metrics) error {
	ctx, span := observe.StartSpan(ctx, "stage "+s.Name)
	defer span.End()
	span.SetAttributes(attribute.String("taleweaver.stage", s.Name))

	start := time.Now()
	err := s.Run(ctx, state)
	m.RecordStage(ctx, s.Name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		observe.Logger(ctx).Error("stage failed", "stage", s.Name, "err", err)
		return &StageError{Stage: s.Name, Err: err}
	}
	observe.Logger(ctx).Debug("stage finished", "stage", s.Name, "duration", time.Since(start))
	return nil
}
