package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/triflow/triflow/internal/expressions"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// runSequence walks one sequential chain. Nodes execute in definition
// order; a node's first Next entry overrides the successor. A false
// condition gate stops the chain and marks the rest skipped.
func (e *Executor) runSequence(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, nodes []schema.Node) error {
	return e.runSequenceWith(ctx, run, def, nodes, run.scope)
}

func (e *Executor) runSequenceWith(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, nodes []schema.Node, scope *expressions.Scope) error {
	if len(nodes) == 0 {
		return nil
	}

	index := make(map[string]int, len(nodes))
	for i := range nodes {
		index[nodes[i].ID] = i
	}

	visited := make(map[string]bool, len(nodes))
	idx := 0
	for idx < len(nodes) {
		// Cancellation is cooperative: checked between every node
		// dispatch, not only inside blocking points.
		if err := ctx.Err(); err != nil {
			return err
		}
		node := &nodes[idx]
		if visited[node.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %q revisited: next references form a cycle", node.ID).
				WithNode(node.ID)
		}
		visited[node.ID] = true

		if run.isCompleted(node.ID) {
			idx = e.nextIndex(node, index, idx)
			continue
		}

		if err := e.executeNode(ctx, run, def, node, scope); err != nil {
			if errors.Is(err, errChainStopped) {
				e.skipRemaining(ctx, run, nodes, visited)
				return errChainStopped
			}
			return err
		}

		next := e.nextIndex(node, index, idx)
		if next < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %q references unknown successor %q", node.ID, node.Next[0]).
				WithNode(node.ID)
		}
		idx = next
	}
	return nil
}

// nextIndex resolves the successor position, -1 when a Next reference does
// not resolve within the sequence.
func (e *Executor) nextIndex(node *schema.Node, index map[string]int, current int) int {
	if len(node.Next) == 0 {
		return current + 1
	}
	next, ok := index[node.Next[0]]
	if !ok {
		return -1
	}
	return next
}

// skipRemaining records skipped traces for every node of the chain that
// was neither executed nor previously completed.
func (e *Executor) skipRemaining(ctx context.Context, run *instanceRun, nodes []schema.Node, visited map[string]bool) {
	for i := range nodes {
		node := &nodes[i]
		if visited[node.ID] || run.isCompleted(node.ID) {
			continue
		}
		run.markCompleted(node.ID)
		e.recordEvent(ctx, run, node.ID, schema.EventNodeSkipped, nil)
		e.upsertTrace(ctx, &store.NodeTrace{
			InstanceID: run.inst.ID,
			NodeID:     node.ID,
			Status:     schema.NodeStatusSkipped,
		})
	}
}

// executeIfElse evaluates the branch condition once and runs exactly one
// branch in an isolated child scope, merged back on success.
func (e *Executor) executeIfElse(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.IfElseConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	taken, err := e.cond.EvaluateBool(ctx, cfg.Condition, scope.Snapshot())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"branch condition: %v", err).WithNode(node.ID).WithCause(err)
	}

	branchName := "else"
	branchNodes := node.ElseNodes
	if taken {
		branchName = "then"
		branchNodes = node.ThenNodes
	}
	e.recordEvent(ctx, run, node.ID, schema.EventBranchSelected, map[string]any{
		"condition": cfg.Condition,
		"branch":    branchName,
	})

	branch := scope.ForBranch()
	if err := e.runSequenceWith(ctx, run, def, branchNodes, branch); err != nil && !errors.Is(err, errChainStopped) {
		return nil, err
	}
	scope.MergeBranch(branch)

	return map[string]any{"branch": branchName}, nil
}

// executeLoop runs the loop body under the iteration cap. loop_index and
// loop_iteration are visible to body nodes through the shared scope.
func (e *Executor) executeLoop(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.LoopConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	limit := cfg.MaxIterations
	if limit <= 0 {
		limit = schema.DefaultLoopCap
	}
	if limit > schema.MaxLoopCap {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"loop cap %d exceeds the maximum of %d", limit, schema.MaxLoopCap).WithNode(node.ID)
	}

	iterations := 0
	capReached := false
	defer scope.ClearLoopVars()

	for {
		if cfg.LoopType == "for" && iterations >= cfg.Count {
			break
		}
		if iterations >= limit {
			capReached = true
			e.recordEvent(ctx, run, node.ID, schema.EventLoopCapReached, map[string]any{
				"cap": limit,
			})
			break
		}
		if cfg.LoopType == "while" {
			more, err := e.cond.EvaluateBool(ctx, cfg.Condition, scope.Snapshot())
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
					"loop condition: %v", err).WithNode(node.ID).WithCause(err)
			}
			if !more {
				break
			}
		}

		scope.WithLoopVars(iterations)
		e.recordEvent(ctx, run, node.ID, schema.EventLoopIterStarted, map[string]any{
			"index": iterations,
		})

		// Body nodes run fresh each iteration, so completed markers from
		// an earlier iteration must not suppress them.
		iterRun := run.withoutCompleted()
		if err := e.runSequenceWith(ctx, iterRun, def, node.LoopNodes, scope); err != nil && !errors.Is(err, errChainStopped) {
			return nil, err
		}
		iterations++
	}

	e.recordEvent(ctx, run, node.ID, schema.EventLoopCompleted, map[string]any{
		"iterations":  iterations,
		"cap_reached": capReached,
	})
	return map[string]any{"iterations": iterations, "cap_reached": capReached}, nil
}

// withoutCompleted returns a view of the run that forgets completed-node
// markers. The clone shares the run lock so approval and wait lookups
// through the registry stay synchronized with it.
func (r *instanceRun) withoutCompleted() *instanceRun {
	return &instanceRun{
		inst:      r.inst,
		scope:     r.scope,
		cancel:    r.cancel,
		done:      r.done,
		mu:        r.mu,
		completed: make(map[string]bool),
		approvals: r.approvals,
		waits:     r.waits,
	}
}

// executeParallel runs each branch concurrently in its own child scope.
// Branch scopes merge back in branch order so the result is deterministic
// regardless of completion order.
func (e *Executor) executeParallel(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.ParallelConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	branches := node.ParallelNodes
	if len(branches) == 0 {
		return map[string]any{"branches": 0}, nil
	}

	e.recordEvent(ctx, run, node.ID, schema.EventParallelStarted, map[string]any{
		"branches":  len(branches),
		"fail_fast": cfg.FailFast,
	})

	branchCtx := ctx
	var cancelBranches context.CancelFunc
	if cfg.FailFast {
		branchCtx, cancelBranches = context.WithCancel(ctx)
		defer cancelBranches()
	}

	size := e.parallelism
	if len(branches) < size {
		size = len(branches)
	}
	pool := NewWorkerPool(size)

	var mu sync.Mutex
	branchScopes := make([]*expressions.Scope, len(branches))
	branchErrs := make([]error, len(branches))

	start := time.Now()
	for i := range branches {
		i := i
		branch := scope.ForBranch()
		branchScopes[i] = branch
		err := pool.Submit(branchCtx, func(ctx context.Context) error {
			err := e.runSequenceWith(ctx, run, def, branches[i], branch)
			if err != nil && errors.Is(err, errChainStopped) {
				err = nil
			}
			mu.Lock()
			branchErrs[i] = err
			mu.Unlock()
			if err != nil && cfg.FailFast {
				cancelBranches()
			}
			return err
		})
		if err != nil {
			branchErrs[i] = err
		}
	}
	pool.Wait()
	pool.Shutdown()

	failed := make([]int, 0)
	var firstErr error
	for i, err := range branchErrs {
		if err != nil {
			failed = append(failed, i)
			if firstErr == nil || errors.Is(firstErr, context.Canceled) {
				firstErr = err
			}
			continue
		}
		scope.MergeBranch(branchScopes[i])
	}

	e.recordEvent(ctx, run, node.ID, schema.EventParallelCompleted, map[string]any{
		"branches":    len(branches),
		"failed":      len(failed),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if firstErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"%d of %d parallel branches failed: %v", len(failed), len(branches), firstErr).
			WithNode(node.ID).WithCause(firstErr).
			WithDetails(map[string]any{"failed_branches": failed})
	}
	return map[string]any{"branches": len(branches)}, nil
}
