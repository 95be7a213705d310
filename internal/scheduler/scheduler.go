package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// InstanceStarter is the interface the scheduler uses to launch workflow
// instances. Satisfied by the executor (avoids import cycle).
type InstanceStarter interface {
	Start(ctx context.Context, workflowID string, input map[string]any, tenantID string) (*store.Instance, error)

	// IsLive reports whether the instance is executing in this process;
	// live instances run their own approval deadline timers.
	IsLive(instanceID string) bool
}

// Scheduler drives time-based work: cron-triggered workflow starts and the
// sweep that times out approvals whose instance is no longer live (after a
// restart, suspended instances have no in-process deadline timer).
type Scheduler struct {
	store   store.Store
	starter InstanceStarter
	parser  cron.Parser
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// nextRuns tracks the next fire time per scheduled workflow. Entries
	// appear the first tick a workflow is seen, so a freshly registered
	// schedule fires at its next cron slot, not immediately.
	nextMu   sync.Mutex
	nextRuns map[string]time.Time
	// lastInst holds the most recent scheduled instance per workflow;
	// a still-live previous run suppresses the next fire.
	lastInst map[string]string
}

// NewScheduler creates a scheduler with a 60s tick.
func NewScheduler(s store.Store, starter InstanceStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		now:      time.Now,
		nextRuns: make(map[string]time.Time),
		lastInst: make(map[string]string),
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: due cron triggers, then the approval
// sweep. Exported so operational tooling can force a pass.
func (s *Scheduler) Tick(ctx context.Context) {
	s.fireDueSchedules(ctx)
	s.sweepExpiredApprovals(ctx)
}

func (s *Scheduler) fireDueSchedules(ctx context.Context) {
	active := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Active: &active})
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled workflows failed", "error", err)
		return
	}

	now := s.now().UTC()
	for _, wf := range workflows {
		trigger := wf.Definition.Trigger
		if trigger == nil || trigger.Type != "schedule" {
			continue
		}
		var cfg schema.ScheduleTriggerConfig
		if err := json.Unmarshal(trigger.Config, &cfg); err != nil || cfg.Cron == "" {
			s.logger.WarnContext(ctx, "schedule trigger config invalid",
				"workflow_id", wf.ID, "error", err)
			continue
		}
		schedule, err := s.parser.Parse(cfg.Cron)
		if err != nil {
			s.logger.WarnContext(ctx, "cron expression invalid",
				"workflow_id", wf.ID, "cron", cfg.Cron, "error", err)
			continue
		}

		s.nextMu.Lock()
		next, seen := s.nextRuns[wf.ID]
		if !seen {
			s.nextRuns[wf.ID] = schedule.Next(now)
			s.nextMu.Unlock()
			continue
		}
		due := !next.After(now)
		if due {
			s.nextRuns[wf.ID] = schedule.Next(now)
		}
		prev := s.lastInst[wf.ID]
		s.nextMu.Unlock()
		if !due {
			continue
		}
		if prev != "" && s.starter.IsLive(prev) {
			s.logger.WarnContext(ctx, "scheduled fire skipped, previous run still live",
				"workflow_id", wf.ID, "instance_id", prev)
			continue
		}

		input := map[string]any{
			"trigger":      "schedule",
			"scheduled_at": next.Format(time.RFC3339),
		}
		inst, err := s.starter.Start(ctx, wf.ID, input, wf.TenantID)
		if err != nil {
			s.logger.ErrorContext(ctx, "scheduled start failed",
				"workflow_id", wf.ID, "error", err)
			continue
		}
		s.nextMu.Lock()
		s.lastInst[wf.ID] = inst.ID
		s.nextMu.Unlock()
		s.logger.InfoContext(ctx, "scheduled instance started",
			"workflow_id", wf.ID, "instance_id", inst.ID, "cron", cfg.Cron)
	}
}

// sweepExpiredApprovals resolves approvals past their deadline for
// instances with no live run, and moves those instances to timeout.
func (s *Scheduler) sweepExpiredApprovals(ctx context.Context) {
	expired, err := s.store.ListExpiredApprovals(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list expired approvals failed", "error", err)
		return
	}

	for _, ar := range expired {
		if s.starter.IsLive(ar.InstanceID) {
			continue
		}
		if err := s.store.ResolveApproval(ctx, ar.ID, store.ApprovalStatusTimedOut, "system", "deadline expired"); err != nil {
			s.logger.ErrorContext(ctx, "approval timeout resolve failed",
				"approval_id", ar.ID, "error", err)
			continue
		}
		s.timeoutInstance(ctx, ar)
		s.logger.WarnContext(ctx, "approval swept after deadline",
			"approval_id", ar.ID, "instance_id", ar.InstanceID, "node_id", ar.NodeID)
	}
}

func (s *Scheduler) timeoutInstance(ctx context.Context, ar *store.ApprovalRequest) {
	inst, err := s.store.GetInstance(ctx, ar.InstanceID)
	if err != nil {
		s.logger.ErrorContext(ctx, "swept instance lookup failed",
			"instance_id", ar.InstanceID, "error", err)
		return
	}
	if inst.Status.Terminal() {
		return
	}

	log := store.NewEventLog(s.store)
	if err := log.Record(ctx, inst.ID, ar.NodeID, schema.EventApprovalTimedOut, inst.TenantID,
		map[string]any{"approval_id": ar.ID}); err != nil {
		s.logger.ErrorContext(ctx, "approval timeout event failed", "instance_id", inst.ID, "error", err)
	}
	if err := log.Record(ctx, inst.ID, "", schema.EventInstanceTimedOut, inst.TenantID, nil); err != nil {
		s.logger.ErrorContext(ctx, "instance timeout event failed", "instance_id", inst.ID, "error", err)
	}

	status := schema.InstanceStatusTimeout
	lastError := "approval_timeout"
	now := s.now().UTC()
	err = s.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:      &status,
		LastError:   &lastError,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "swept instance update failed",
			"instance_id", inst.ID, "error", err)
	}
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
