// Package scheduler turns validated plans into shards and drives them
// through execution, healing, and certification. Dispatch is bounded by
// a weighted semaphore shared across plans; each plan runs its own
// bookkeeping loop so one plan's stall never blocks another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"orchard/internal/certify"
	"orchard/internal/checkpoint"
	"orchard/internal/config"
	"orchard/internal/events"
	"orchard/internal/healing"
	"orchard/internal/logging"
	"orchard/internal/metrics"
	"orchard/internal/plan"
)

const (
	// reasonCertificationFailed marks plans aborted by a failed quorum.
	reasonCertificationFailed = "certification_failed"
	// reasonOperatorAbort marks plans aborted through the API.
	reasonOperatorAbort = "aborted_by_operator"
	// reasonCheckpointFailed marks plans that lost durable state.
	reasonCheckpointFailed = "checkpoint_failed"
)

// Scheduler owns plan lifecycle end to end.
type Scheduler struct {
	cfg       *config.Config
	store     checkpoint.Store
	healer    *healing.Controller
	certifier *certify.Pipeline
	router    *events.Router
	mets      *metrics.Collector
	exec      Executor

	sem *semaphore.Weighted

	mu      sync.Mutex
	plans   map[string]*planState
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// planState is the in-memory record of one active plan. All fields are
// guarded by mu; the run loop, API reads, and abort all go through it.
type planState struct {
	mu      sync.Mutex
	plan    *plan.Plan
	shards  map[int]*plan.Shard
	tracker *latencyTracker

	results  chan shardOutcome
	inFlight int
	aborted  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type shardOutcome struct {
	shard  *plan.Shard
	result string
	class  plan.FailureClass
	err    error
}

// New wires a scheduler. router and mets may be nil (tests).
func New(cfg *config.Config, store checkpoint.Store, healer *healing.Controller,
	certifier *certify.Pipeline, router *events.Router, mets *metrics.Collector, exec Executor) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		healer:    healer,
		certifier: certifier,
		router:    router,
		mets:      mets,
		exec:      exec,
		sem:       semaphore.NewWeighted(int64(cfg.Scheduler.MaxConcurrency)),
		plans:     make(map[string]*planState),
	}
}

// Start begins dispatch and rehydrates every non-terminal plan from its
// latest checkpoint. CLAIMED and RUNNING shards from a prior process
// revert to PENDING; COMPLETE shards are never re-executed.
func (sch *Scheduler) Start(ctx context.Context) error {
	sch.mu.Lock()
	if sch.running {
		sch.mu.Unlock()
		return nil
	}
	sch.ctx, sch.cancel = context.WithCancel(ctx)
	sch.running = true
	sch.mu.Unlock()

	snaps, err := sch.store.RehydrateAll(sch.ctx)
	if err != nil {
		return fmt.Errorf("rehydration failed: %w", err)
	}
	for _, snap := range snaps {
		p, err := sch.store.LoadPlan(sch.ctx, snap.PlanID)
		if err != nil {
			logging.Get(logging.CategoryScheduler).Error("Rehydrate: cannot load plan %s: %v", snap.PlanID, err)
			continue
		}
		p.Status = snap.Status
		for _, s := range snap.Shards {
			if s.Phase == plan.PhaseClaimed || s.Phase == plan.PhaseRunning {
				s.Phase = plan.PhasePending
			}
		}
		if p.Status == plan.StatusCertifying {
			// The process died mid-certification. The automatic
			// attempt was already spent; surface the failure.
			p.Status = plan.StatusRunning
		}
		ps := sch.register(p, snap.Shards)
		sch.wg.Add(1)
		go sch.runPlan(ps)
		logging.Scheduler("Rehydrated plan %s from checkpoint v%d (%d shards)", p.ID, snap.Version, len(snap.Shards))
	}
	logging.Boot("Scheduler started (max_concurrency=%d, rehydrated=%d)", sch.cfg.Scheduler.MaxConcurrency, len(snaps))
	return nil
}

// Stop halts dispatch and waits for in-flight work to unwind. Running
// plans stay RUNNING in the store and resume on the next Start.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	if !sch.running {
		sch.mu.Unlock()
		return
	}
	sch.running = false
	cancel := sch.cancel
	sch.mu.Unlock()

	cancel()
	sch.wg.Wait()
	logging.Scheduler("Scheduler stopped")
}

// Submit validates, decomposes, persists, and launches a plan. Returns
// before any shard executes.
func (sch *Scheduler) Submit(ctx context.Context, name string, stages []plan.Stage, constraints plan.Constraints) (*plan.Plan, error) {
	sch.mu.Lock()
	running := sch.running
	sch.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	p := &plan.Plan{
		ID:          plan.NewID(name),
		Name:        name,
		Stages:      stages,
		Constraints: constraints,
		Status:      plan.StatusSubmitted,
		CreatedAt:   time.Now().UTC(),
		SplitFactor: make(map[string]int),
	}

	p.Status = plan.StatusValidating
	if err := validatePlan(p, sch.cfg.Scheduler.InitialShardsPerStage, sch.cfg.Scheduler.DefaultMaxShards); err != nil {
		logging.Scheduler("Plan %s rejected: %v", p.ID, err)
		return nil, err
	}

	shards := decompose(p, sch.cfg.Scheduler.InitialShardsPerStage)
	p.Status = plan.StatusRunning

	if err := sch.store.SavePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("persisting plan %s: %w", p.ID, err)
	}
	if _, err := sch.store.WriteCheckpoint(ctx, p.ID, p.Status, shards); err != nil {
		return nil, fmt.Errorf("initial checkpoint for %s: %w", p.ID, err)
	}

	ps := sch.register(p, shards)
	sch.wg.Add(1)
	go sch.runPlan(ps)

	sch.emit("plan_submitted", p.ID, "", plan.P1, fmt.Sprintf("%d stages, %d shards", len(stages), len(shards)))
	logging.Scheduler("Plan %s submitted: %d stages, %d shards", p.ID, len(stages), len(shards))
	return p, nil
}

func (sch *Scheduler) register(p *plan.Plan, shards []*plan.Shard) *planState {
	table := make(map[int]*plan.Shard, len(shards))
	for _, s := range shards {
		table[s.Index] = s
	}
	pctx, pcancel := context.WithCancel(sch.ctx)
	ps := &planState{
		plan:    p,
		shards:  table,
		tracker: newLatencyTracker(sch.cfg.Scheduler.LatencyWindow),
		results: make(chan shardOutcome, sch.cfg.Scheduler.MaxConcurrency*2+4),
		ctx:     pctx,
		cancel:  pcancel,
		done:    make(chan struct{}),
	}
	sch.mu.Lock()
	sch.plans[p.ID] = ps
	sch.mu.Unlock()
	return ps
}

// =============================================================================
// RUN LOOP
// =============================================================================

func (sch *Scheduler) runPlan(ps *planState) {
	defer sch.wg.Done()
	defer close(ps.done)

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		sch.dispatchEligible(ps)

		ps.mu.Lock()
		counts := plan.Count(ps.tableLocked())
		inFlight := ps.inFlight
		status := ps.plan.Status
		ps.mu.Unlock()

		if status.Terminal() {
			sch.drainAndFinalize(ps)
			return
		}
		if counts.Pending == 0 && counts.Running == 0 && inFlight == 0 {
			sch.finishPlan(ps)
			return
		}

		select {
		case out := <-ps.results:
			sch.handleOutcome(ps, out)
			sch.checkpoint(ps)
			sch.updateGauges()
		case <-ps.ctx.Done():
			sch.drainAndFinalize(ps)
			return
		case <-ticker.C:
		}
	}
}

// tableLocked returns the live shard slice. Caller holds ps.mu.
func (ps *planState) tableLocked() []*plan.Shard {
	out := make([]*plan.Shard, 0, len(ps.shards))
	for _, s := range ps.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// dispatchEligible claims pending shards whose stage dependencies are
// satisfied, up to the concurrency bound.
func (sch *Scheduler) dispatchEligible(ps *planState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.aborted || ps.ctx.Err() != nil || ps.plan.Status != plan.StatusRunning {
		return
	}

	for _, s := range ps.tableLocked() {
		if s.Phase != plan.PhasePending || !ps.stageReadyLocked(s.StageID) {
			continue
		}

		// Autosplit: stages flagged by the latency tracker pre-divide
		// original shards before dispatch.
		if factor := ps.plan.SplitFactor[s.StageID]; factor >= 2 && s.ParentIndex == -1 {
			maxShards := ps.maxShardsLocked(sch.cfg.Scheduler.DefaultMaxShards)
			if children := splitShard(ps.plan, s, factor, s.HealDepth, len(ps.shards), maxShards); children != nil {
				delete(ps.shards, s.Index)
				for _, c := range children {
					ps.shards[c.Index] = c
				}
				ps.plan.TotalShards = len(ps.shards)
				if sch.mets != nil {
					sch.mets.RecordSplit()
				}
				sch.emit("shard_autosplit", ps.plan.ID, s.ShardID(), plan.P2, fmt.Sprintf("factor=%d", factor))
				continue
			}
		}

		if !sch.sem.TryAcquire(1) {
			return
		}
		s.Phase = plan.PhaseClaimed
		ps.inFlight++
		go sch.executeShard(ps, s)
	}
}

// stageReadyLocked reports whether every shard of the stage's
// dependencies is terminal. Caller holds ps.mu.
func (ps *planState) stageReadyLocked(stageID string) bool {
	st := ps.plan.Stage(stageID)
	if st == nil || len(st.DependsOn) == 0 {
		return true
	}
	depSet := make(map[string]bool, len(st.DependsOn))
	for _, d := range st.DependsOn {
		depSet[d] = true
	}
	for _, s := range ps.shards {
		if depSet[s.StageID] && !s.Phase.Terminal() {
			return false
		}
	}
	return true
}

func (ps *planState) maxShardsLocked(defaultMax int) int {
	if ps.plan.Constraints.MaxShards > 0 {
		return ps.plan.Constraints.MaxShards
	}
	return defaultMax
}

func (sch *Scheduler) executeShard(ps *planState, s *plan.Shard) {
	defer sch.sem.Release(1)

	ps.mu.Lock()
	s.Phase = plan.PhaseRunning
	s.Attempt++
	s.StartedAt = time.Now().UTC()
	slo := sch.sloFor(ps.plan.Stage(s.StageID))
	ps.mu.Unlock()

	if sch.mets != nil {
		sch.mets.RecordDispatch()
	}
	sch.emit("shard_running", ps.plan.ID, s.ShardID(), plan.P3, fmt.Sprintf("attempt=%d", s.Attempt))
	logging.SchedulerDebug("Shard %s running (attempt=%d slo=%v)", s.ShardID(), s.Attempt, slo)

	ctx, cancel := context.WithTimeout(ps.ctx, slo)
	result, err := sch.exec.Execute(ctx, s)

	out := shardOutcome{shard: s, result: result, err: err}
	if err != nil {
		out.class = classify(ctx, err)
		if out.class == plan.FailureTimeout {
			out.err = &ShardTimeoutError{ShardID: s.ShardID(), SLO: slo}
		} else {
			out.err = &ShardExecutionError{ShardID: s.ShardID(), Attempt: s.Attempt, Err: err}
		}
	}
	cancel()
	ps.results <- out
}

func (sch *Scheduler) sloFor(st *plan.Stage) time.Duration {
	if st != nil && st.SLO > 0 {
		return st.SLO
	}
	return sch.cfg.DefaultSLO()
}

func (sch *Scheduler) handleOutcome(ps *planState, out shardOutcome) {
	ps.mu.Lock()

	s := out.shard
	ps.inFlight--
	latency := time.Since(s.StartedAt)

	if out.err == nil {
		s.Phase = plan.PhaseComplete
		s.Result = out.result
		s.ResultHash = certify.HashResult(out.result)
		s.EndedAt = time.Now().UTC()
		s.Error = ""
		s.Failure = plan.FailureNone
		ps.tracker.Observe(s.StageID, latency)
		if sch.mets != nil {
			sch.mets.RecordCompleted(latency.Seconds())
		}
		sch.emit("shard_complete", ps.plan.ID, s.ShardID(), plan.P1, "")
		sch.maybeRaiseSplitFactorLocked(ps, s.StageID)
		ps.mu.Unlock()
		return
	}

	// Cancelled but not failed: an abort or shutdown interrupted the
	// shard. Revert to pending without consuming healing budget.
	if ps.ctx.Err() != nil && out.class != plan.FailureTimeout {
		s.Phase = plan.PhasePending
		s.Attempt--
		ps.mu.Unlock()
		return
	}

	s.Phase = plan.PhaseFailed
	s.Error = out.err.Error()
	s.Failure = out.class
	s.EndedAt = time.Now().UTC()
	if sch.mets != nil {
		sch.mets.RecordFailed()
	}
	sch.emit("shard_failed", ps.plan.ID, s.ShardID(), plan.P1, string(out.class))

	// The healer may sleep inside a remediation engine, so it runs on a
	// snapshot with the lock released. A failed shard is never dispatched,
	// so only the healer touches the snapshot meanwhile.
	snap := s.Clone()
	ctx := ps.ctx
	ps.mu.Unlock()

	d, healErr := sch.healer.Heal(ctx, snap)
	if healErr != nil {
		logging.Get(logging.CategoryScheduler).Warn("Healing error for shard %s: %v", s.ShardID(), healErr)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if s.Phase != plan.PhaseFailed {
		// An operator retry reset the shard while the healer ran; its
		// decision no longer applies.
		return
	}
	s.HealDepth = snap.HealDepth
	s.Evidence = snap.Evidence

	switch d.Action {
	case healing.ActionRetry:
		s.Phase = plan.PhasePending
		if sch.mets != nil {
			sch.mets.RecordHealed()
		}
		sch.emit("shard_healed", ps.plan.ID, s.ShardID(), plan.P1, d.Reason)

	case healing.ActionSplit:
		maxShards := ps.maxShardsLocked(sch.cfg.Scheduler.DefaultMaxShards)
		children := splitShard(ps.plan, s, sch.cfg.Scheduler.SplitFanout, s.HealDepth, len(ps.shards), maxShards)
		if children == nil {
			// Too narrow or over the shard cap. The failure is
			// terminal.
			sch.terminalFailureLocked(ps, s, "shard not divisible within constraints")
			return
		}
		delete(ps.shards, s.Index)
		for _, c := range children {
			ps.shards[c.Index] = c
		}
		ps.plan.TotalShards = len(ps.shards)
		if sch.mets != nil {
			sch.mets.RecordSplit()
			sch.mets.RecordHealed()
		}
		sch.emit("shard_split", ps.plan.ID, s.ShardID(), plan.P1, fmt.Sprintf("children=%d", len(children)))

	case healing.ActionFail:
		sch.terminalFailureLocked(ps, s, d.Reason)
	}
}

// maybeRaiseSplitFactorLocked applies the autosplit policy: when a
// stage's rolling p95 exceeds the threshold, its split factor rises to
// the configured fan-out. Monotonic within a plan. Caller holds ps.mu.
func (sch *Scheduler) maybeRaiseSplitFactorLocked(ps *planState, stageID string) {
	threshold := sch.cfg.AutosplitP95Threshold()
	if threshold <= 0 {
		return
	}
	if ps.tracker.P95(stageID) <= threshold {
		return
	}
	factor := sch.cfg.Scheduler.SplitFanout
	if ps.plan.SplitFactor[stageID] >= factor {
		return
	}
	ps.plan.SplitFactor[stageID] = factor
	sch.emit("stage_autosplit_enabled", ps.plan.ID, "", plan.P2,
		fmt.Sprintf("stage=%s factor=%d p95=%v", stageID, factor, ps.tracker.P95(stageID)))
	logging.Scheduler("Plan %s stage %s: p95 %v over threshold %v, split factor now %d",
		ps.plan.ID, stageID, ps.tracker.P95(stageID), threshold, factor)
}

// terminalFailureLocked marks the shard terminally failed and checks
// whether the plan can still meet its completion constraints. Caller
// holds ps.mu.
func (sch *Scheduler) terminalFailureLocked(ps *planState, s *plan.Shard, reason string) {
	s.Phase = plan.PhaseFailed
	logging.Scheduler("Shard %s terminally failed: %s", s.ShardID(), reason)

	failed := 0
	for _, sh := range ps.shards {
		if sh.Phase == plan.PhaseFailed {
			failed++
		}
	}
	if failed <= ps.plan.Constraints.TolerateFailed {
		return
	}

	ps.plan.Status = plan.StatusHalted
	ps.plan.Reason = (&GuardianHaltError{PlanID: ps.plan.ID, Reason: reason}).Error()
	if sch.mets != nil {
		sch.mets.RecordHalted()
	}
	sch.emit("plan_guardian_halted", ps.plan.ID, s.ShardID(), plan.P0, reason)
	logging.Scheduler("Plan %s guardian-halted: %s", ps.plan.ID, reason)
	ps.cancel()
}

// =============================================================================
// COMPLETION & FINALIZATION
// =============================================================================

// finishPlan runs when every shard is terminal and the plan is still
// RUNNING: certification time.
func (sch *Scheduler) finishPlan(ps *planState) {
	ps.mu.Lock()
	if ps.plan.Status != plan.StatusRunning {
		ps.mu.Unlock()
		sch.drainAndFinalize(ps)
		return
	}
	ps.plan.Status = plan.StatusCertifying
	completed := make([]*plan.Shard, 0, len(ps.shards))
	for _, s := range ps.shards {
		if s.Phase == plan.PhaseComplete {
			completed = append(completed, s.Clone())
		}
	}
	planID := ps.plan.ID
	ps.mu.Unlock()

	sch.checkpoint(ps)
	sch.emit("plan_certifying", planID, "", plan.P0, fmt.Sprintf("shards=%d", len(completed)))

	sch.certifyAndFinalize(ps, planID, completed)
}

// certifyAndFinalize runs one certification round and settles the plan
// into CERTIFIED or ABORTED.
func (sch *Scheduler) certifyAndFinalize(ps *planState, planID string, completed []*plan.Shard) {
	ctx, cancel := context.WithTimeout(context.Background(), sch.cfg.FederationTimeout()+5*time.Second)
	defer cancel()

	rec, err := sch.certifier.Certify(ctx, planID, completed)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Certification round failed for %s: %v", planID, err)
		rec = &plan.CertificationRecord{
			PlanID:    planID,
			Certified: false,
			Reason:    err.Error(),
			CreatedAt: time.Now().UTC(),
		}
	}
	if err := sch.store.SaveCertification(ctx, rec); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Saving certification for %s: %v", planID, err)
	}

	ps.mu.Lock()
	if rec.Certified {
		ps.plan.Status = plan.StatusCertified
		ps.plan.Reason = ""
	} else {
		ps.plan.Status = plan.StatusAborted
		ps.plan.Reason = reasonCertificationFailed
	}
	status := ps.plan.Status
	ps.mu.Unlock()

	sch.checkpoint(ps)
	if status == plan.StatusCertified {
		if sch.mets != nil {
			sch.mets.RecordCertified()
		}
		sch.emit("plan_certified", planID, "", plan.P0, rec.RootHash)
		logging.Scheduler("Plan %s certified (root=%s)", planID, rec.RootHash[:12])
	} else {
		if sch.mets != nil {
			sch.mets.RecordAborted()
		}
		sch.emit("plan_certification_failed", planID, "", plan.P0, rec.Reason)
		logging.Scheduler("Plan %s aborted: %s", planID, rec.Reason)
	}
	sch.updateGauges()
}

// drainAndFinalize waits for in-flight shards to unwind after a cancel
// or terminal transition, then writes the final checkpoint. In-flight
// executions are bounded by their SLO deadline, so the drain is too.
func (sch *Scheduler) drainAndFinalize(ps *planState) {
	deadline := time.After(sch.cfg.DefaultSLO() + 5*time.Second)
	for {
		ps.mu.Lock()
		inFlight := ps.inFlight
		ps.mu.Unlock()
		if inFlight == 0 {
			break
		}
		select {
		case out := <-ps.results:
			sch.handleOutcome(ps, out)
		case <-deadline:
			logging.Get(logging.CategoryScheduler).Warn("Plan %s: drain deadline exceeded with %d in flight", ps.plan.ID, inFlight)
			ps.mu.Lock()
			ps.inFlight = 0
			ps.mu.Unlock()
		}
	}

	ps.mu.Lock()
	if ps.aborted && !ps.plan.Status.Terminal() {
		ps.plan.Status = plan.StatusAborted
		ps.plan.Reason = reasonOperatorAbort
		if sch.mets != nil {
			sch.mets.RecordAborted()
		}
	}
	status := ps.plan.Status
	planID := ps.plan.ID
	ps.mu.Unlock()

	sch.checkpoint(ps)
	if status == plan.StatusAborted && ps.aborted {
		sch.emit("plan_aborted", planID, "", plan.P1, reasonOperatorAbort)
		logging.Scheduler("Plan %s aborted by operator", planID)
	}
	sch.updateGauges()
}

// checkpoint persists the plan's current shard table. A fatal write
// error ends the plan: continuing without durable state risks silent
// loss.
func (sch *Scheduler) checkpoint(ps *planState) {
	ps.mu.Lock()
	shards := make([]*plan.Shard, 0, len(ps.shards))
	for _, s := range ps.tableLocked() {
		shards = append(shards, s.Clone())
	}
	planID := ps.plan.ID
	status := ps.plan.Status
	ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := sch.store.WriteCheckpoint(ctx, planID, status, shards); err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointFatal) {
			ps.mu.Lock()
			if !ps.plan.Status.Terminal() {
				ps.plan.Status = plan.StatusAborted
				ps.plan.Reason = reasonCheckpointFailed
			}
			planCancel := ps.cancel
			ps.mu.Unlock()
			sch.emit("plan_checkpoint_fatal", planID, "", plan.P0, err.Error())
			planCancel()
		}
		logging.Get(logging.CategoryCheckpoint).Error("Checkpoint for %s failed: %v", planID, err)
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Status returns the plan's status and shard counts, consistent with
// the live table (or the latest checkpoint for plans not in memory).
func (sch *Scheduler) Status(ctx context.Context, planID string) (plan.Status, plan.Counts, error) {
	if ps := sch.lookup(planID); ps != nil {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return ps.plan.Status, plan.Count(ps.tableLocked()), nil
	}

	snap, err := sch.store.ReadLatest(ctx, planID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return "", plan.Counts{}, ErrUnknownPlan
	}
	if err != nil {
		return "", plan.Counts{}, err
	}
	return snap.Status, plan.Count(snap.Shards), nil
}

// Abort stops a plan: dispatch halts immediately, in-flight shards are
// cancelled and given one SLO window to unwind, and the final
// checkpoint reflects exactly the shards that truly completed.
func (sch *Scheduler) Abort(planID string) error {
	ps := sch.lookup(planID)
	if ps == nil {
		return ErrUnknownPlan
	}

	ps.mu.Lock()
	if ps.plan.Status.Terminal() {
		ps.mu.Unlock()
		return nil
	}
	ps.aborted = true
	// Retry swaps cancel and done under ps.mu when it clears a guardian
	// halt, so snapshot both before releasing the lock.
	cancel, done := ps.cancel, ps.done
	ps.mu.Unlock()
	cancel()

	select {
	case <-done:
	case <-time.After(sch.cfg.DefaultSLO() + 10*time.Second):
		logging.Get(logging.CategoryScheduler).Warn("Abort of %s still draining after SLO window", planID)
	}
	return nil
}

// Retry recovers a plan an operator has inspected: re-runs
// certification for plans aborted at certification, or clears a
// guardian halt and re-enqueues terminally failed shards.
func (sch *Scheduler) Retry(planID string) error {
	sch.mu.Lock()
	running := sch.running
	sch.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	ps, err := sch.reviveState(planID)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	status := ps.plan.Status
	reason := ps.plan.Reason
	ps.mu.Unlock()

	switch {
	case status == plan.StatusAborted && reason == reasonCertificationFailed:
		ps.mu.Lock()
		ps.plan.Status = plan.StatusCertifying
		ps.plan.Reason = ""
		completed := make([]*plan.Shard, 0, len(ps.shards))
		for _, s := range ps.shards {
			if s.Phase == plan.PhaseComplete {
				completed = append(completed, s.Clone())
			}
		}
		ps.mu.Unlock()
		sch.emit("plan_certifying", planID, "", plan.P0, "operator retry")
		logging.Scheduler("Plan %s: operator retry of certification", planID)
		sch.certifyAndFinalize(ps, planID, completed)
		return nil

	case status == plan.StatusHalted:
		ps.mu.Lock()
		for _, s := range ps.shards {
			if s.Phase == plan.PhaseFailed {
				s.Phase = plan.PhasePending
				s.Attempt = 0
				s.Error = ""
				s.Failure = plan.FailureNone
			}
		}
		ps.plan.Status = plan.StatusRunning
		ps.plan.Reason = ""
		ps.aborted = false
		ps.ctx, ps.cancel = context.WithCancel(sch.ctx)
		ps.done = make(chan struct{})
		ps.mu.Unlock()

		sch.checkpoint(ps)
		sch.emit("plan_retry", planID, "", plan.P1, "guardian halt cleared")
		logging.Scheduler("Plan %s: guardian halt cleared by operator", planID)
		sch.wg.Add(1)
		go sch.runPlan(ps)
		return nil

	default:
		return fmt.Errorf("%w: status=%s reason=%q", ErrNotRetryable, status, reason)
	}
}

// Report assembles the operator-facing summary.
func (sch *Scheduler) Report(ctx context.Context, planID string) (*plan.Report, error) {
	status, counts, err := sch.Status(ctx, planID)
	if err != nil {
		return nil, err
	}

	rep := &plan.Report{
		PlanID:   planID,
		Status:   status,
		Counts:   counts,
		Attempts: make(map[int]int),
	}

	if ps := sch.lookup(planID); ps != nil {
		ps.mu.Lock()
		rep.Reason = ps.plan.Reason
		for idx, s := range ps.shards {
			rep.Attempts[idx] = s.Attempt
		}
		ps.mu.Unlock()
	} else if snap, err := sch.store.ReadLatest(ctx, planID); err == nil {
		for _, s := range snap.Shards {
			rep.Attempts[s.Index] = s.Attempt
		}
	}

	rec, err := sch.store.LoadCertification(ctx, planID)
	if err == nil {
		rep.Certification = rec
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}
	return rep, nil
}

// Purge removes checkpoint versions older than the retention window.
func (sch *Scheduler) Purge(ctx context.Context) (int, error) {
	return sch.store.Purge(ctx, time.Now().Add(-sch.cfg.Retention()))
}

func (sch *Scheduler) lookup(planID string) *planState {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.plans[planID]
}

// reviveState returns the in-memory state for a plan, rebuilding it
// from the store for terminal plans dropped by a restart.
func (sch *Scheduler) reviveState(planID string) (*planState, error) {
	if ps := sch.lookup(planID); ps != nil {
		return ps, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := sch.store.LoadPlan(ctx, planID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, ErrUnknownPlan
	}
	if err != nil {
		return nil, err
	}
	snap, err := sch.store.ReadLatest(ctx, planID)
	if err != nil {
		return nil, err
	}
	p.Status = snap.Status
	if p.SplitFactor == nil {
		p.SplitFactor = make(map[string]int)
	}
	return sch.register(p, snap.Shards), nil
}

func (sch *Scheduler) emit(typ, planID, shardID string, pri plan.EventPriority, payload string) {
	if sch.router == nil {
		return
	}
	sch.router.Publish(&plan.Event{
		Type:     typ,
		PlanID:   planID,
		ShardID:  shardID,
		Priority: pri,
		Payload:  payload,
	})
}

func (sch *Scheduler) updateGauges() {
	if sch.mets == nil {
		return
	}
	sch.mu.Lock()
	states := make([]*planState, 0, len(sch.plans))
	for _, ps := range sch.plans {
		states = append(states, ps)
	}
	sch.mu.Unlock()

	var pending, running int
	for _, ps := range states {
		ps.mu.Lock()
		c := plan.Count(ps.tableLocked())
		ps.mu.Unlock()
		pending += c.Pending
		running += c.Running
	}
	sch.mets.UpdateDispatchStats(pending, running)
}
