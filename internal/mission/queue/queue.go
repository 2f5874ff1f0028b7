// Package queue implements the priority mission queue: ordered admission,
// dependency gating, retry with backoff, adaptive timeout enforcement, and
// crash recovery from the store.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/store"
)

const (
	// DefaultMaxSize bounds the number of in-flight missions held in memory.
	DefaultMaxSize = 1000
	// DefaultTimeoutMs is assigned when a mission omits its budget.
	DefaultTimeoutMs = 300000
	// DefaultMaxRetries is assigned when a mission omits its retry cap.
	DefaultMaxRetries = 3

	// checkpointWindow is how recent a heartbeat must be to count as progress.
	checkpointWindow = 60 * time.Second
	// extensionThreshold triggers an extension when the deadline is this close.
	extensionThreshold = 30 * time.Second
	// extensionAmount is added to the budget of a mission showing progress.
	extensionAmount = int64(60000)
)

var (
	// ErrQueueFull signals backpressure; the submitter should slow down.
	ErrQueueFull = errors.New("mission queue is full")
	// ErrDependencyCycle rejects an enqueue or dependency edit that would
	// make the dependency graph cyclic.
	ErrDependencyCycle = errors.New("dependency cycle detected")
	// ErrMissionNotFound reports an unknown mission id.
	ErrMissionNotFound = errors.New("mission not found")
	// ErrInvalidMission rejects admission of a malformed mission.
	ErrInvalidMission = errors.New("invalid mission")
)

// Queue is the priority mission queue. All mutation goes through its lock;
// clones are handed out so callers never see shared mutable state.
type Queue struct {
	mu       sync.Mutex
	missions map[string]*models.Mission
	order    entryHeap

	// seq grows for normal admission; headSeq shrinks so retried missions
	// sort before everything already in their priority band.
	seq     int64
	headSeq int64

	maxSize int
	gateway store.Gateway
	log     *logger.Logger

	checkpoints map[string]time.Time
	retryTimers map[string]*time.Timer

	enforcerStop chan struct{}
	enforcerWG   sync.WaitGroup
}

// New creates a queue backed by the given gateway. maxSize <= 0 selects the
// default.
func New(gateway store.Gateway, maxSize int, log *logger.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Queue{
		missions:    make(map[string]*models.Mission),
		maxSize:     maxSize,
		gateway:     gateway,
		log:         log.Component("mission-queue"),
		checkpoints: make(map[string]time.Time),
		retryTimers: make(map[string]*time.Timer),
	}
}

// Enqueue admits a mission. Missing fields receive defaults, the dependency
// graph is checked for cycles, and the mission lands queued or blocked
// depending on whether its dependencies are complete. Returns the mission id.
func (q *Queue) Enqueue(ctx context.Context, m *models.Mission) (string, error) {
	if m == nil || m.Prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidMission)
	}
	if m.Priority == "" {
		m.Priority = models.PriorityNormal
	} else if _, err := models.ParsePriority(string(m.Priority)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMission, err)
	}
	if m.Type == "" {
		m.Type = models.TypeGeneral
	} else if _, err := models.ParseMissionType(string(m.Type)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMission, err)
	}
	if m.TimeoutMs <= 0 {
		m.TimeoutMs = DefaultTimeoutMs
	}
	if m.MaxRetries < 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.activeCount() >= q.maxSize {
		return "", ErrQueueFull
	}
	if _, exists := q.missions[m.ID]; exists {
		return "", fmt.Errorf("%w: duplicate mission id %s", ErrInvalidMission, m.ID)
	}
	if q.wouldCycle(m.ID, m.DependsOn) {
		return "", ErrDependencyCycle
	}

	if q.depsCompleted(m.DependsOn) {
		m.Status = models.StatusQueued
	} else {
		m.Status = models.StatusBlocked
	}

	if err := q.gateway.SaveMission(ctx, m); err != nil {
		return "", err
	}

	q.missions[m.ID] = m
	if m.Status == models.StatusQueued {
		q.pushTail(m)
	}

	q.log.Debug("mission enqueued",
		zap.String("mission_id", m.ID),
		zap.String("priority", string(m.Priority)),
		zap.String("status", string(m.Status)))
	return m.ID, nil
}

// Dequeue claims the highest-priority ready mission for the given agent.
// Missions claimed elsewhere are skipped. Returns nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, agentID int64) (*models.Mission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*entry
	defer func() {
		for _, e := range skipped {
			heap.Push(&q.order, e)
		}
	}()

	for q.order.Len() > 0 {
		e := heap.Pop(&q.order).(*entry)
		m, ok := q.missions[e.missionID]
		if !ok || m.Status != models.StatusQueued {
			// Stale slot: the mission was cancelled, blocked, or claimed
			// through another path. Drop it.
			continue
		}
		if !q.depsCompleted(m.DependsOn) {
			skipped = append(skipped, e)
			continue
		}

		executionID := uuid.New().String()
		claim, err := q.gateway.AtomicClaim(ctx, m.ID, agentID, executionID)
		if err != nil {
			skipped = append(skipped, e)
			return nil, err
		}
		if !claim.Success {
			// Claimed by another process between our load and now. Sync the
			// in-memory copy from the winner's row so it carries the claiming
			// agent and execution id, not just a bare running status.
			q.log.Warn("mission claimed elsewhere, skipping", zap.String("mission_id", m.ID))
			if fresh, gerr := q.gateway.GetMission(ctx, m.ID); gerr == nil {
				m.Status = fresh.Status
				m.AssignedTo = fresh.AssignedTo
				m.ExecutionID = fresh.ExecutionID
				m.StartedAt = fresh.StartedAt
			} else {
				m.Status = models.StatusRunning
			}
			continue
		}

		now := time.Now().UTC()
		m.Status = models.StatusRunning
		m.AssignedTo = &agentID
		m.ExecutionID = executionID
		m.StartedAt = &now
		return m.Clone(), nil
	}
	return nil, nil
}

// Peek returns the mission Dequeue would claim next, without claiming it.
func (q *Queue) Peek() *models.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.order {
		m, ok := q.missions[e.missionID]
		if !ok || m.Status != models.StatusQueued || !q.depsCompleted(m.DependsOn) {
			continue
		}
		if best == -1 || q.order.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return q.missions[q.order[best].missionID].Clone()
}

// Complete finishes a mission and unblocks any dependents whose dependency
// sets are now fully completed. Completing an already-terminal mission is a
// no-op.
func (q *Queue) Complete(ctx context.Context, id string, result *models.MissionResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if m.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	m.Status = models.StatusCompleted
	m.CompletedAt = &now
	m.Result = result
	delete(q.checkpoints, id)

	if err := q.gateway.UpdateMissionStatus(ctx, id, models.StatusCompleted, store.MissionUpdate{
		CompletedAt: &now,
		Result:      result,
	}); err != nil {
		return err
	}

	q.unblockDependents(ctx, id)
	return nil
}

// Fail records a failure. Recoverable failures with retry budget left are
// delegated to Retry; everything else is terminal.
func (q *Queue) Fail(ctx context.Context, id string, missionErr *models.MissionError) error {
	q.mu.Lock()
	m, ok := q.missions[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	recoverable := missionErr != nil && missionErr.Recoverable && m.RetryCount < m.MaxRetries
	q.mu.Unlock()

	if recoverable {
		return q.Retry(ctx, id, missionErr)
	}
	return q.failTerminal(ctx, id, missionErr)
}

// Retry increments the retry count, parks the mission in retrying, and
// schedules re-insertion at the head of its priority band after the backoff
// delay. A retry past the budget becomes a terminal failure.
func (q *Queue) Retry(ctx context.Context, id string, missionErr *models.MissionError) error {
	q.mu.Lock()
	m, ok := q.missions[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if m.RetryCount >= m.MaxRetries {
		q.mu.Unlock()
		return q.failTerminal(ctx, id, missionErr)
	}

	m.RetryCount++
	m.Status = models.StatusRetrying
	m.Error = missionErr
	delete(q.checkpoints, id)

	delay := time.Duration(m.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = CalculateBackoff(m.RetryCount, BackoffBase, BackoffMax)
	}
	retryCount := m.RetryCount

	if err := q.gateway.UpdateMissionStatus(ctx, id, models.StatusRetrying, store.MissionUpdate{
		RetryCount: &m.RetryCount,
		Error:      missionErr,
	}); err != nil {
		q.mu.Unlock()
		return err
	}

	q.retryTimers[id] = time.AfterFunc(delay, func() { q.requeueAfterRetry(id) })
	q.mu.Unlock()

	q.log.Info("mission scheduled for retry",
		zap.String("mission_id", id),
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay))
	return nil
}

// requeueAfterRetry fires when the backoff delay elapses. If the mission is
// still retrying, it re-enters the queue at the head of its priority band
// with the previous attempt's binding cleared.
func (q *Queue) requeueAfterRetry(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.retryTimers, id)
	m, ok := q.missions[id]
	if !ok || m.Status != models.StatusRetrying {
		return
	}

	m.Status = models.StatusQueued
	m.AssignedTo = nil
	m.StartedAt = nil
	m.ExecutionID = ""

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.gateway.UpdateMissionStatus(ctx, id, models.StatusQueued, store.MissionUpdate{
		ClearAssignment: true,
		ClearStartedAt:  true,
		ClearExecution:  true,
	}); err != nil {
		q.log.Error("failed to persist retry requeue", zap.String("mission_id", id), zap.Error(err))
	}
	q.pushHead(m)
}

func (q *Queue) failTerminal(ctx context.Context, id string, missionErr *models.MissionError) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if m.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	m.Status = models.StatusFailed
	m.CompletedAt = &now
	m.Error = missionErr
	delete(q.checkpoints, id)

	if err := q.gateway.UpdateMissionStatus(ctx, id, models.StatusFailed, store.MissionUpdate{
		CompletedAt: &now,
		Error:       missionErr,
	}); err != nil {
		return err
	}
	q.log.Warn("mission failed terminally", zap.String("mission_id", id))
	return nil
}

// unblockDependents promotes blocked missions whose dependencies are all
// completed. Caller holds the lock.
func (q *Queue) unblockDependents(ctx context.Context, completedID string) {
	for _, m := range q.missions {
		if m.Status != models.StatusBlocked {
			continue
		}
		depends := false
		for _, dep := range m.DependsOn {
			if dep == completedID {
				depends = true
				break
			}
		}
		if !depends || !q.depsCompleted(m.DependsOn) {
			continue
		}
		m.Status = models.StatusQueued
		if err := q.gateway.UpdateMissionStatus(ctx, m.ID, models.StatusQueued, store.MissionUpdate{}); err != nil {
			q.log.Error("failed to persist unblock", zap.String("mission_id", m.ID), zap.Error(err))
			m.Status = models.StatusBlocked
			continue
		}
		q.pushTail(m)
		q.log.Debug("mission unblocked", zap.String("mission_id", m.ID))
	}
}

// SetPriority moves a mission to a new priority band.
func (q *Queue) SetPriority(ctx context.Context, id string, p models.Priority) error {
	if _, err := models.ParsePriority(string(p)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMission, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if m.Priority == p {
		return nil
	}
	if err := q.gateway.UpdateMissionStatus(ctx, id, m.Status, store.MissionUpdate{Priority: &p}); err != nil {
		return err
	}
	m.Priority = p
	for i, e := range q.order {
		if e.missionID == id {
			e.rank = p.Rank()
			heap.Fix(&q.order, i)
			break
		}
	}
	return nil
}

// AddDependency adds an edge and re-blocks the mission if the dependency is
// not completed. Rejects edges that would create a cycle.
func (q *Queue) AddDependency(ctx context.Context, id, dependsOn string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	for _, dep := range m.DependsOn {
		if dep == dependsOn {
			return nil
		}
	}
	if q.wouldCycle(id, append(append([]string(nil), m.DependsOn...), dependsOn)) {
		return ErrDependencyCycle
	}

	m.DependsOn = append(m.DependsOn, dependsOn)
	if m.Status == models.StatusQueued && !q.depsCompleted(m.DependsOn) {
		m.Status = models.StatusBlocked
		q.removeEntry(id)
	}
	return q.gateway.SaveMission(ctx, m)
}

// RemoveDependency drops an edge and unblocks the mission if it is now ready.
func (q *Queue) RemoveDependency(ctx context.Context, id, dependsOn string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	filtered := m.DependsOn[:0]
	for _, dep := range m.DependsOn {
		if dep != dependsOn {
			filtered = append(filtered, dep)
		}
	}
	m.DependsOn = filtered
	if m.Status == models.StatusBlocked && q.depsCompleted(m.DependsOn) {
		m.Status = models.StatusQueued
		q.pushTail(m)
	}
	return q.gateway.SaveMission(ctx, m)
}

// IsReady reports whether the mission is queued with all dependencies completed.
func (q *Queue) IsReady(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.missions[id]
	return ok && m.Status == models.StatusQueued && q.depsCompleted(m.DependsOn)
}

// GetMission returns a clone of the mission, or nil if unknown.
func (q *Queue) GetMission(id string) *models.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.missions[id]; ok {
		return m.Clone()
	}
	return nil
}

// GetBlocked returns all blocked missions.
func (q *Queue) GetBlocked() []*models.Mission {
	return q.GetByStatus(models.StatusBlocked)
}

// GetByStatus returns clones of all missions in the given status.
func (q *Queue) GetByStatus(status models.Status) []*models.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Mission
	for _, m := range q.missions {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	return out
}

// GetByPriority returns clones of all missions in the given priority band.
func (q *Queue) GetByPriority(p models.Priority) []*models.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Mission
	for _, m := range q.missions {
		if m.Priority == p {
			out = append(out, m.Clone())
		}
	}
	return out
}

// GetRetryCount returns the mission's retry count, or -1 if unknown.
func (q *Queue) GetRetryCount(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.missions[id]; ok {
		return m.RetryCount
	}
	return -1
}

// SetRetryDelay pins a fixed retry delay, overriding exponential backoff.
func (q *Queue) SetRetryDelay(id string, delayMs int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	m.RetryDelayMs = delayMs
	return nil
}

// UpdateStatus force-transitions a mission, persisting the change. Intended
// for administrative corrections; normal flow uses the dedicated operations.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	if _, err := models.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMission, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if err := q.gateway.UpdateMissionStatus(ctx, id, status, store.MissionUpdate{}); err != nil {
		return err
	}
	prev := m.Status
	m.Status = status
	if prev == models.StatusQueued && status != models.StatusQueued {
		q.removeEntry(id)
	} else if prev != models.StatusQueued && status == models.StatusQueued {
		q.pushTail(m)
	}
	return nil
}

// Cancel transitions a non-terminal mission to cancelled and returns its
// last known state so the caller can signal the assigned agent.
func (q *Queue) Cancel(ctx context.Context, id string) (*models.Mission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if m.Status.IsTerminal() {
		return m.Clone(), nil
	}

	if t, ok := q.retryTimers[id]; ok {
		t.Stop()
		delete(q.retryTimers, id)
	}
	delete(q.checkpoints, id)

	now := time.Now().UTC()
	if err := q.gateway.UpdateMissionStatus(ctx, id, models.StatusCancelled, store.MissionUpdate{
		CompletedAt: &now,
	}); err != nil {
		return nil, err
	}
	snapshot := m.Clone()
	m.Status = models.StatusCancelled
	m.CompletedAt = &now
	q.removeEntry(id)
	return snapshot, nil
}

// ExtendTimeout adds additionalMs to an in-flight mission's budget.
func (q *Queue) ExtendTimeout(id string, additionalMs int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	m.TimeoutMs += additionalMs
	return nil
}

// RecordCheckpoint notes heartbeat activity for a running mission. The
// timeout enforcer uses it to extend budgets of missions showing progress.
func (q *Queue) RecordCheckpoint(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkpoints[id] = time.Now().UTC()
}

// Cleanup drops in-memory records of terminal missions older than the
// threshold. Persisted rows are untouched.
func (q *Queue) Cleanup(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, m := range q.missions {
		if !m.Status.IsTerminal() {
			continue
		}
		finished := m.CreatedAt
		if m.CompletedAt != nil {
			finished = *m.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(q.missions, id)
			delete(q.checkpoints, id)
			removed++
		}
	}
	return removed
}

// LoadFromDb reconstructs the in-memory state from the store at startup.
// Missions persisted as running were interrupted by a crash: their binding
// is cleared and they re-enter the queue so the next dequeue assigns a
// fresh execution id.
func (q *Queue) LoadFromDb(ctx context.Context) error {
	missions, err := q.gateway.LoadPendingMissions(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for _, m := range missions {
		switch m.Status {
		case models.StatusRunning:
			m.Status = models.StatusQueued
			m.AssignedTo = nil
			m.StartedAt = nil
			m.ExecutionID = ""
			if err := q.gateway.UpdateMissionStatus(ctx, m.ID, models.StatusQueued, store.MissionUpdate{
				ClearAssignment: true,
				ClearStartedAt:  true,
				ClearExecution:  true,
			}); err != nil {
				return err
			}
			recovered++
		case models.StatusRetrying, models.StatusPending:
			// The backoff timer did not survive the restart; requeue now.
			m.Status = models.StatusQueued
			if err := q.gateway.UpdateMissionStatus(ctx, m.ID, models.StatusQueued, store.MissionUpdate{}); err != nil {
				return err
			}
		}

		q.missions[m.ID] = m
		if m.Status == models.StatusQueued {
			q.pushTail(m)
		}
	}

	q.log.Info("queue recovered from store",
		zap.Int("missions", len(missions)),
		zap.Int("interrupted", recovered))
	return nil
}

// Size returns the number of non-terminal missions held in memory.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount()
}

// QueuedCount returns the number of missions currently in status queued.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.missions {
		if m.Status == models.StatusQueued {
			n++
		}
	}
	return n
}

// Close stops pending retry timers and the enforcer.
func (q *Queue) Close() {
	q.StopTimeoutEnforcement()
	q.mu.Lock()
	for id, t := range q.retryTimers {
		t.Stop()
		delete(q.retryTimers, id)
	}
	q.mu.Unlock()
}

// --- internal helpers (caller holds q.mu) ---

func (q *Queue) activeCount() int {
	n := 0
	for _, m := range q.missions {
		if !m.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (q *Queue) depsCompleted(deps []string) bool {
	for _, dep := range deps {
		d, ok := q.missions[dep]
		if !ok || d.Status != models.StatusCompleted {
			return false
		}
	}
	return true
}

// wouldCycle reports whether adding the mission with the given dependencies
// creates a cycle in the dependency graph.
func (q *Queue) wouldCycle(id string, deps []string) bool {
	visited := map[string]bool{}
	var visit func(string) bool
	visit = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		m, ok := q.missions[cur]
		if !ok {
			return false
		}
		for _, dep := range m.DependsOn {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if visit(dep) {
			return true
		}
	}
	return false
}

func (q *Queue) pushTail(m *models.Mission) {
	q.seq++
	heap.Push(&q.order, &entry{missionID: m.ID, rank: m.Priority.Rank(), seq: q.seq})
}

func (q *Queue) pushHead(m *models.Mission) {
	q.headSeq--
	heap.Push(&q.order, &entry{missionID: m.ID, rank: m.Priority.Rank(), seq: q.headSeq})
}

func (q *Queue) removeEntry(id string) {
	for i, e := range q.order {
		if e.missionID == id {
			heap.Remove(&q.order, i)
			return
		}
	}
}
