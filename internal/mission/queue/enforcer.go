package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/mission/models"
)

// DefaultEnforcementInterval is how often running missions are scanned.
const DefaultEnforcementInterval = 5 * time.Second

// StartTimeoutEnforcement begins the periodic scan of running missions.
// Missions past their budget fail with a recoverable timeout; missions close
// to the deadline but showing recent checkpoint activity get their budget
// extended instead.
func (q *Queue) StartTimeoutEnforcement(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultEnforcementInterval
	}

	q.mu.Lock()
	if q.enforcerStop != nil {
		q.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	q.enforcerStop = stop
	q.mu.Unlock()

	q.enforcerWG.Add(1)
	go func() {
		defer q.enforcerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				q.enforceTimeouts()
			}
		}
	}()
	q.log.Info("timeout enforcement started", zap.Duration("interval", interval))
}

// StopTimeoutEnforcement halts the periodic scan.
func (q *Queue) StopTimeoutEnforcement() {
	q.mu.Lock()
	stop := q.enforcerStop
	q.enforcerStop = nil
	q.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	q.enforcerWG.Wait()
}

// enforceTimeouts runs one scan pass.
func (q *Queue) enforceTimeouts() {
	now := time.Now().UTC()

	var expired []string
	var extended []string

	q.mu.Lock()
	for id, m := range q.missions {
		if m.Status != models.StatusRunning || m.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*m.StartedAt)
		budget := time.Duration(m.TimeoutMs) * time.Millisecond

		checkpoint, hasCheckpoint := q.checkpoints[id]
		progressing := hasCheckpoint && now.Sub(checkpoint) <= checkpointWindow

		if progressing && budget-elapsed <= extensionThreshold {
			m.TimeoutMs += extensionAmount
			extended = append(extended, id)
			continue
		}
		if elapsed > budget {
			expired = append(expired, id)
		}
	}
	q.mu.Unlock()

	for _, id := range extended {
		q.log.Info("timeout extended for progressing mission",
			zap.String("mission_id", id),
			zap.Int64("extension_ms", extensionAmount))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range expired {
		q.log.Warn("mission exceeded timeout", zap.String("mission_id", id))
		err := q.Fail(ctx, id, models.NewMissionError(models.FailureTimeout, "mission exceeded its timeout budget"))
		if err != nil {
			q.log.Error("failed to time out mission", zap.String("mission_id", id), zap.Error(err))
		}
	}
}
