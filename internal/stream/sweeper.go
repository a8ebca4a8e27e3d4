package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start runs the idle sweeper in the background.
func (m *Manager) Start() {
	m.loopDone = make(chan struct{})
	go m.sweepLoop(m.loopDone)
	m.logger.Info("Stream session sweeper started",
		zap.Duration("interval", m.cfg.SweepInterval),
		zap.Duration("idleTimeout", m.cfg.IdleTimeout))
}

// Stop halts the sweeper and ends every remaining session. It is idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		if m.loopDone != nil {
			<-m.loopDone
		}

		m.mu.Lock()
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			m.endWithReason(context.Background(), id, "shutdown")
		}
		m.logger.Info("Stream session sweeper stopped", zap.Int("endedSessions", len(ids)))
	})
}

func (m *Manager) sweepLoop(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
