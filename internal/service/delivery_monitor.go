package service

import (
	"context"
	"strings"
	"time"

	"smsrelay/internal/metrics"
	"smsrelay/internal/queue"

	"github.com/sirupsen/logrus"
)

// QueueCounter reports queue depth
type QueueCounter interface {
	Counts(ctx context.Context) (map[queue.State]int, error)
	InFlight() int
}

var monitoredStates = []queue.State{
	queue.StatePending,
	queue.StateRunning,
	queue.StateSucceeded,
	queue.StateFailed,
	queue.StateCancelled,
}

// DeliveryMonitor publishes per-state task gauges and warns when the pending
// backlog grows past backlogThreshold
type DeliveryMonitor struct {
	queue            QueueCounter
	checkInterval    time.Duration
	backlogThreshold int
	logger           *logrus.Logger
	stopCh           chan struct{}
}

func NewDeliveryMonitor(q QueueCounter, checkInterval time.Duration, backlogThreshold int, logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		queue:            q,
		checkInterval:    checkInterval,
		backlogThreshold: backlogThreshold,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":    m.checkInterval,
		"backlog_threshold": m.backlogThreshold,
	}).Info("Starting delivery monitor")

	m.checkQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkQueue(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeliveryMonitor) checkQueue(ctx context.Context) {
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to count queued tasks")
		return
	}

	for _, state := range monitoredStates {
		labels := map[string]string{"state": strings.ToLower(string(state))}
		metrics.SetGauge(metrics.QueueDepth, float64(counts[state]), labels, "Tasks by state")
	}
	metrics.SetGauge(metrics.QueueInFlight, float64(m.queue.InFlight()), nil, "Attempts currently executing")

	pending := counts[queue.StatePending]
	if m.backlogThreshold > 0 && pending >= m.backlogThreshold {
		m.logger.WithFields(logrus.Fields{
			"pending":   pending,
			"threshold": m.backlogThreshold,
		}).Warn("Forward backlog is growing; check connectivity and the relay server")
	}
}
