package queue

import (
	"context"
	"net"
	"sync"
	"time"

	"smsrelay/internal/metrics"

	"github.com/sirupsen/logrus"
)

// DialFunc opens a connection; net.Dialer.DialContext satisfies it
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialMonitor reports connectivity by opening a TCP connection to a probe
// address. Results are cached for ttl. An empty address is always available.
type DialMonitor struct {
	address string
	ttl     time.Duration
	dial    DialFunc
	logger  *logrus.Logger

	mu        sync.Mutex
	checkedAt time.Time
	available bool
	checked   bool
}

// NewDialMonitor creates a monitor probing address with the given dial timeout
func NewDialMonitor(address string, timeout, ttl time.Duration, logger *logrus.Logger) *DialMonitor {
	dialer := &net.Dialer{Timeout: timeout}
	return NewDialMonitorWithDialer(address, ttl, dialer.DialContext, logger)
}

// NewDialMonitorWithDialer creates a monitor using a custom dial function
func NewDialMonitorWithDialer(address string, ttl time.Duration, dial DialFunc, logger *logrus.Logger) *DialMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &DialMonitor{
		address: address,
		ttl:     ttl,
		dial:    dial,
		logger:  logger,
	}
}

// Available implements NetworkMonitor
func (m *DialMonitor) Available(ctx context.Context) bool {
	if m.address == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checked && time.Since(m.checkedAt) < m.ttl {
		return m.available
	}

	available := m.probe(ctx)
	if m.checked && available != m.available {
		if available {
			m.logger.WithField("probe", m.address).Info("Network available again; resuming deliveries")
		} else {
			m.logger.WithField("probe", m.address).Warn("Network unavailable; deferring network tasks")
		}
	}
	if !available {
		metrics.IncrementCounter(metrics.QueueNetworkDown, nil, "Connectivity checks that found the network unavailable")
	}

	m.available = available
	m.checked = true
	m.checkedAt = time.Now()
	return available
}

func (m *DialMonitor) probe(ctx context.Context) bool {
	conn, err := m.dial(ctx, "tcp", m.address)
	if err != nil {
		m.logger.WithError(err).WithField("probe", m.address).Debug("Connectivity probe failed")
		return false
	}
	_ = conn.Close()
	return true
}
