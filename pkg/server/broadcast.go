package server

import (
	"log/slog"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Broadcaster delivers a message to each recipient independently. Delivery is
// a non-blocking enqueue per session, so a stalled or closed recipient neither
// aborts nor delays the others. Failures are logged and counted, never returned.
type Broadcaster struct {
	metrics *Metrics
}

// NewBroadcaster creates a broadcaster recording failures into m.
func NewBroadcaster(m *Metrics) *Broadcaster {
	return &Broadcaster{metrics: m}
}

// Send delivers msg to every recipient and returns how many accepted it.
func (b *Broadcaster) Send(msg model.Message, recipients []*Session) int {
	return b.SendExcluding(msg, recipients, nil)
}

// SendExcluding delivers msg to all sessions except excluded.
func (b *Broadcaster) SendExcluding(msg model.Message, all []*Session, excluded *Session) int {
	delivered := 0
	for _, s := range all {
		if s == excluded {
			continue
		}
		if err := s.Send(msg); err != nil {
			if b.metrics != nil {
				b.metrics.DeliveryFailures.Add(1)
			}
			slog.Debug("broadcast delivery failed", "user", s.Name(), "session", s.ID, "kind", msg.Kind, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}
