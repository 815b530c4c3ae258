package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the user ID to form the subject.
const DefaultSubjectPrefix = "usagemeter.alerts"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes alerts as JSON on <prefix>.<user>.
type NATSSink struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("usagemeter"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s := NewNATSSink(nc, prefix)
	s.conn = nc
	return s, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the subject alerts for userID are published on.
func (s *NATSSink) Subject(userID string) string {
	return s.prefix + "." + userID
}

// Notify implements alerts.Sink.
func (s *NATSSink) Notify(_ context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	subject := s.Subject(alert.UserID)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
