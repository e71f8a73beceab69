// Package nats forwards operator notifications to a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/neomorfeo/subflow/internal/domain"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "subflow.events"

// MsgPublisher is the part of *nats.Conn the sink uses.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

var _ domain.NotificationSink = (*Sink)(nil)

// Sink implements domain.NotificationSink on a NATS connection.
type Sink struct {
	conn   MsgPublisher
	prefix string
}

func NewSink(conn MsgPublisher, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{conn: conn, prefix: prefix}
}

type message struct {
	SubscriptionID string          `json:"subscriptionId"`
	UserID         string          `json:"userId"`
	Sequence       int64           `json:"sequence"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	EmittedAt      time.Time       `json:"emittedAt"`
}

// Notify publishes the event on "<prefix>.<event type>". The Nats-Msg-Id
// header lets a JetStream stream drop redelivered notifications.
func (s *Sink) Notify(_ context.Context, event domain.DomainEvent) error {
	data, err := json.Marshal(message{
		SubscriptionID: event.SubscriptionID,
		UserID:         event.UserID,
		Sequence:       event.Sequence,
		Type:           string(event.Type),
		Payload:        event.Payload,
		EmittedAt:      event.EmittedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	msg := nats.NewMsg(s.prefix + "." + string(event.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.SubscriptionID+":"+strconv.FormatInt(event.Sequence, 10))

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// Connect dials NATS and logs connection state changes.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("subflow"),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Error("nats disconnected", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return conn, nil
}
