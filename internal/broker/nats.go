package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"agentlisten/internal/model"
)

const DefaultSubjectPrefix = "agentlisten"

// NATSBroadcaster publishes room payloads to NATS so every instance of the
// service can deliver them to its local subscribers.
type NATSBroadcaster struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
	sub    *nats.Subscription
}

func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATSBroadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("agentlisten"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to nats", zap.String("url", url))
	return NewNATS(nc, prefix, logger), nil
}

func NewNATS(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSBroadcaster {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBroadcaster{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject payloads for groupID are published on.
func (n *NATSBroadcaster) Subject(groupID string) string {
	return n.prefix + ".group." + groupID
}

func groupFromSubject(prefix, subject string) (string, bool) {
	return strings.CutPrefix(subject, prefix+".group.")
}

func (n *NATSBroadcaster) SendToGroup(_ context.Context, groupID string, p model.Payload) error {
	if groupID == "" {
		return fmt.Errorf("missing group id")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := n.conn.Publish(n.Subject(groupID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", n.Subject(groupID), err)
	}
	return nil
}

// Relay subscribes to every group subject and forwards decoded payloads to
// local, typically the in-process room broker.
func (n *NATSBroadcaster) Relay(local Broadcaster) error {
	sub, err := n.conn.Subscribe(n.prefix+".group.*", func(msg *nats.Msg) {
		groupID, ok := groupFromSubject(n.prefix, msg.Subject)
		if !ok {
			return
		}
		var p model.Payload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			n.logger.Warn("undecodable relay payload", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := local.SendToGroup(context.Background(), groupID, p); err != nil {
			n.logger.Warn("relay delivery failed", zap.String("group_id", groupID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.group.*: %w", n.prefix, err)
	}
	n.sub = sub
	return nil
}

func (n *NATSBroadcaster) Connected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

func (n *NATSBroadcaster) Close() error {
	if n.sub != nil {
		if err := n.sub.Unsubscribe(); err != nil {
			n.logger.Warn("nats unsubscribe failed", zap.Error(err))
		}
	}
	if n.conn != nil {
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
			return err
		}
	}
	return nil
}
