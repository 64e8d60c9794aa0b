package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSBridge mirrors every event published on a local Bus onto a NATS
// subject, and forwards inbound NATS deliveries on that subject back into
// the local Bus. It exists for deployments that additionally want
// cross-process event fan-out; spec.md's Non-goal is horizontal *session*
// scale-out, not event transport, so this is an additive option behind
// the same Bus, never the default (a fresh Bus with no bridge behaves
// exactly like §4.10 describes).
type NATSBridge struct {
	conn    *nats.Conn
	bus     *Bus
	subject string
	sub     *nats.Subscription
}

// NewNATSBridge connects to url, subscribes to subject for inbound
// deliveries, and installs itself as bus's mirror so every event published
// locally is also published to NATS. Callers own the returned bridge and
// must Close it on shutdown.
func NewNATSBridge(bus *Bus, url, subject string) (*NATSBridge, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = "gateway.run-events"
	}
	conn, err := nats.Connect(url, nats.Name("gateway-eventbus"))
	if err != nil {
		return nil, fmt.Errorf("eventbus: nats connect: %w", err)
	}

	br := &NATSBridge{conn: conn, bus: bus, subject: subject}
	sub, err := conn.Subscribe(subject, br.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: nats subscribe: %w", err)
	}
	br.sub = sub
	bus.SetMirror(br.Publish)
	bus.SetHealthCheck(br.healthCheck)
	return br, nil
}

func (br *NATSBridge) healthCheck() error {
	if !br.conn.IsConnected() {
		return errors.New("eventbus: nats connection is not connected")
	}
	return nil
}

// Publish mirrors event onto the NATS subject as JSON. Marshal failures
// are swallowed; Bus.Publish calls this only after the local delivery
// (the authoritative path) has happened.
func (br *NATSBridge) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = br.conn.Publish(br.subject, data)
}

func (br *NATSBridge) onMessage(msg *nats.Msg) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return
	}
	br.bus.deliverLocal(event)
}

// Close tears down the NATS subscription and connection and removes the
// bridge as bus's mirror and health check.
func (br *NATSBridge) Close() error {
	br.bus.SetMirror(nil)
	br.bus.SetHealthCheck(nil)
	if br.sub != nil {
		_ = br.sub.Unsubscribe()
	}
	br.conn.Close()
	return nil
}
