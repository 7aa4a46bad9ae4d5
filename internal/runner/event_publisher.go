package runner

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Network lifecycle event types published to NATS.
const (
	EventTapCreated  = "tap.created"
	EventTapDeleted  = "tap.deleted"
	EventIPReclaimed = "ip.reclaimed"
	EventProxySwept  = "proxy.swept"
)

// NetEvent is the JSON payload published for each network lifecycle event.
type NetEvent struct {
	Type      string    `json:"type"`
	VMID      string    `json:"vm_id,omitempty"`
	RunnerID  string    `json:"runner_id"`
	Region    string    `json:"region"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher publishes network lifecycle events to NATS JetStream so the
// control plane can observe per-host plumbing without polling runners.
type EventPublisher struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	region   string
	runnerID string
}

// NewEventPublisher connects to NATS and ensures the event stream exists.
func NewEventPublisher(natsURL, region, runnerID string) (*EventPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "VM0_NET_EVENTS",
		Subjects: []string{"vm0.net.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("event_publisher: stream setup: %v", err)
	}

	return &EventPublisher{
		nc:       nc,
		js:       js,
		region:   region,
		runnerID: runnerID,
	}, nil
}

// Publish sends one event. Failures are logged, not returned: events are
// observability, never on the VM lifecycle critical path.
func (p *EventPublisher) Publish(eventType, vmID, detail string) {
	event := NetEvent{
		Type:      eventType,
		VMID:      vmID,
		RunnerID:  p.runnerID,
		Region:    p.region,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)

	subject := fmt.Sprintf("vm0.net.events.%s.%s", p.region, p.runnerID)
	if _, err := p.js.Publish(subject, data); err != nil {
		log.Printf("event_publisher: publish %s: %v", eventType, err)
	}
}

// Close closes the NATS connection.
func (p *EventPublisher) Close() {
	p.nc.Close()
}
