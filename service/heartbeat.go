package service

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
)

// Heartbeat cadence: the status key expires after two missed beats, so a
// dead service disappears from the fabric within seconds.
var (
	heartbeatTTL    = 6 * time.Second
	heartbeatPeriod = 3 * time.Second
)

// Heartbeat maintains the service's liveness key on the broker.
type Heartbeat struct {
	conn connector.Connector
	name string

	mu     sync.Mutex
	status string
	info   messages.Params
}

// NewHeartbeat returns a Heartbeat for the named service, starting in INIT.
func NewHeartbeat(conn connector.Connector, name string) *Heartbeat {
	return &Heartbeat{conn: conn, name: name, status: messages.ServiceInit}
}

// SetStatus updates the advertised service state. The next beat carries it;
// an explicit Beat pushes it out immediately.
func (h *Heartbeat) SetStatus(status string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// SetInfo attaches free-form details to the heartbeat.
func (h *Heartbeat) SetInfo(info messages.Params) {
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

// Beat writes one liveness update: the TTL-bounded status key plus a
// notification, in one pipelined round trip.
func (h *Heartbeat) Beat(ctx context.Context) error {
	h.mu.Lock()
	var msg = &messages.ServiceStatusMessage{
		Name:   h.name,
		Status: h.status,
		Info:   h.info,
	}
	h.mu.Unlock()

	var raw, err = messages.Encode(msg)
	if err != nil {
		return err
	}
	var topic = messages.ServiceStatus(h.name)
	var pipe = h.conn.Pipeline()
	pipe.Set(topic, raw, heartbeatTTL)
	pipe.Publish(topic, raw)
	return pipe.Exec(ctx)
}

// QueueTasks queues the heartbeat loop onto |tasks|. The loop beats
// immediately, then on every tick, and lets the key expire on shutdown.
func (h *Heartbeat) QueueTasks(tasks *task.Group) {
	tasks.Queue("heartbeat "+h.name, func() error {
		return h.serve(tasks.Context())
	})
}

func (h *Heartbeat) serve(ctx context.Context) error {
	var ticker = time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"service": h.name,
				"err":     err,
			}).Warn("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
