// Package alarms is the out-of-band error surface of the fabric. Services
// raise alarms through a Publisher, which pairs the keyed write with a
// notification so the latest alarm is always recoverable; clients collect
// them in a Handler, a bounded stack from which alarms of sufficient
// severity are surfaced to the caller while lesser ones accumulate until
// inspected or cleared.
package alarms

import (
	"context"
	"fmt"
	"sync"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
)

// stackDepth bounds the handler's alarm stack. Older alarms fall off.
const stackDepth = 100

// Alarm is one received alarm together with its handled state. An Alarm is
// also a Go error, so severe alarms can be returned up synchronous call
// paths (a blocking scan poll, a config round trip) as-is.
type Alarm struct {
	msg     *messages.AlarmMessage
	handled bool
}

// Severity returns the alarm's severity rank.
func (a *Alarm) Severity() messages.Severity { return a.msg.Severity }

// Type returns the alarm type, e.g. "FailedMovement" or "WriterError".
func (a *Alarm) Type() string { return a.msg.AlarmType }

// Source identifies the raising service and, where known, the offending
// device or instruction.
func (a *Alarm) Source() map[string]string { return a.msg.Source }

// Content carries the alarm's free-form detail map.
func (a *Alarm) Content() messages.Params { return a.msg.Content }

// Message returns the underlying wire message.
func (a *Alarm) Message() *messages.AlarmMessage { return a.msg }

// Error renders the alarm as one line: severity, type, source, and detail.
func (a *Alarm) Error() string {
	var detail, _ = a.msg.Content.String("error")
	if detail == "" {
		detail = fmt.Sprint(map[string]any(a.msg.Content))
	}
	return fmt.Sprintf("%s alarm %s from %v: %s",
		a.msg.Severity, a.msg.AlarmType, a.msg.Source, detail)
}

// Handler collects alarms delivered over the broker into a bounded stack,
// newest first. It is safe for concurrent use.
type Handler struct {
	mu     sync.Mutex
	stack  []*Alarm
	cancel connector.CancelFunc
}

// NewHandler returns an empty Handler. Call Start to attach it to a broker.
func NewHandler() *Handler { return &Handler{} }

// Start subscribes the handler to the alarm topic. Alarms arriving before
// Start are not recovered; callers needing the last alarm can Get it from
// the keyed value the Publisher maintains.
func (h *Handler) Start(ctx context.Context, conn connector.Connector) error {
	var cancel, err = conn.Subscribe(ctx, messages.Alarms(), func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.AlarmMessage](mo.Value)
		if err != nil {
			log.WithField("err", err).Warn("dropping undecodable alarm")
			return
		}
		h.Add(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to alarms: %w", err)
	}
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return nil
}

// Stop detaches the handler from the broker. The stack is retained.
func (h *Handler) Stop() {
	h.mu.Lock()
	var cancel = h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Add pushes one alarm onto the stack, evicting the oldest if full.
func (h *Handler) Add(msg *messages.AlarmMessage) {
	alarmsReceivedTotal.WithLabelValues(msg.Severity.String()).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stack = append([]*Alarm{{msg: msg}}, h.stack...)
	if len(h.stack) > stackDepth {
		h.stack = h.stack[:stackDepth]
	}
}

// Unhandled returns all un-handled alarms of severity |min| or above,
// newest first. The alarms remain un-handled.
func (h *Handler) Unhandled(min messages.Severity) []*Alarm {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Alarm
	for _, a := range h.stack {
		if !a.handled && a.msg.Severity >= min {
			out = append(out, a)
		}
	}
	return out
}

// Next pops the newest un-handled alarm of severity |min| or above, marking
// it handled, or returns nil if there is none.
func (h *Handler) Next(min messages.Severity) *Alarm {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, a := range h.stack {
		if !a.handled && a.msg.Severity >= min {
			a.handled = true
			return a
		}
	}
	return nil
}

// Len returns the number of stacked alarms, handled or not.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stack)
}

// Clear drops all stacked alarms.
func (h *Handler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stack = nil
}
