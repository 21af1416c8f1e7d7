package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/requests"
)

// escalationWindow is the span within which a repeated interrupt escalates a
// deferred pause into an immediate one.
var escalationWindow = 10 * time.Second

// InterruptController turns user interrupts into queue actions. A single
// interrupt asks for the gentle variant; a second one arriving inside the
// escalation window means the user is insisting, and escalates.
type InterruptController struct {
	mu     sync.Mutex
	last   time.Time
	window time.Duration
	now    func() time.Time
}

// NewInterruptController returns a controller with the default window.
func NewInterruptController() *InterruptController {
	return &InterruptController{window: escalationWindow, now: time.Now}
}

// Resolve maps one interrupt to a queue action. |deferred| asks for a pause
// at the next safe point; repeated interrupts within the window escalate it
// to an immediate pause.
func (ic *InterruptController) Resolve(deferred bool) string {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	var now = ic.now()
	var escalate = !ic.last.IsZero() && now.Sub(ic.last) < ic.window
	ic.last = now

	if !deferred || escalate {
		return messages.ActionPause
	}
	return messages.ActionDeferredPause
}

// Reset forgets the escalation history, typically after a continuation.
func (ic *InterruptController) Reset() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.last = time.Time{}
}

// QueueFacade is the client's window onto the scan queue. It keeps the
// correlator fed from the queue's published traffic and issues modification
// requests.
type QueueFacade struct {
	conn       connector.Connector
	corr       *requests.Correlator
	interrupts *InterruptController

	mu      sync.Mutex
	cancels []connector.CancelFunc
}

// NewQueueFacade returns an unstarted facade feeding |corr|.
func NewQueueFacade(conn connector.Connector, corr *requests.Correlator) *QueueFacade {
	return &QueueFacade{
		conn:       conn,
		corr:       corr,
		interrupts: NewInterruptController(),
	}
}

func (q *QueueFacade) log() *log.Entry {
	return log.WithField("component", "client-queue")
}

// Start subscribes the facade to the queue's published traffic.
func (q *QueueFacade) Start(ctx context.Context) error {
	var subs = []struct {
		topic string
		cb    connector.Callback
	}{
		{messages.QueueRequest(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanQueueMessage](mo.Value); err == nil {
				q.corr.UpdateWithRequest(msg)
			}
		}},
		{messages.QueueRequestResponse(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.RequestResponseMessage](mo.Value); err == nil {
				q.corr.UpdateWithResponse(msg)
			}
		}},
		{messages.QueueStatus(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanQueueStatusMessage](mo.Value); err == nil {
				q.corr.UpdateWithQueueStatus(msg)
			}
		}},
		{messages.ScanStatus(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanStatusMessage](mo.Value); err == nil {
				q.corr.UpdateWithScanStatus(msg)
			}
		}},
		{messages.ScanSegment(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanMessage](mo.Value); err == nil {
				q.corr.AddSegment(msg)
			}
		}},
	}
	for _, sub := range subs {
		var cancel, err = q.conn.Subscribe(ctx, sub.topic, sub.cb)
		if err != nil {
			q.Stop()
			return fmt.Errorf("subscribing to %s: %w", sub.topic, err)
		}
		q.mu.Lock()
		q.cancels = append(q.cancels, cancel)
		q.mu.Unlock()
	}
	return nil
}

// Stop detaches the facade from the broker.
func (q *QueueFacade) Stop() {
	q.mu.Lock()
	var cancels = q.cancels
	q.cancels = nil
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Current returns the latest queue snapshot per queue name.
func (q *QueueFacade) Current() map[string]messages.QueueSnapshot {
	return q.corr.CurrentQueue()
}

// RequestScanInterruption pauses the running scan. With |deferred| the pause
// waits for the next safe point, unless a recent interrupt escalates it.
func (q *QueueFacade) RequestScanInterruption(ctx context.Context, deferred bool, scanIDs ...string) error {
	return q.modify(ctx, q.interrupts.Resolve(deferred), scanIDs, nil)
}

// RequestScanAbortion aborts the named scans, or the running one.
func (q *QueueFacade) RequestScanAbortion(ctx context.Context, scanIDs ...string) error {
	return q.modify(ctx, messages.ActionAbort, scanIDs, nil)
}

// RequestScanContinuation resumes a paused queue.
func (q *QueueFacade) RequestScanContinuation(ctx context.Context, scanIDs ...string) error {
	q.interrupts.Reset()
	return q.modify(ctx, messages.ActionContinue, scanIDs, nil)
}

// RequestQueueReset aborts everything and empties the queue.
func (q *QueueFacade) RequestQueueReset(ctx context.Context) error {
	q.interrupts.Reset()
	return q.modify(ctx, messages.ActionClear, nil, nil)
}

// RequestScanHalt aborts without cleanup instructions.
func (q *QueueFacade) RequestScanHalt(ctx context.Context, scanIDs ...string) error {
	return q.modify(ctx, messages.ActionHalt, scanIDs, nil)
}

// RequestScanRestart reruns the named scan under a fresh RID.
func (q *QueueFacade) RequestScanRestart(ctx context.Context, scanID string, params messages.Params) error {
	return q.modify(ctx, messages.ActionRestart, []string{scanID}, params)
}

func (q *QueueFacade) modify(ctx context.Context, action string, scanIDs []string, params messages.Params) error {
	var msg = &messages.ScanQueueModificationMessage{
		ScanID:    messages.Strings(scanIDs),
		Action:    action,
		Parameter: params,
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", action, err)
	}
	if err = q.conn.Publish(ctx, messages.QueueModificationRequest(), raw); err != nil {
		return fmt.Errorf("publishing %s request: %w", action, err)
	}
	q.log().WithFields(log.Fields{
		"action":  action,
		"scanIDs": scanIDs,
	}).Info("requested queue modification")
	return nil
}
