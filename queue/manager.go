package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultHistoryDepth bounds the queue history when the config names no
// other depth.
const defaultHistoryDepth = 50

// Config tunes the queue manager.
type Config struct {
	// HistoryDepth bounds the finished-item history, in memory and on the
	// broker. Zero means 50.
	HistoryDepth int
}

// Manager owns every named queue of one scan server. It consumes accepted
// requests from the insert topic and state changes from the modification
// topic, and set-and-publishes the full queue snapshot on every mutation so
// that clients can always recover the current state with a single read.
type Manager struct {
	conn    connector.Connector
	asm     *assembler.Assembler
	alarmer *alarms.Publisher
	depth   int

	mu      sync.Mutex
	queues  map[string]*Queue
	cancels []connector.CancelFunc
}

// NewManager returns a Manager with one empty default queue.
func NewManager(conn connector.Connector, asm *assembler.Assembler, alarmer *alarms.Publisher, cfg Config) *Manager {
	var depth = cfg.HistoryDepth
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	var m = &Manager{
		conn:    conn,
		asm:     asm,
		alarmer: alarmer,
		depth:   depth,
		queues:  make(map[string]*Queue),
	}
	m.queues[DefaultQueue] = newQueue(DefaultQueue, m)
	return m
}

// Queue returns the named queue, creating it on first use.
func (m *Manager) Queue(name string) *Queue {
	if name == "" {
		name = DefaultQueue
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var q, ok = m.queues[name]
	if !ok {
		q = newQueue(name, m)
		m.queues[name] = q
	}
	return q
}

// Start subscribes the manager to the insert and modification topics and
// publishes the initial (empty) snapshot.
func (m *Manager) Start(ctx context.Context) error {
	var onInsert = func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.ScanQueueMessage](mo.Value)
		if err != nil {
			m.log().WithField("err", err).Warn("dropping undecodable queue insert")
			return
		}
		if err = m.Insert(ctx, msg); err != nil {
			m.log().WithFields(log.Fields{
				"rid": msg.Meta().RID(),
				"err": err,
			}).Error("failed to enqueue accepted request")
		}
	}
	var onModification = func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.ScanQueueModificationMessage](mo.Value)
		if err != nil {
			m.log().WithField("err", err).Warn("dropping undecodable queue modification")
			return
		}
		if err = m.Modify(ctx, msg); err != nil {
			m.log().WithFields(log.Fields{
				"action": msg.Action,
				"err":    err,
			}).Error("failed to apply queue modification")
		}
	}

	var cancelInsert, err = m.conn.Subscribe(ctx, messages.QueueInsert(), onInsert)
	if err != nil {
		return fmt.Errorf("subscribing to queue inserts: %w", err)
	}
	cancelMod, err := m.conn.Subscribe(ctx, messages.QueueModificationRequest(), onModification)
	if err != nil {
		cancelInsert()
		return fmt.Errorf("subscribing to queue modifications: %w", err)
	}
	m.mu.Lock()
	m.cancels = append(m.cancels, cancelInsert, cancelMod)
	m.mu.Unlock()

	return m.PublishStatus(ctx)
}

// Stop detaches the manager from the broker. Queues and their items are
// retained.
func (m *Manager) Stop() {
	m.mu.Lock()
	var cancels = m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Insert enqueues one accepted request. Assembly failures raise a MAJOR
// alarm: the guard has already answered the request, so an alarm is the only
// path left to the waiting client.
func (m *Manager) Insert(ctx context.Context, msg *messages.ScanQueueMessage) error {
	var q = m.Queue(msg.Queue)
	var item, err = q.add(msg)
	if err != nil {
		insertsTotal.WithLabelValues("rejected").Inc()
		var alarmErr = m.alarmer.Raise(ctx, messages.SeverityMajor, "ScanAbortion",
			map[string]string{"RID": msg.Meta().RID()},
			messages.Params{"error": err.Error()},
			msg.Metadata,
		)
		if alarmErr != nil {
			m.log().WithField("err", alarmErr).Error("failed to raise insert alarm")
		}
		return fmt.Errorf("assembling request: %w", err)
	}
	insertsTotal.WithLabelValues("accepted").Inc()

	m.log().WithFields(log.Fields{
		"rid":      msg.Meta().RID(),
		"scanType": msg.ScanType,
		"queue":    q.Name(),
		"queueID":  item.QueueID(),
	}).Info("enqueued scan request")

	m.publish(ctx)
	return nil
}

// Modify applies one modification request: pause, deferred_pause, continue,
// resume, abort, halt, clear or restart. Modifications naming scanIDs are
// routed to the queues holding them; the rest apply everywhere.
func (m *Manager) Modify(ctx context.Context, msg *messages.ScanQueueModificationMessage) error {
	modificationsTotal.WithLabelValues(msg.Action).Inc()
	m.log().WithFields(log.Fields{
		"action":  msg.Action,
		"scanIDs": []string(msg.ScanID),
	}).Info("applying queue modification")

	var err error
	switch msg.Action {
	case messages.ActionPause:
		for _, q := range m.targets(msg.ScanID) {
			q.pause(false)
		}
	case messages.ActionDeferredPause:
		for _, q := range m.targets(msg.ScanID) {
			q.pause(true)
		}
	case messages.ActionContinue, messages.ActionResume:
		for _, q := range m.targets(msg.ScanID) {
			q.resume()
		}
	case messages.ActionAbort:
		for _, q := range m.targets(msg.ScanID) {
			q.abort(ctx, msg.ScanID, false)
		}
	case messages.ActionHalt:
		for _, q := range m.targets(msg.ScanID) {
			q.abort(ctx, msg.ScanID, true)
		}
	case messages.ActionClear:
		for _, q := range m.targets(msg.ScanID) {
			q.clear(ctx)
		}
	case messages.ActionRestart:
		err = m.restart(ctx, msg)
	default:
		err = fmt.Errorf("unknown queue modification action %q", msg.Action)
	}

	m.publish(ctx)
	return err
}

// restart rebuilds the addressed item on its queue and answers the RID its
// parameters carry, so the requester can follow the rebuilt item like any
// other request.
func (m *Manager) restart(ctx context.Context, msg *messages.ScanQueueModificationMessage) error {
	var rid, _ = msg.Parameter.String("RID")

	var target *Queue
	for _, q := range m.allQueues() {
		if q.holdsAny(msg.ScanID) {
			target = q
			break
		}
	}
	if target == nil {
		var cause = fmt.Sprintf("no queue item found for scanIDs %v", []string(msg.ScanID))
		m.respond(ctx, rid, false, cause)
		return fmt.Errorf("restart: %s", cause)
	}

	var item, err = target.restart(ctx, msg.ScanID)
	if err != nil {
		m.respond(ctx, rid, false, err.Error())
		return fmt.Errorf("restart: %w", err)
	}
	m.log().WithFields(log.Fields{
		"queue":   target.Name(),
		"queueID": item.QueueID(),
	}).Info("restarted queue item")

	m.respond(ctx, rid, true, "restarting queue item "+item.QueueID())
	return nil
}

// PublishStatus set-and-publishes the snapshot of every queue.
func (m *Manager) PublishStatus(ctx context.Context) error {
	var snapshot = make(map[string]messages.QueueSnapshot)
	for name, q := range m.allQueuesByName() {
		snapshot[name] = q.Snapshot()
	}
	var raw, err = messages.Encode(&messages.ScanQueueStatusMessage{Queue: snapshot})
	if err != nil {
		return fmt.Errorf("encoding queue status: %w", err)
	}
	if err = m.conn.SetAndPublish(ctx, messages.QueueStatus(), raw); err != nil {
		return fmt.Errorf("publishing queue status: %w", err)
	}
	return nil
}

// History returns up to |n| finished items from the broker history list,
// newest first. n <= 0 returns the full retained history.
func (m *Manager) History(ctx context.Context, n int) ([]messages.QueueItemInfo, error) {
	var stop = int64(n) - 1
	if n <= 0 {
		stop = -1
	}
	var raws, err = m.conn.LRange(ctx, messages.QueueHistory(), 0, stop)
	if err != nil {
		return nil, fmt.Errorf("reading queue history: %w", err)
	}
	var out = make([]messages.QueueItemInfo, 0, len(raws))
	for _, raw := range raws {
		var info messages.QueueItemInfo
		if err = msgpack.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decoding queue history entry: %w", err)
		}
		out = append(out, info)
	}
	return out, nil
}

// exportHistory prepends one finished item to the broker history list and
// trims it to the configured depth in the same round trip.
func (m *Manager) exportHistory(ctx context.Context, info messages.QueueItemInfo) error {
	var raw, err = msgpack.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}
	var p = m.conn.Pipeline()
	p.LPush(messages.QueueHistory(), raw)
	p.LTrim(messages.QueueHistory(), 0, int64(m.depth)-1)
	if err = p.Exec(ctx); err != nil {
		return fmt.Errorf("writing queue history: %w", err)
	}
	return nil
}

// respond publishes an accept/reject decision for |rid| on the request
// response topic.
func (m *Manager) respond(ctx context.Context, rid string, accepted bool, message string) {
	if rid == "" {
		return
	}
	var msg = &messages.RequestResponseMessage{
		Accepted: accepted,
		Message:  message,
		Metadata: messages.Metadata{messages.MetaRID: rid},
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		m.log().WithField("err", err).Error("failed to encode request response")
		return
	}
	if err = m.conn.Publish(ctx, messages.QueueRequestResponse(), raw); err != nil {
		m.log().WithFields(log.Fields{
			"rid": rid,
			"err": err,
		}).Error("failed to publish request response")
	}
}

// targets returns the queues a modification applies to: those holding any
// of |scanIDs|, or every queue when none are named or none match.
func (m *Manager) targets(scanIDs []string) []*Queue {
	var all = m.allQueues()
	if len(scanIDs) == 0 {
		return all
	}
	var out []*Queue
	for _, q := range all {
		if q.holdsAny(scanIDs) {
			out = append(out, q)
		}
	}
	if out == nil {
		return all
	}
	return out
}

func (m *Manager) allQueues() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

func (m *Manager) allQueuesByName() map[string]*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make(map[string]*Queue, len(m.queues))
	for name, q := range m.queues {
		out[name] = q
	}
	return out
}

// publish is PublishStatus for mutation paths, which must not fail on a
// broker hiccup: the next mutation re-publishes the full state anyway.
func (m *Manager) publish(ctx context.Context) {
	if err := m.PublishStatus(ctx); err != nil {
		m.log().WithField("err", err).Error("failed to publish queue status")
	}
}

func (m *Manager) log() *log.Entry {
	return log.WithField("component", "queue")
}
