// Package bundler reassembles the device-server's per-device readings into
// point-indexed scan segments. It follows scan lifecycle statuses to learn
// which devices a scan reads at every point, collects readings as they
// arrive, and hands each completed row and the one-shot baseline to its
// registered emitters. Readings for scans the bundler never saw open are
// dropped.
package bundler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
)

// Scan is the bundler's view of one open scan, shared with emitters.
type Scan struct {
	ScanID string
	// Info is the scan-status payload published at open.
	Info messages.Params
	// Metadata is the scan's request metadata.
	Metadata messages.Metadata
	// Monitored names the devices read at every point. A row is complete
	// once each of them delivered its reading.
	Monitored []string
}

// Emitter consumes assembled scan data. Emitters run on the bundler's
// delivery goroutine and must not block on broker reads of their own topic.
type Emitter interface {
	// OnScanOpen announces a newly opened scan.
	OnScanOpen(ctx context.Context, scan *Scan)
	// OnScanPoint delivers one completed row.
	OnScanPoint(ctx context.Context, scan *Scan, pointID int64, data messages.DeviceData)
	// OnBaseline delivers the scan's one-shot baseline reading.
	OnBaseline(ctx context.Context, scan *Scan, data messages.DeviceData)
	// OnScanClose announces that the scan closed and its rows are drained.
	OnScanClose(ctx context.Context, scan *Scan)
}

// scanState is the bundler's working storage for one scan.
type scanState struct {
	scan *Scan

	// points maps pointID to the row assembled so far; emitted marks rows
	// already handed to the emitters.
	points  map[int64]messages.DeviceData
	emitted map[int64]struct{}

	// baselinePending shrinks as baseline devices deliver; the baseline
	// emits once, when it empties.
	baselinePending map[string]struct{}
	baseline        messages.DeviceData
	baselineSent    bool

	closed bool
}

// Bundler collects device readings into scan segments.
type Bundler struct {
	conn     connector.Connector
	reg      *devices.Registry
	emitters []Emitter

	mu      sync.Mutex
	scans   map[string]*scanState
	cancels []connector.CancelFunc
}

// New returns a Bundler delivering to |emitters| in order.
func New(conn connector.Connector, reg *devices.Registry, emitters ...Emitter) *Bundler {
	return &Bundler{
		conn:     conn,
		reg:      reg,
		emitters: emitters,
		scans:    make(map[string]*scanState),
	}
}

func (b *Bundler) log() *log.Entry {
	return log.WithField("component", "bundler")
}

// Start subscribes the bundler to scan statuses and to every device's read
// topic.
func (b *Bundler) Start(ctx context.Context) error {
	var onStatus = func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.ScanStatusMessage](mo.Value)
		if err != nil {
			b.log().WithField("err", err).Warn("dropping undecodable scan status")
			return
		}
		b.handleScanStatus(ctx, msg)
	}
	var onRead = func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.DeviceMessage](mo.Value)
		if err != nil {
			b.log().WithField("err", err).Warn("dropping undecodable device reading")
			return
		}
		b.handleReading(ctx, deviceOfReadTopic(mo.Topic), msg)
	}

	var cancelStatus, err = b.conn.Subscribe(ctx, messages.ScanStatus(), onStatus)
	if err != nil {
		return fmt.Errorf("subscribing to scan status: %w", err)
	}
	cancelRead, err := b.conn.PSubscribe(ctx, messages.DeviceRead("*"), onRead)
	if err != nil {
		cancelStatus()
		return fmt.Errorf("subscribing to device readings: %w", err)
	}
	b.mu.Lock()
	b.cancels = append(b.cancels, cancelStatus, cancelRead)
	b.mu.Unlock()
	return nil
}

// Stop detaches the bundler from the broker. Open scan storages are retained.
func (b *Bundler) Stop() {
	b.mu.Lock()
	var cancels = b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// handleScanStatus opens storage for a fresh scan and retires it once the
// scan ended and its last pending row emitted.
func (b *Bundler) handleScanStatus(ctx context.Context, msg *messages.ScanStatusMessage) {
	if msg.ScanID == "" {
		return
	}
	switch msg.Status {
	case messages.ScanStatusOpen:
		b.openScan(ctx, msg)
	case messages.ScanStatusClosed, messages.ScanStatusAborted:
		b.closeScan(ctx, msg.ScanID)
	}
}

func (b *Bundler) openScan(ctx context.Context, msg *messages.ScanStatusMessage) {
	var motors = msg.Info.Strings("scan_motors")
	var ov = devices.OverrideFromParams(msg.Info.Map("readout_priority"))
	var scan = &Scan{
		ScanID:    msg.ScanID,
		Info:      msg.Info,
		Metadata:  msg.Meta().Copy(),
		Monitored: devices.Names(b.reg.Monitored(motors, ov)),
	}
	var state = &scanState{
		scan:            scan,
		points:          make(map[int64]messages.DeviceData),
		emitted:         make(map[int64]struct{}),
		baselinePending: make(map[string]struct{}),
		baseline:        make(messages.DeviceData),
	}
	for _, name := range devices.Names(b.reg.Baseline(motors, ov)) {
		state.baselinePending[name] = struct{}{}
	}

	b.mu.Lock()
	b.scans[msg.ScanID] = state
	b.mu.Unlock()

	b.log().WithFields(log.Fields{
		"scanID":    msg.ScanID,
		"monitored": len(scan.Monitored),
	}).Info("scan opened")
	for _, e := range b.emitters {
		e.OnScanOpen(ctx, scan)
	}
}

// closeScan marks the scan finished. Storage lives on while rows are still
// assembling; the last completed row retires it.
func (b *Bundler) closeScan(ctx context.Context, scanID string) {
	b.mu.Lock()
	var state, ok = b.scans[scanID]
	if !ok {
		b.mu.Unlock()
		return
	}
	state.closed = true
	var done = !state.hasPartialRows()
	if done {
		delete(b.scans, scanID)
	}
	b.mu.Unlock()

	if done {
		b.finish(ctx, state)
	}
}

func (b *Bundler) finish(ctx context.Context, state *scanState) {
	b.log().WithFields(log.Fields{
		"scanID": state.scan.ScanID,
		"points": len(state.emitted),
	}).Info("scan storage released")
	for _, e := range b.emitters {
		e.OnScanClose(ctx, state.scan)
	}
}

// hasPartialRows reports whether any collected row has not yet emitted.
func (s *scanState) hasPartialRows() bool {
	for id := range s.points {
		if _, ok := s.emitted[id]; !ok {
			return true
		}
	}
	return false
}

// handleReading folds one device reading into its scan. Baseline-priority
// readings fill the baseline; point readings fill their row and emit it when
// the last monitored device delivers.
func (b *Bundler) handleReading(ctx context.Context, device string, msg *messages.DeviceMessage) {
	var md = msg.Meta()
	var scanID = md.ScanID()
	if device == "" || scanID == "" {
		readingsDroppedTotal.Inc()
		return
	}

	b.mu.Lock()
	var state, ok = b.scans[scanID]
	if !ok {
		b.mu.Unlock()
		readingsDroppedTotal.Inc()
		b.log().WithFields(log.Fields{
			"device": device,
			"scanID": scanID,
		}).Debug("dropping reading for unknown scan")
		return
	}

	if md.ReadoutPriority() == string(devices.PriorityBaseline) {
		state.baseline[device] = msg.Signals
		delete(state.baselinePending, device)
		var emitBaseline = len(state.baselinePending) == 0 && !state.baselineSent
		if emitBaseline {
			state.baselineSent = true
		}
		var scan, data = state.scan, state.baseline
		b.mu.Unlock()

		if emitBaseline {
			baselinesEmittedTotal.Inc()
			for _, e := range b.emitters {
				e.OnBaseline(ctx, scan, data)
			}
		}
		return
	}

	var pointID, hasPoint = md.PointID()
	if !hasPoint {
		b.mu.Unlock()
		return
	}
	var row = state.points[pointID]
	if row == nil {
		row = make(messages.DeviceData)
		state.points[pointID] = row
	}
	row[device] = msg.Signals

	var complete = state.rowComplete(pointID)
	if complete {
		state.emitted[pointID] = struct{}{}
	}
	var retire = state.closed && !state.hasPartialRows()
	if retire {
		delete(b.scans, scanID)
	}
	var scan = state.scan
	b.mu.Unlock()

	if complete {
		pointsEmittedTotal.Inc()
		for _, e := range b.emitters {
			e.OnScanPoint(ctx, scan, pointID, row)
		}
	}
	if retire {
		b.finish(ctx, state)
	}
}

// rowComplete reports whether every monitored device delivered |pointID|.
// Rows already emitted never complete twice.
func (s *scanState) rowComplete(pointID int64) bool {
	if _, done := s.emitted[pointID]; done {
		return false
	}
	var row = s.points[pointID]
	for _, dev := range s.scan.Monitored {
		if _, ok := row[dev]; !ok {
			return false
		}
	}
	return true
}

// deviceOfReadTopic extracts the device name from a device-read topic.
func deviceOfReadTopic(topic string) string {
	var i = strings.LastIndexByte(topic, '/')
	if i < 0 {
		return ""
	}
	return topic[i+1:]
}
