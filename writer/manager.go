package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
)

// alarmWriterError tags commit failures raised by the writer.
const alarmWriterError = "WriterError"

// Manager follows scan traffic and commits each finished scan to its master
// file. A synchronized scan commits once its closing status arrived and its
// segment count matches the expected point count; unsynchronized and aborted
// scans commit whatever arrived.
type Manager struct {
	conn   connector.Connector
	reg    *devices.Registry
	alarms *alarms.Publisher
	base   string

	mu      sync.Mutex
	scans   map[string]*ScanStorage
	cancels []connector.CancelFunc
}

// NewManager returns a Manager writing master files under |base|.
func NewManager(conn connector.Connector, reg *devices.Registry, pub *alarms.Publisher, base string) *Manager {
	return &Manager{
		conn:   conn,
		reg:    reg,
		alarms: pub,
		base:   base,
		scans:  make(map[string]*ScanStorage),
	}
}

func (m *Manager) log() *log.Entry {
	return log.WithField("component", "writer")
}

// Start subscribes the manager to scan statuses, segments and baselines.
func (m *Manager) Start(ctx context.Context) error {
	var subs = []struct {
		topic string
		cb    connector.Callback
	}{
		{messages.ScanStatus(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanStatusMessage](mo.Value); err == nil {
				m.handleStatus(ctx, msg)
			}
		}},
		{messages.ScanSegment(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanMessage](mo.Value); err == nil {
				m.handleSegment(ctx, msg)
			}
		}},
		{messages.ScanBaseline(), func(mo connector.MessageObject) {
			if msg, err := messages.DecodeAs[*messages.ScanBaselineMessage](mo.Value); err == nil {
				m.handleBaseline(msg)
			}
		}},
	}
	for _, sub := range subs {
		var cancel, err = m.conn.Subscribe(ctx, sub.topic, sub.cb)
		if err != nil {
			m.Stop()
			return fmt.Errorf("subscribing to %s: %w", sub.topic, err)
		}
		m.mu.Lock()
		m.cancels = append(m.cancels, cancel)
		m.mu.Unlock()
	}
	return nil
}

// Stop detaches the manager from the broker.
func (m *Manager) Stop() {
	m.mu.Lock()
	var cancels = m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) handleStatus(ctx context.Context, msg *messages.ScanStatusMessage) {
	if msg.ScanID == "" {
		return
	}
	switch msg.Status {
	case messages.ScanStatusOpen:
		var number, _ = msg.Info.Int("scan_number")
		m.mu.Lock()
		m.scans[msg.ScanID] = NewScanStorage(msg.ScanID, number, msg.Info, msg.Meta().Copy())
		m.mu.Unlock()
		m.log().WithFields(log.Fields{
			"scanID":     msg.ScanID,
			"scanNumber": number,
		}).Info("tracking scan")

	case messages.ScanStatusClosed, messages.ScanStatusAborted:
		m.mu.Lock()
		var s, ok = m.scans[msg.ScanID]
		if !ok {
			m.mu.Unlock()
			return
		}
		var numPoints, _ = msg.Info.Int("num_points")
		if msg.Status == messages.ScanStatusAborted {
			// An aborted scan never fills its grid; commit what arrived.
			numPoints = int64(len(s.Segments))
		}
		s.Finish(msg.Status, numPoints)
		m.mu.Unlock()
		m.maybeCommit(ctx, msg.ScanID)
	}
}

func (m *Manager) handleSegment(ctx context.Context, msg *messages.ScanMessage) {
	m.mu.Lock()
	var s, ok = m.scans[msg.ScanID]
	if !ok {
		m.mu.Unlock()
		segmentsDroppedTotal.Inc()
		return
	}
	s.Segments[msg.PointID] = msg.Data
	m.mu.Unlock()
	m.maybeCommit(ctx, msg.ScanID)
}

func (m *Manager) handleBaseline(msg *messages.ScanBaselineMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s, ok = m.scans[msg.ScanID]
	if !ok {
		return
	}
	for device, signals := range msg.Data {
		s.Baseline[device] = signals
	}
}

// maybeCommit pops and writes the scan once it is ready.
func (m *Manager) maybeCommit(ctx context.Context, scanID string) {
	m.mu.Lock()
	var s, ok = m.scans[scanID]
	if !ok || !s.ReadyToWrite() {
		m.mu.Unlock()
		return
	}
	delete(m.scans, scanID)
	m.mu.Unlock()

	m.commit(ctx, s)
}

// commit collects the scan's async streams and file references, announces
// the upcoming write, writes the master file, and announces the outcome with
// the file's checksum. The storage is gone either way; a failed write raises
// a minor alarm instead of blocking the fabric.
func (m *Manager) commit(ctx context.Context, s *ScanStorage) {
	var path = MasterFilePath(m.base, s.ScanNumber)
	m.collectAsync(ctx, s)
	m.collectFileRefs(ctx, s)

	m.announce(ctx, s, &messages.FileMessage{FilePath: path, Metadata: s.Metadata.Copy()})

	var err = WriteMaster(path, s)
	var final = &messages.FileMessage{
		FilePath:   path,
		Done:       true,
		Successful: err == nil,
		Metadata:   s.Metadata.Copy(),
	}
	if err == nil {
		if sum, sumErr := FileChecksum(path); sumErr == nil {
			final.Metadata["checksum"] = sum
		}
		writesTotal.WithLabelValues("ok").Inc()
		m.log().WithFields(log.Fields{
			"scanID": s.ScanID,
			"path":   path,
			"points": len(s.Segments),
		}).Info("wrote master file")
	} else {
		writesTotal.WithLabelValues("failed").Inc()
		m.log().WithFields(log.Fields{
			"scanID": s.ScanID,
			"path":   path,
			"err":    err,
		}).Error("failed to write master file")
		_ = m.alarms.Raise(ctx, messages.SeverityMinor, alarmWriterError,
			map[string]string{"scanID": s.ScanID},
			messages.Params{"error": err.Error(), "file_path": path},
			s.Metadata.Copy(),
		)
	}
	m.announce(ctx, s, final)
}

// collectAsync drains each async device's per-scan stream into the storage
// under the device's merge policy.
func (m *Manager) collectAsync(ctx context.Context, s *ScanStorage) {
	for _, dev := range m.reg.AsyncDevices() {
		var entries, err = m.conn.XRange(ctx, messages.DeviceAsyncReadback(s.ScanID, dev.Name()))
		if err != nil {
			m.log().WithFields(log.Fields{
				"scanID": s.ScanID,
				"device": dev.Name(),
				"err":    err,
			}).Warn("failed to read async stream")
			continue
		}
		for _, raw := range entries {
			var msg, err = messages.DecodeAs[*messages.DeviceMessage](raw)
			if err != nil {
				continue
			}
			s.MergeAsync(dev.Name(), dev.AsyncUpdate(), msg.Signals)
		}
	}
}

// collectFileRefs records files other services announced for this scan.
func (m *Manager) collectFileRefs(ctx context.Context, s *ScanStorage) {
	var topics, err = m.conn.Keys(ctx, messages.PublicFilePattern(s.ScanID))
	if err != nil {
		return
	}
	for _, topic := range topics {
		var raw, err = m.conn.Get(ctx, topic)
		if err != nil || raw == nil {
			continue
		}
		msg, err := messages.DecodeAs[*messages.FileMessage](raw)
		if err != nil || !msg.Done || !msg.Successful {
			continue
		}
		var i = strings.LastIndexByte(topic, '/')
		s.Files[topic[i+1:]] = msg.FilePath
	}
}

// announce set-and-publishes a file message under the scan's master key.
func (m *Manager) announce(ctx context.Context, s *ScanStorage, msg *messages.FileMessage) {
	var raw, err = messages.Encode(msg)
	if err != nil {
		m.log().WithField("err", err).Error("failed to encode file message")
		return
	}
	if err = m.conn.SetAndPublish(ctx, messages.PublicFile(s.ScanID, "master"), raw); err != nil {
		m.log().WithFields(log.Fields{
			"scanID": s.ScanID,
			"err":    err,
		}).Error("failed to announce master file")
	}
}
