// Package requests correlates the client's view of in-flight work: each
// request ID (RID) is tied to the guard's accept/reject decision, the queue
// item it became, and the scan it eventually ran as. Updates arrive over the
// broker in no guaranteed order; storages are created lazily from whichever
// message arrives first and converge to the same final state either way.
package requests

import (
	"sort"
	"sync"

	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
)

// storageDepth bounds each of the correlator's storages. Oldest entries
// fall off.
const storageDepth = 50

// Request is a point-in-time snapshot of one RID's progress.
type Request struct {
	RID      string
	Request  *messages.ScanQueueMessage
	Response *messages.RequestResponseMessage
	// DecisionPending is true until the guard's decision arrives, or until
	// the request is observed running as a scan (which implies acceptance).
	DecisionPending bool
	Accepted        []bool
	// QueueID is set once the queue reports the request in an item.
	QueueID string
	// ScanID is set once the queue assigns the request block its scan.
	ScanID string
}

// Scan is a point-in-time snapshot of one scan's progress.
type Scan struct {
	ScanID             string
	QueueID            string
	ScanNumber         int64
	Status             string
	NumPoints          int64
	SegmentCount       int
	OpenScanDefs       []string
	OpenQueueGroup     string
	ReportInstructions []map[string]any
	StartTime          float64
	EndTime            float64
}

type requestItem struct {
	rid             string
	request         *messages.ScanQueueMessage
	response        *messages.RequestResponseMessage
	decisionPending bool
	accepted        []bool
}

type scanItem struct {
	scanID             string
	queueID            string
	scanNumber         int64
	status             string
	numPoints          int64
	segments           map[int64]*messages.ScanMessage
	openScanDefs       map[string]struct{}
	openQueueGroup     string
	reportInstructions []map[string]any
	startTime          float64
	endTime            float64
}

// Correlator is the client-side bookkeeping of requests, queue items and
// scans. One mutex covers all three storages; reads return snapshots.
type Correlator struct {
	mu             sync.Mutex
	requests       []*requestItem
	queues         []messages.QueueItemInfo
	scans          []*scanItem
	currentQueue   map[string]messages.QueueSnapshot
	lastScanNumber int64
	update         chan struct{}
}

// NewCorrelator returns an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{update: make(chan struct{})}
}

// Update returns a channel closed on the next mutation. Callers re-fetch
// after each close, building poll-free wait loops:
//
//	for {
//		if req, ok := c.Request(rid); ok && !req.DecisionPending { ... }
//		select {
//		case <-ctx.Done():
//		case <-c.Update():
//		}
//	}
func (c *Correlator) Update() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.update
}

func (c *Correlator) bumpLocked() {
	close(c.update)
	c.update = make(chan struct{})
}

// UpdateWithRequest records an observed scan-queue request.
func (c *Correlator) UpdateWithRequest(msg *messages.ScanQueueMessage) {
	var rid = msg.Meta().RID()
	if rid == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bumpLocked()

	if item := c.findRequestLocked(rid); item != nil {
		item.request = msg
		return
	}
	c.pushRequestLocked(&requestItem{rid: rid, request: msg, decisionPending: true})
}

// UpdateWithResponse records the guard's decision. The response may precede
// its request.
func (c *Correlator) UpdateWithResponse(msg *messages.RequestResponseMessage) {
	var rid = msg.Meta().RID()
	if rid == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bumpLocked()

	if item := c.findRequestLocked(rid); item != nil {
		item.response = msg
		item.decisionPending = false
		item.accepted = []bool{msg.Accepted}
		log.WithField("rid", rid).Debug("request updated with response")
		return
	}
	c.pushRequestLocked(&requestItem{
		rid:             rid,
		response:        msg,
		decisionPending: false,
		accepted:        []bool{msg.Accepted},
	})
	log.WithField("rid", rid).Debug("response arrived before request")
}

// UpdateWithQueueStatus folds a queue snapshot into all three storages:
// it refreshes the current-queue view, upserts queue items, and creates
// scan-item placeholders for every assigned scan.
func (c *Correlator) UpdateWithQueueStatus(msg *messages.ScanQueueStatusMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bumpLocked()

	c.currentQueue = msg.Queue
	for _, snapshot := range msg.Queue {
		for _, info := range snapshot.Info {
			c.upsertQueueLocked(info)

			for i, scanID := range info.ScanIDs {
				if scanID == "" || !boolAt(info.IsScan, i) {
					continue
				}
				if c.findScanLocked(scanID) != nil {
					continue
				}
				var item = newScanItem(scanID)
				item.queueID = info.QueueID
				item.scanNumber = int64At(info.ScanNumbers, i)
				item.status = string(info.Status)
				c.pushScanLocked(item)
			}
		}
	}
}

// UpdateWithScanStatus folds a scan lifecycle edge into the scan storage,
// creating the item if the status beat the queue snapshot.
func (c *Correlator) UpdateWithScanStatus(msg *messages.ScanStatusMessage) {
	if msg.ScanID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bumpLocked()

	var item = c.findScanLocked(msg.ScanID)
	if item == nil {
		item = newScanItem(msg.ScanID)
		c.pushScanLocked(item)
	}

	item.status = msg.Status
	if num, ok := msg.Info.Int("scan_number"); ok && num != 0 {
		c.lastScanNumber = num
		if item.scanNumber == 0 {
			item.scanNumber = num
		}
	}
	if pts, ok := msg.Info.Int("num_points"); ok {
		item.numPoints = pts
	}
	if ts, ok := msg.Info.Float("timestamp"); ok {
		switch msg.Status {
		case messages.ScanStatusOpen:
			item.startTime = ts
		case messages.ScanStatusClosed, messages.ScanStatusAborted:
			item.endTime = ts
		}
	}
	if ri, ok := msg.Info["scan_report_instructions"]; ok {
		item.reportInstructions = asInstructionList(ri)
	}
	if defID, ok := msg.Info.String("scan_def_id"); ok && defID != "" {
		if msg.Status == messages.ScanStatusOpen {
			item.openScanDefs[defID] = struct{}{}
		} else {
			delete(item.openScanDefs, defID)
		}
	}
	item.openQueueGroup, _ = msg.Info.String("queue_group")
}

// AddSegment attaches one scan segment to its scan, creating a placeholder
// item if the segment arrived first.
func (c *Correlator) AddSegment(msg *messages.ScanMessage) {
	if msg.ScanID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bumpLocked()

	var item = c.findScanLocked(msg.ScanID)
	if item == nil {
		item = newScanItem(msg.ScanID)
		c.pushScanLocked(item)
	}
	item.segments[msg.PointID] = msg
}

// Request returns the snapshot of one RID.
func (c *Correlator) Request(rid string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var item = c.findRequestLocked(rid)
	if item == nil {
		return Request{}, false
	}
	var out = Request{
		RID:             item.rid,
		Request:         item.request,
		Response:        item.response,
		DecisionPending: item.decisionPending,
		Accepted:        append([]bool(nil), item.accepted...),
	}
	// An observed scan implies the request was accepted, even if the
	// decision itself was missed.
	if info, i, ok := c.findQueueByRIDLocked(rid); ok {
		out.QueueID = info.QueueID
		if i < len(info.ScanIDs) {
			out.ScanID = info.ScanIDs[i]
		}
		if out.DecisionPending && out.ScanID != "" && c.findScanLocked(out.ScanID) != nil {
			out.DecisionPending = false
			out.Accepted = []bool{true}
		}
	}
	return out, true
}

// Scan returns the snapshot of one scan.
func (c *Correlator) Scan(scanID string) (Scan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var item = c.findScanLocked(scanID)
	if item == nil {
		return Scan{}, false
	}
	return item.snapshot(), true
}

// Segment returns one stored segment of a scan.
func (c *Correlator) Segment(scanID string, pointID int64) (*messages.ScanMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var item = c.findScanLocked(scanID)
	if item == nil {
		return nil, false
	}
	var msg, ok = item.segments[pointID]
	return msg, ok
}

// ScanData returns a copy of a scan's segments keyed by pointID.
func (c *Correlator) ScanData(scanID string) map[int64]*messages.ScanMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var item = c.findScanLocked(scanID)
	if item == nil {
		return nil
	}
	var out = make(map[int64]*messages.ScanMessage, len(item.segments))
	for k, v := range item.segments {
		out[k] = v
	}
	return out
}

// QueueItem returns the stored queue info holding |rid|, if any.
func (c *Correlator) QueueItem(rid string) (messages.QueueItemInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var info, _, ok = c.findQueueByRIDLocked(rid)
	return info, ok
}

// CurrentQueue returns the latest queue snapshot, keyed by queue name.
func (c *Correlator) CurrentQueue() map[string]messages.QueueSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentQueue
}

// LastScanNumber returns the highest scan number observed.
func (c *Correlator) LastScanNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastScanNumber
}

func (c *Correlator) findRequestLocked(rid string) *requestItem {
	for _, item := range c.requests {
		if item.rid == rid {
			return item
		}
	}
	return nil
}

func (c *Correlator) pushRequestLocked(item *requestItem) {
	c.requests = append(c.requests, item)
	if len(c.requests) > storageDepth {
		c.requests = c.requests[len(c.requests)-storageDepth:]
	}
}

func (c *Correlator) findScanLocked(scanID string) *scanItem {
	for _, item := range c.scans {
		if item.scanID == scanID {
			return item
		}
	}
	return nil
}

func (c *Correlator) pushScanLocked(item *scanItem) {
	c.scans = append(c.scans, item)
	if len(c.scans) > storageDepth {
		c.scans = c.scans[len(c.scans)-storageDepth:]
	}
}

func (c *Correlator) upsertQueueLocked(info messages.QueueItemInfo) {
	for i, cur := range c.queues {
		if cur.QueueID == info.QueueID {
			c.queues[i] = info
			return
		}
	}
	c.queues = append(c.queues, info)
	if len(c.queues) > storageDepth {
		c.queues = c.queues[len(c.queues)-storageDepth:]
	}
}

func (c *Correlator) findQueueByRIDLocked(rid string) (messages.QueueItemInfo, int, bool) {
	for _, info := range c.queues {
		for i, block := range info.RequestBlocks {
			if block.RID == rid {
				return info, i, true
			}
		}
	}
	return messages.QueueItemInfo{}, 0, false
}

func newScanItem(scanID string) *scanItem {
	return &scanItem{
		scanID:       scanID,
		segments:     make(map[int64]*messages.ScanMessage),
		openScanDefs: make(map[string]struct{}),
	}
}

func (s *scanItem) snapshot() Scan {
	var defs = make([]string, 0, len(s.openScanDefs))
	for id := range s.openScanDefs {
		defs = append(defs, id)
	}
	sort.Strings(defs)
	return Scan{
		ScanID:             s.scanID,
		QueueID:            s.queueID,
		ScanNumber:         s.scanNumber,
		Status:             s.status,
		NumPoints:          s.numPoints,
		SegmentCount:       len(s.segments),
		OpenScanDefs:       defs,
		OpenQueueGroup:     s.openQueueGroup,
		ReportInstructions: s.reportInstructions,
		StartTime:          s.startTime,
		EndTime:            s.endTime,
	}
}

func boolAt(s []bool, i int) bool {
	return i < len(s) && s[i]
}

func int64At(s []int64, i int) int64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

func asInstructionList(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		var out = make([]map[string]any, 0, len(list))
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
