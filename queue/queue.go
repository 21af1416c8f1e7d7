// Package queue owns the ordered execution state of accepted scan requests.
// Each named queue holds a FIFO of items assembled from request blocks, a
// per-item state machine driven by client modification requests, and a
// bounded history of finished items. The Manager ties the queues to the
// broker: it consumes inserts and modifications, set-and-publishes the full
// queue snapshot on every mutation, and exports finished items to the
// broker-side history list.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/messages"
)

// DefaultQueue is the queue requests land on when they name none.
const DefaultQueue = "primary"

// Queue-level states. A paused queue starts no further items; item-level
// pause states are messages.QueueItemStatus.
const (
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
)

// RequestBlock is one accepted request inside a queue item: the original
// message, its assembled instruction generator, and the identity the scan
// acquires as it runs. Blocks of one scan definition share a scanID; blocks
// of moves and RPCs have none.
type RequestBlock struct {
	rid       string
	scanID    string
	scanDefID string
	isScan    bool
	msg       *messages.ScanQueueMessage
	request   assembler.Request

	mu                 sync.Mutex
	scanNumber         int64
	reportInstructions []map[string]any
}

// newRequestBlock assembles |msg| into a runnable block. The scanID must be
// settled before assembly: scan classes snapshot request metadata when they
// are constructed, and every instruction they emit carries it.
func newRequestBlock(msg *messages.ScanQueueMessage, asm *assembler.Assembler, scanID string) (*RequestBlock, error) {
	var def = asm.Definition(msg.ScanType)
	if def == nil {
		return nil, fmt.Errorf("unknown scan type %q", msg.ScanType)
	}
	if scanID == "" && def.IsScan {
		scanID = uuid.NewString()
	}
	if scanID != "" {
		msg.Meta().SetScanID(scanID)
	}
	var req, err = asm.Assemble(msg)
	if err != nil {
		return nil, err
	}
	return &RequestBlock{
		rid:       msg.Meta().RID(),
		scanID:    scanID,
		scanDefID: msg.Meta().ScanDefID(),
		isScan:    def.IsScan,
		msg:       msg,
		request:   req,
	}, nil
}

// RID returns the request ID the block answers to.
func (b *RequestBlock) RID() string { return b.rid }

// ScanID returns the scan the block runs as, or "" for moves and RPCs.
func (b *RequestBlock) ScanID() string { return b.scanID }

// ScanDefID returns the scan-definition tag, or "".
func (b *RequestBlock) ScanDefID() string { return b.scanDefID }

// IsScan reports whether the block takes data.
func (b *RequestBlock) IsScan() bool { return b.isScan }

// Msg returns the originating request message.
func (b *RequestBlock) Msg() *messages.ScanQueueMessage { return b.msg }

// Request returns the assembled instruction generator.
func (b *RequestBlock) Request() assembler.Request { return b.request }

// ScanNumber returns the scan number, or zero before the scan opened.
func (b *RequestBlock) ScanNumber() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanNumber
}

// SetScanNumber records the broker-assigned scan number at open.
func (b *RequestBlock) SetScanNumber(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanNumber = n
}

// AddReportInstruction appends one scan-report hint for client UIs.
func (b *RequestBlock) AddReportInstruction(ri map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reportInstructions = append(b.reportInstructions, ri)
}

// ReportInstructions returns the accumulated scan-report hints.
func (b *RequestBlock) ReportInstructions() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.reportInstructions...)
}

// Info returns the block's wire view.
func (b *RequestBlock) Info() messages.RequestBlockInfo {
	return messages.RequestBlockInfo{
		RID:                b.rid,
		ScanID:             b.scanID,
		IsScan:             b.isScan,
		ScanNumber:         b.ScanNumber(),
		ScanDefID:          b.scanDefID,
		ScanType:           b.msg.ScanType,
		ReportInstructions: b.ReportInstructions(),
	}
}

// Item is one queue entry: an ordered list of request blocks executed as a
// unit. Grouped items stay open for further blocks until their group closes;
// the worker iterates blocks through NextBlock and observes modification
// state through Status and Changed.
type Item struct {
	queueID string
	group   string

	mu        sync.Mutex
	status    messages.QueueItemStatus
	blocks    []*RequestBlock
	active    int
	groupOpen bool
	halted    bool
	changed   chan struct{}
}

func newItem(group string, blocks ...*RequestBlock) *Item {
	return &Item{
		queueID:   uuid.NewString(),
		group:     group,
		status:    messages.QueueItemPending,
		blocks:    blocks,
		active:    -1,
		groupOpen: group != "",
		changed:   make(chan struct{}),
	}
}

// QueueID returns the item's unique ID.
func (i *Item) QueueID() string { return i.queueID }

// Group returns the scan-group tag, or "" for ungrouped items.
func (i *Item) Group() string { return i.group }

// Status returns the item's lifecycle state.
func (i *Item) Status() messages.QueueItemStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Stopped reports whether the item was aborted or halted.
func (i *Item) Stopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status == messages.QueueItemStopped
}

// Halted reports whether the item was stopped without cleanup: the worker
// skips unstaging when true.
func (i *Item) Halted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.halted
}

// Blocks returns the item's request blocks in order.
func (i *Item) Blocks() []*RequestBlock {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*RequestBlock(nil), i.blocks...)
}

// Msgs returns the originating request messages in block order.
func (i *Item) Msgs() []*messages.ScanQueueMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out = make([]*messages.ScanQueueMessage, len(i.blocks))
	for n, b := range i.blocks {
		out[n] = b.Msg()
	}
	return out
}

// ActiveBlock returns the block the worker is processing, or nil.
func (i *Item) ActiveBlock() *RequestBlock {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active < 0 || i.active >= len(i.blocks) {
		return nil
	}
	return i.blocks[i.active]
}

// ScanIDs returns the scanID of every block, in block order. Non-scan
// blocks contribute empty strings, keeping the lists parallel.
func (i *Item) ScanIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out = make([]string, len(i.blocks))
	for n, b := range i.blocks {
		out[n] = b.ScanID()
	}
	return out
}

// HoldsScanID reports whether any block runs as |scanID|.
func (i *Item) HoldsScanID(scanID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, b := range i.blocks {
		if b.ScanID() == scanID && scanID != "" {
			return true
		}
	}
	return false
}

// Changed returns a channel closed on the item's next mutation. Callers
// re-check state after each close, building poll-free wait loops.
func (i *Item) Changed() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.changed
}

func (i *Item) bumpLocked() {
	close(i.changed)
	i.changed = make(chan struct{})
}

// NextBlock advances to the next request block. It blocks while a grouped
// item has run dry but may still grow, and returns (nil, nil) once the item
// is exhausted, its group closed, or it was stopped.
func (i *Item) NextBlock(ctx context.Context) (*RequestBlock, error) {
	for {
		i.mu.Lock()
		if i.status == messages.QueueItemStopped {
			i.mu.Unlock()
			return nil, nil
		}
		if i.active+1 < len(i.blocks) {
			i.active++
			var b = i.blocks[i.active]
			i.bumpLocked()
			i.mu.Unlock()
			return b, nil
		}
		if !i.groupOpen {
			i.mu.Unlock()
			return nil, nil
		}
		var ch = i.changed
		i.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// CloseGroup marks the item complete-once-drained: NextBlock stops waiting
// for further blocks. Closing an ungrouped item is a no-op.
func (i *Item) CloseGroup() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.groupOpen {
		return
	}
	i.groupOpen = false
	i.bumpLocked()
}

// Info returns the item's wire view, with one entry per block in the
// parallel scanID, is_scan and scan_number lists.
func (i *Item) Info() messages.QueueItemInfo {
	i.mu.Lock()
	var blocks = append([]*RequestBlock(nil), i.blocks...)
	var info = messages.QueueItemInfo{
		QueueID:            i.queueID,
		Status:             i.status,
		ActiveRequestBlock: int64(i.active),
	}
	i.mu.Unlock()

	for _, b := range blocks {
		info.ScanIDs = append(info.ScanIDs, b.ScanID())
		info.IsScan = append(info.IsScan, b.IsScan())
		info.ScanNumbers = append(info.ScanNumbers, b.ScanNumber())
		info.RequestBlocks = append(info.RequestBlocks, b.Info())
	}
	return info
}

func (i *Item) append(b *RequestBlock) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.blocks = append(i.blocks, b)
	i.bumpLocked()
}

func (i *Item) start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == messages.QueueItemPending {
		i.status = messages.QueueItemRunning
		i.bumpLocked()
	}
}

func (i *Item) pause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.status {
	case messages.QueueItemRunning, messages.QueueItemDeferredPause:
		i.status = messages.QueueItemPaused
		i.bumpLocked()
	}
}

func (i *Item) deferredPause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == messages.QueueItemRunning {
		i.status = messages.QueueItemDeferredPause
		i.bumpLocked()
	}
}

func (i *Item) resume() {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.status {
	case messages.QueueItemPaused, messages.QueueItemDeferredPause:
		i.status = messages.QueueItemRunning
		i.bumpLocked()
	}
}

// ConfirmPause converts a deferred pause into a pause. The worker calls it
// once the running scan reaches a point boundary: a deferred pause leaves
// the in-flight point to finish, and parks the scan here.
func (i *Item) ConfirmPause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == messages.QueueItemDeferredPause {
		i.status = messages.QueueItemPaused
		i.bumpLocked()
	}
}

func (i *Item) stop(halt bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.status {
	case messages.QueueItemStopped, messages.QueueItemCompleted:
		return
	}
	i.status = messages.QueueItemStopped
	i.halted = halt
	i.groupOpen = false
	i.bumpLocked()
}

func (i *Item) complete() {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.status {
	case messages.QueueItemStopped, messages.QueueItemCompleted:
		return
	}
	i.status = messages.QueueItemCompleted
	i.bumpLocked()
}

// Queue is one named FIFO of items. At most one item runs at a time; the
// worker fetches it with Next and returns it with Finish. Mutations arrive
// through the owning Manager.
type Queue struct {
	name string
	mgr  *Manager

	mu         sync.Mutex
	status     string
	pending    []*Item
	active     *Item
	building   *Item
	history    []*Item
	scanDefIDs map[string]string
	changed    chan struct{}
}

func newQueue(name string, mgr *Manager) *Queue {
	return &Queue{
		name:       name,
		mgr:        mgr,
		status:     StatusRunning,
		scanDefIDs: make(map[string]string),
		changed:    make(chan struct{}),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Status returns the queue-level state, StatusRunning or StatusPaused.
func (q *Queue) Status() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Active returns the item currently owned by the worker, or nil.
func (q *Queue) Active() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Items returns the active item (if any) followed by the pending FIFO.
func (q *Queue) Items() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.itemsLocked()
}

func (q *Queue) itemsLocked() []*Item {
	var out []*Item
	if q.active != nil {
		out = append(out, q.active)
	}
	return append(out, q.pending...)
}

func (q *Queue) bumpLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// add builds a request block from |msg| and either appends it to the item
// its scan group is building, or opens a new item at the queue's tail.
func (q *Queue) add(msg *messages.ScanQueueMessage) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var defID = msg.Meta().ScanDefID()
	var scanID string
	if defID != "" {
		var ok bool
		if scanID, ok = q.scanDefIDs[defID]; !ok {
			scanID = uuid.NewString()
			q.scanDefIDs[defID] = scanID
		}
	}
	var block, err = newRequestBlock(msg, q.mgr.asm, scanID)
	if err != nil {
		return nil, err
	}
	if msg.ScanType == "close_scan_def" && defID != "" {
		delete(q.scanDefIDs, defID)
	}

	var group = msg.Meta().QueueGroup()
	var item = q.building
	if group != "" && item != nil && item.Group() == group {
		item.append(block)
	} else {
		// An abandoned group item can never grow again: close it so a
		// worker iterating it is released once it drains.
		if q.building != nil {
			q.building.CloseGroup()
		}
		item = newItem(group, block)
		q.pending = append(q.pending, item)
		q.building = nil
		if group != "" {
			q.building = item
		}
	}
	// The group terminator is the last block a group ever takes.
	if msg.ScanType == "close_scan_group" && group != "" {
		item.CloseGroup()
		q.building = nil
	}
	q.bumpLocked()
	return item, nil
}

// Next blocks until the queue is running, idle, and has a pending item,
// then starts that item and hands it to the caller. The caller owns the
// item until Finish.
func (q *Queue) Next(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if q.status == StatusRunning && q.active == nil && len(q.pending) > 0 {
			var item = q.pending[0]
			q.pending = q.pending[1:]
			q.active = item
			item.start()
			q.bumpLocked()
			q.mu.Unlock()

			q.mgr.publish(ctx)
			return item, nil
		}
		var ch = q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Finish returns a worker-owned item: stopped items keep their state, all
// others complete. The item moves to the bounded history and is exported to
// the broker history list.
func (q *Queue) Finish(ctx context.Context, item *Item) error {
	item.complete()

	q.mu.Lock()
	if q.active == item {
		q.active = nil
	}
	if q.building == item {
		q.building = nil
	}
	q.pushHistoryLocked(item)
	q.bumpLocked()
	q.mu.Unlock()

	itemsFinishedTotal.WithLabelValues(string(item.Status())).Inc()
	var err = q.mgr.exportHistory(ctx, item.Info())
	q.mgr.publish(ctx)
	return err
}

// Fail stops a worker-owned item after an unrecoverable scan error and
// pauses the queue, so no further item starts until an operator continues
// or clears it. The worker still calls Finish afterwards.
func (q *Queue) Fail(ctx context.Context, item *Item) {
	item.stop(false)

	q.mu.Lock()
	q.status = StatusPaused
	q.bumpLocked()
	q.mu.Unlock()

	q.mgr.publish(ctx)
}

// Snapshot returns the queue's wire view: the active item first, then the
// pending FIFO.
func (q *Queue) Snapshot() messages.QueueSnapshot {
	q.mu.Lock()
	var status = q.status
	var items = q.itemsLocked()
	q.mu.Unlock()

	var snap = messages.QueueSnapshot{Status: status, Info: []messages.QueueItemInfo{}}
	for _, item := range items {
		snap.Info = append(snap.Info, item.Info())
	}
	return snap
}

func (q *Queue) pushHistoryLocked(item *Item) {
	q.history = append([]*Item{item}, q.history...)
	if len(q.history) > q.mgr.depth {
		q.history = q.history[:q.mgr.depth]
	}
}

// pause parks the queue and the active item. Deferred pause leaves the
// worker running until its next point checkpoint.
func (q *Queue) pause(deferred bool) {
	q.mu.Lock()
	q.status = StatusPaused
	var active = q.active
	q.bumpLocked()
	q.mu.Unlock()

	if active == nil {
		return
	}
	if deferred {
		active.deferredPause()
	} else {
		active.pause()
	}
}

// resume restarts the queue and the active item.
func (q *Queue) resume() {
	q.mu.Lock()
	q.status = StatusRunning
	var active = q.active
	q.bumpLocked()
	q.mu.Unlock()

	if active != nil {
		active.resume()
	}
}

// abort stops every item holding one of |scanIDs| (or the active item when
// none are named). Stopped pending items leave the FIFO for the history at
// once; the active item stays owned by the worker until Finish. The queue
// itself keeps running so the next item may start.
func (q *Queue) abort(ctx context.Context, scanIDs []string, halt bool) {
	var stopped []*Item

	q.mu.Lock()
	q.status = StatusRunning
	if q.active != nil && matchesScanIDs(q.active, scanIDs) {
		q.active.stop(halt)
	}
	var keep = q.pending[:0]
	for _, item := range q.pending {
		if matchesScanIDs(item, scanIDs) {
			item.stop(halt)
			if q.building == item {
				q.building = nil
			}
			q.pushHistoryLocked(item)
			stopped = append(stopped, item)
		} else {
			keep = append(keep, item)
		}
	}
	q.pending = keep
	q.bumpLocked()
	q.mu.Unlock()

	for _, item := range stopped {
		itemsFinishedTotal.WithLabelValues(string(messages.QueueItemStopped)).Inc()
		if err := q.mgr.exportHistory(ctx, item.Info()); err != nil {
			q.mgr.log().WithField("err", err).Error("failed to export aborted item")
		}
	}
}

// clear stops and discards every pending item. The active item, if any,
// keeps running.
func (q *Queue) clear(ctx context.Context) {
	q.mu.Lock()
	var cleared = q.pending
	q.pending = nil
	q.building = nil
	for _, item := range cleared {
		item.stop(false)
		q.pushHistoryLocked(item)
	}
	q.bumpLocked()
	q.mu.Unlock()

	for _, item := range cleared {
		itemsFinishedTotal.WithLabelValues(string(messages.QueueItemStopped)).Inc()
		if err := q.mgr.exportHistory(ctx, item.Info()); err != nil {
			q.mgr.log().WithField("err", err).Error("failed to export cleared item")
		}
	}
}

// restart rebuilds the newest item holding one of |scanIDs| into a fresh
// item with a new queueID and fresh scanIDs, scheduled ahead of everything
// pending. The original may be active, pending, or already in the history.
func (q *Queue) restart(ctx context.Context, scanIDs []string) (*Item, error) {
	var item = q.findItem(scanIDs)
	if item == nil {
		return nil, fmt.Errorf("no queue item found for scanIDs %v", scanIDs)
	}
	// Stop the original if it is still live; the worker finishes it out.
	q.abort(ctx, scanIDs, false)

	var rebuilt, err = q.rebuild(item)
	if err != nil {
		return nil, fmt.Errorf("reassembling queue item %s: %w", item.QueueID(), err)
	}

	q.mu.Lock()
	q.pending = append([]*Item{rebuilt}, q.pending...)
	q.bumpLocked()
	q.mu.Unlock()
	return rebuilt, nil
}

// rebuild re-assembles an item's request blocks under fresh identity.
// Blocks sharing a scan definition share one fresh scanID; the rebuilt item
// replays exactly the saved blocks, so its group is born closed.
func (q *Queue) rebuild(item *Item) (*Item, error) {
	var defIDs = make(map[string]string)
	var blocks []*RequestBlock
	for _, b := range item.Blocks() {
		var msg = b.Msg()
		var scanID string
		if defID := msg.Meta().ScanDefID(); defID != "" {
			var ok bool
			if scanID, ok = defIDs[defID]; !ok {
				scanID = uuid.NewString()
				defIDs[defID] = scanID
			}
		}
		var block, err = newRequestBlock(msg, q.mgr.asm, scanID)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	var rebuilt = newItem(item.Group(), blocks...)
	rebuilt.CloseGroup()
	return rebuilt, nil
}

// findItem returns the newest item holding any of |scanIDs|: the active
// item, then pending order, then history (newest first).
func (q *Queue) findItem(scanIDs []string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.itemsLocked() {
		if matchesScanIDs(item, scanIDs) {
			return item
		}
	}
	for _, item := range q.history {
		if matchesScanIDs(item, scanIDs) {
			return item
		}
	}
	return nil
}

// holdsAny reports whether the queue currently holds any of |scanIDs| in
// its live items or history.
func (q *Queue) holdsAny(scanIDs []string) bool {
	return q.findItem(scanIDs) != nil
}

// matchesScanIDs reports whether |item| is addressed by |scanIDs|. An empty
// list addresses every item.
func matchesScanIDs(item *Item, scanIDs []string) bool {
	if len(scanIDs) == 0 {
		return true
	}
	for _, id := range scanIDs {
		if item.HoldsScanID(id) {
			return true
		}
	}
	return false
}
