// Package worker executes queued scan requests against the device server.
//
// One Worker owns one queue: it takes items in FIFO order, runs each
// request's instruction stream, forwards device-facing instructions to the
// device-instruction topic and consumes the orchestration instructions
// itself. Between any two instructions the worker observes the item's
// interrupt state, so pauses park the run in place and aborts unwind it
// through a cleanup that unstages devices and closes the scan.
//
// Scan state deliberately outlives queue items: a scan definition spans
// several requests, each arriving as its own item, and the worker stitches
// them into one scan with one scan number and a continuous point sequence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/queue"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultWaitTimeout  = 10 * time.Minute
	defaultTolerance    = 0.5

	// deviceServer is the service whose heartbeat gates scan execution.
	deviceServer = "device_server"

	// publicStatusTTL bounds how long finished scans stay readable on the
	// public per-scan key.
	publicStatusTTL = 30 * time.Minute
)

// Config tunes one Worker.
type Config struct {
	// Queue names the queue this worker consumes. Empty selects the
	// default queue.
	Queue string
	// PollInterval is the cadence of broker polls while waiting on device
	// acknowledgements.
	PollInterval time.Duration
	// WaitTimeout bounds each device wait. Zero selects the default;
	// negative disables the bound.
	WaitTimeout time.Duration
}

// Worker drains one scan queue.
type Worker struct {
	conn    connector.Connector
	mgr     *queue.Manager
	reg     *devices.Registry
	alarmer *alarms.Publisher
	cfg     Config
}

// New returns a worker consuming the queue named by |cfg|.
func New(conn connector.Connector, mgr *queue.Manager, reg *devices.Registry, alarmer *alarms.Publisher, cfg Config) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = queue.DefaultQueue
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Worker{conn: conn, mgr: mgr, reg: reg, alarmer: alarmer, cfg: cfg}
}

func (w *Worker) log() *log.Entry {
	return log.WithField("component", "worker")
}

// errItemStopped aborts an item's execution after an operator stop. It is
// the one abort cause that raises no alarm and leaves the queue running.
var errItemStopped = errors.New("queue item stopped")

// MovementError reports a motor that acknowledged a failed move and whose
// readback disagrees with the setpoint.
type MovementError struct {
	Device   string
	Setpoint float64
	Readback float64
}

func (e *MovementError) Error() string {
	return fmt.Sprintf("device %s failed to reach %g, readback is %g",
		e.Device, e.Setpoint, e.Readback)
}

// TimeoutError reports a device wait that exceeded the worker's bound.
type TimeoutError struct {
	Group   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait for group %q timed out after %s", e.Group, e.Timeout)
}

// alarmTypeOf maps an abort cause to its published alarm type.
func alarmTypeOf(err error) string {
	var move *MovementError
	var timeout *TimeoutError
	switch {
	case errors.As(err, &move):
		return "FailedMovement"
	case errors.As(err, &timeout):
		return "TimeoutError"
	default:
		return "ScanAbortion"
	}
}

// Run consumes the queue until |ctx| is canceled. Scan state carries over
// from item to item, so an open scan definition survives the item boundaries
// between its segments.
func (w *Worker) Run(ctx context.Context) error {
	var q = w.mgr.Queue(w.cfg.Queue)
	var state = newRunState()

	w.log().WithField("queue", q.Name()).Info("scan worker started")
	for {
		var item, err = q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err = w.processItem(ctx, q, state, item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// processItem executes one item and settles it with the queue. Scan errors
// raise an alarm and pause the queue; operator stops and clean completions
// leave it running.
func (w *Worker) processItem(ctx context.Context, q *queue.Queue, state *runState, item *queue.Item) error {
	var r = &run{runState: state, w: w, item: item}
	var err = r.execute(ctx)

	switch {
	case err == nil:
		if state.scanID == "" && len(state.openDefs) == 0 {
			state.reset()
		}
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, errItemStopped):
		r.cleanup(ctx)
	default:
		w.log().WithFields(log.Fields{
			"queueID": item.QueueID(),
			"err":     err,
		}).Error("scan failed")
		w.raiseAbort(ctx, r, err)
		r.cleanup(ctx)
		q.Fail(ctx, item)
	}

	if err := q.Finish(ctx, item); err != nil {
		w.log().WithFields(log.Fields{
			"queueID": item.QueueID(),
			"err":     err,
		}).Warn("failed to settle finished item")
	}
	return nil
}

// raiseAbort publishes the MAJOR alarm describing a failed scan.
func (w *Worker) raiseAbort(ctx context.Context, r *run, cause error) {
	var source = map[string]string{}
	if block := r.item.ActiveBlock(); block != nil {
		source["RID"] = block.RID()
	}
	if r.scanID != "" {
		source["scanID"] = r.scanID
	}
	var md = messages.Metadata{}
	if r.scanMD != nil {
		md = r.scanMD.Copy()
	}
	var err = w.alarmer.Raise(ctx, messages.SeverityMajor, alarmTypeOf(cause), source,
		messages.Params{"error": cause.Error()}, md)
	if err != nil {
		w.log().WithField("err", err).Warn("failed to raise scan alarm")
	}
}

// runState is the scan context shared by consecutive items. It resets when
// the scan closes or aborts, not when an item ends: ungrouped scan-definition
// segments arrive as separate items but form one scan.
type runState struct {
	scanID     string
	scanMotors []string
	override   devices.Override

	scanInfo messages.Params
	scanMD   messages.Metadata

	scanNumber    int64
	datasetNumber int64

	// openDefs tracks scan definitions opened but not yet closed.
	openDefs map[string]struct{}
	// groups maps a wait group to the instruction ID each device still
	// owes an acknowledgement for.
	groups map[string]map[string]int64
	// setpoints remembers the last commanded position per device, for
	// reconciling failed moves against readbacks.
	setpoints map[string]float64
	// staged holds devices staged but not yet unstaged, the set cleanup
	// unstages after an abort.
	staged map[string]struct{}

	// maxPointID and pointsSeen follow the highest point emitted so far;
	// pointBase shifts the point IDs of a definition's later segments past
	// the earlier ones.
	maxPointID int64
	pointsSeen bool
	pointBase  int64

	pausedSent bool
}

func newRunState() *runState {
	var s = &runState{}
	s.reset()
	return s
}

func (s *runState) reset() {
	s.scanID = ""
	s.scanMotors = nil
	s.override = devices.Override{}
	s.scanInfo = nil
	s.scanMD = nil
	s.scanNumber = 0
	s.datasetNumber = 0
	s.openDefs = make(map[string]struct{})
	s.groups = make(map[string]map[string]int64)
	s.setpoints = make(map[string]float64)
	s.staged = make(map[string]struct{})
	s.maxPointID = 0
	s.pointsSeen = false
	s.pointBase = 0
	s.pausedSent = false
}

// run binds the shared scan state to the item currently executing.
type run struct {
	*runState
	w    *Worker
	item *queue.Item
}

// execute runs every block of the item in order. A nil return means the item
// drained; errItemStopped means an operator stopped it mid-flight.
func (r *run) execute(ctx context.Context) error {
	if err := r.waitForDeviceServer(ctx); err != nil {
		return err
	}
	for {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		var block, err = r.item.NextBlock(ctx)
		if err != nil {
			return err
		}
		if block == nil {
			if r.item.Stopped() {
				return errItemStopped
			}
			return nil
		}
		if block.Msg().ScanType == "open_scan_def" {
			if defID := block.Msg().Meta().ScanDefID(); defID != "" {
				r.openDefs[defID] = struct{}{}
			}
		}
		err = block.Request().Run(ctx, func(instr *messages.DeviceInstructionMessage) error {
			return r.step(ctx, block, instr)
		})
		if err != nil {
			return err
		}
	}
}

// waitForDeviceServer blocks until the device server's heartbeat reports it
// alive. Scans dispatched into the void would time out device by device;
// holding the whole item here fails faster and keeps the queue intact.
func (r *run) waitForDeviceServer(ctx context.Context) error {
	var logged bool
	for {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		var raw, err = r.w.conn.Get(ctx, messages.ServiceStatus(deviceServer))
		if err != nil {
			r.w.log().WithField("err", err).Warn("failed to read device server status")
		} else if raw != nil {
			var msg, derr = messages.DecodeAs[*messages.ServiceStatusMessage](raw)
			if derr == nil && (msg.Status == messages.ServiceRunning || msg.Status == messages.ServiceBusy) {
				return nil
			}
		}
		if !logged {
			logged = true
			r.w.log().Info("waiting for device server")
		}
		var ch = r.item.Changed()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.w.cfg.PollInterval):
		case <-ch:
		}
	}
}

// checkpoint observes the item's interrupt state: a stop aborts the run, a
// pause parks it here until the operator continues. The scan's paused status
// is published once per pause.
func (r *run) checkpoint(ctx context.Context) error {
	for {
		var ch = r.item.Changed()
		switch r.item.Status() {
		case messages.QueueItemStopped:
			return errItemStopped
		case messages.QueueItemPaused:
			if !r.pausedSent {
				r.pausedSent = true
				if r.scanID != "" {
					if err := r.sendScanStatus(ctx, messages.ScanStatusPaused); err != nil {
						r.w.log().WithField("err", err).Warn("failed to publish paused scan status")
					}
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
		default:
			r.pausedSent = false
			return nil
		}
	}
}

// step handles one emitted instruction: interrupt checkpoint, point
// bookkeeping, then the action dispatch.
func (r *run) step(ctx context.Context, block *queue.RequestBlock, instr *messages.DeviceInstructionMessage) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	var md = instr.Meta()
	if pid, ok := md.PointID(); ok {
		var eff = pid + r.pointBase
		// A deferred pause converts to a pause at the next point
		// boundary: the point in flight finishes, the next one holds.
		if r.item.Status() == messages.QueueItemDeferredPause && (!r.pointsSeen || eff > r.maxPointID) {
			r.item.ConfirmPause()
			if err := r.w.mgr.PublishStatus(ctx); err != nil {
				r.w.log().WithField("err", err).Warn("failed to publish queue status")
			}
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
		}
		md.SetPointID(eff)
		if eff > r.maxPointID {
			r.maxPointID = eff
		}
		r.pointsSeen = true
	}

	instructionsTotal.WithLabelValues(instr.Action).Inc()

	switch instr.Action {
	case assembler.ActionOpenScan:
		return r.openScan(ctx, block, instr)
	case assembler.ActionCloseScan:
		return r.closeScan(ctx, instr)
	case assembler.ActionCloseScanDef:
		return r.closeScanDef(ctx, instr)
	case assembler.ActionCloseScanGroup:
		return nil
	case assembler.ActionSet:
		return r.setDevices(ctx, instr)
	case assembler.ActionWait:
		return r.waitFor(ctx, instr)
	case assembler.ActionTrigger:
		return r.triggerDevices(ctx, instr)
	case assembler.ActionRead:
		return r.readDevices(ctx, instr)
	case assembler.ActionBaselineReading:
		return r.baselineReading(ctx, instr)
	case assembler.ActionStage:
		return r.stageDevices(ctx, instr)
	case assembler.ActionUnstage:
		return r.unstageDevices(ctx, instr)
	case assembler.ActionPreScan:
		return r.preScan(ctx, instr)
	case assembler.ActionKickoff:
		return r.kickoffDevices(ctx, instr)
	case assembler.ActionComplete:
		return r.completeDevices(ctx, instr)
	case assembler.ActionRPC:
		return r.forward(ctx, instr)
	case assembler.ActionPublishDataAsRead:
		return r.publishDataAsRead(ctx, instr)
	case assembler.ActionScanReport:
		return r.scanReport(ctx, block, instr)
	default:
		return fmt.Errorf("unknown instruction action %q", instr.Action)
	}
}

// openScan opens a scan or continues one across a definition segment. Fresh
// scans draw their scan and dataset numbers here; continuations keep them and
// shift their point IDs past the points already taken.
func (r *run) openScan(ctx context.Context, block *queue.RequestBlock, instr *messages.DeviceInstructionMessage) error {
	var md = instr.Meta()
	var fresh = r.scanID == ""
	if fresh {
		r.scanID = md.ScanID()
		r.scanMotors = instr.Parameter.Strings("scan_motors")
		r.override = devices.OverrideFromParams(instr.Parameter.Map("readout_priority"))
		r.scanMD = block.Msg().Meta().Copy()
	}
	if md.ScanDefID() == "" {
		r.maxPointID = 0
		r.pointsSeen = false
	}

	r.pointBase = 0
	var numPoints, _ = instr.Parameter.Int("num_points")
	if r.pointsSeen {
		r.pointBase = r.maxPointID + 1
		numPoints += r.pointBase
	}

	if fresh {
		var err error
		if r.scanNumber, err = r.w.conn.Incr(ctx, messages.ScanNumber()); err != nil {
			return fmt.Errorf("allocating scan number: %w", err)
		}
		if r.datasetNumber, err = r.w.conn.Incr(ctx, messages.DatasetNumber()); err != nil {
			return fmt.Errorf("allocating dataset number: %w", err)
		}
	}
	block.SetScanNumber(r.scanNumber)

	var def = block.Request().Definition()
	r.scanInfo = r.buildScanInfo(block, instr, numPoints)
	if def.ReportHint == assembler.ReportTable {
		block.AddReportInstruction(map[string]any{"table_wait": numPoints})
	}
	if err := r.w.mgr.PublishStatus(ctx); err != nil {
		r.w.log().WithField("err", err).Warn("failed to publish queue status")
	}

	r.w.log().WithFields(log.Fields{
		"scanID":     r.scanID,
		"scanNumber": r.scanNumber,
		"scanType":   def.Name,
		"numPoints":  numPoints,
	}).Info("scan opened")
	return r.sendScanStatus(ctx, messages.ScanStatusOpen)
}

// buildScanInfo assembles the status payload clients, the bundler and the
// file writer read along with every scan status update.
func (r *run) buildScanInfo(block *queue.RequestBlock, instr *messages.DeviceInstructionMessage, numPoints int64) messages.Params {
	var msg = block.Msg()
	var def = block.Request().Definition()
	var kwargs = msg.Parameter.Kwargs

	var info = messages.Params{}
	for k, v := range msg.Metadata {
		info[k] = v
	}
	info["args"] = msg.Parameter.Args.List()
	info["kwargs"] = map[string]any(kwargs)
	for _, key := range []string{"scan_motors", "readout_priority", "positions", "scan_name", "scan_type"} {
		if v, ok := instr.Parameter[key]; ok {
			info[key] = v
		}
	}
	info["num_points"] = numPoints
	info["scan_number"] = r.scanNumber
	info["dataset_number"] = r.datasetNumber

	info["exp_time"] = kwargs["exp_time"]
	var settling, _ = kwargs.Float("settling_time")
	info["settling_time"] = settling
	var readout, _ = kwargs.Float("readout_time")
	info["readout_time"] = readout
	var frames, ok = kwargs.Int("frames_per_trigger")
	if !ok {
		frames = 1
	}
	info["frames_per_trigger"] = frames

	info["scan_report_hint"] = def.ReportHint
	info["scan_report_devices"] = append([]string(nil), r.scanMotors...)
	info["enforce_sync"] = def.EnforceSync
	info["queue"] = r.w.cfg.Queue
	return info
}

// closeScan closes the running scan, unless the instruction belongs to a
// scan-definition segment: segments defer the close to close_scan_def.
func (r *run) closeScan(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var md = instr.Meta()
	if md.ScanDefID() != "" {
		return nil
	}
	if r.scanID == "" || r.scanID != md.ScanID() {
		return nil
	}
	return r.finishScan(ctx)
}

// closeScanDef retires one scan definition. The scan itself closes when the
// last open definition goes.
func (r *run) closeScanDef(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	delete(r.openDefs, instr.Meta().ScanDefID())
	if len(r.openDefs) > 0 {
		if err := r.w.mgr.PublishStatus(ctx); err != nil {
			r.w.log().WithField("err", err).Warn("failed to publish queue status")
		}
		return nil
	}
	return r.finishScan(ctx)
}

// finishScan publishes the closed status, with the point count corrected to
// what the scan actually produced, and clears the scan binding.
func (r *run) finishScan(ctx context.Context) error {
	if r.scanID == "" {
		return nil
	}
	if r.pointsSeen {
		r.scanInfo["num_points"] = r.maxPointID + 1
	}
	if err := r.sendScanStatus(ctx, messages.ScanStatusClosed); err != nil {
		return err
	}
	r.scanID = ""
	return nil
}

// sendScanStatus set-and-publishes the scan's status and mirrors it on the
// public per-scan key finished scans expire from.
func (r *run) sendScanStatus(ctx context.Context, status string) error {
	var scanID = r.scanID
	var msg = &messages.ScanStatusMessage{
		ScanID:   scanID,
		Status:   status,
		Info:     r.scanInfo,
		Metadata: r.scanMD.Copy(),
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding scan status: %w", err)
	}
	var ttl time.Duration
	if status == messages.ScanStatusClosed || status == messages.ScanStatusAborted {
		ttl = publicStatusTTL
	}
	var pipe = r.w.conn.Pipeline()
	pipe.SetAndPublish(messages.ScanStatus(), raw)
	pipe.Set(messages.PublicScanStatus(scanID), raw, ttl)
	if err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing scan status: %w", err)
	}

	scansTotal.WithLabelValues(status).Inc()
	r.w.log().WithFields(log.Fields{
		"scanID": scanID,
		"status": status,
	}).Info("scan status published")
	return nil
}

// setDevices forwards a move and remembers the setpoint and wait group, so a
// later wait can confirm or reconcile it.
func (r *run) setDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var diid, _ = instr.Meta().DIID()
	var group = groupKeyOf(instr)
	var value, _ = instr.Parameter.Float("value")
	for _, dev := range instr.Device {
		r.setpoints[dev] = value
		r.recordGroup(group, dev, diid)
	}
	return r.forward(ctx, instr)
}

// waitFor blocks on one wait group. Move waits reconcile reported failures
// against readbacks; trigger waits honor the exposure time first.
func (r *run) waitFor(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var typ, _ = instr.Parameter.String("type")
	var group = groupKeyOf(instr)
	switch typ {
	case assembler.WaitTypeMove:
		return r.waitForGroup(ctx, instr, group, true)
	case assembler.WaitTypeRead:
		return r.waitForGroup(ctx, instr, group, false)
	case assembler.WaitTypeTrigger:
		if secs, ok := instr.Parameter.Float("time"); ok && secs > 0 {
			if err := r.sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
				return err
			}
		}
		return r.waitForGroup(ctx, instr, group, false)
	default:
		return fmt.Errorf("unknown wait type %q", typ)
	}
}

// groupEntry is one outstanding acknowledgement: a device and the
// instruction ID it owes.
type groupEntry struct {
	device string
	diid   int64
}

// takePending consumes the group's outstanding entries this wait covers.
// Entries recorded after the wait was issued stay for the next one, and an
// explicit device list narrows the wait to those devices.
func (r *run) takePending(group string, instr *messages.DeviceInstructionMessage) []groupEntry {
	var recorded = r.groups[group]
	if len(recorded) == 0 {
		return nil
	}
	var waitDIID, hasDIID = instr.Meta().DIID()

	var names []string
	if len(instr.Device) > 0 {
		names = []string(instr.Device)
	} else {
		names = make([]string, 0, len(recorded))
		for dev := range recorded {
			names = append(names, dev)
		}
		sort.Strings(names)
	}

	var pending []groupEntry
	for _, dev := range names {
		var diid, ok = recorded[dev]
		if !ok || (hasDIID && diid > waitDIID) {
			continue
		}
		pending = append(pending, groupEntry{device: dev, diid: diid})
		delete(recorded, dev)
	}
	return pending
}

func (r *run) waitForGroup(ctx context.Context, instr *messages.DeviceInstructionMessage, group string, reconcile bool) error {
	var pending = r.takePending(group, instr)
	return r.awaitEntries(ctx, instr, group, pending, reconcile)
}

// awaitEntries polls the request-status keys until every entry is
// acknowledged. Acknowledgements are matched by request ID, so answers to an
// earlier segment or an unrelated request never satisfy this wait. Failures
// either reconcile against the readback or abort the scan.
func (r *run) awaitEntries(ctx context.Context, instr *messages.DeviceInstructionMessage, group string, pending []groupEntry, reconcile bool) error {
	if len(pending) == 0 {
		return nil
	}
	var rid = instr.Meta().RID()
	return r.await(ctx, group, func(ctx context.Context) (bool, error) {
		var next = pending[:0]
		for _, e := range pending {
			var st, err = r.reqStatus(ctx, e.device)
			if err != nil {
				return false, err
			}
			if st == nil || st.Meta().RID() != rid {
				next = append(next, e)
				continue
			}
			var diid, ok = st.Meta().DIID()
			if !ok || diid < e.diid {
				next = append(next, e)
				continue
			}
			if !st.Success && diid == e.diid {
				if !reconcile {
					return false, fmt.Errorf("device %s failed instruction %d", e.device, e.diid)
				}
				if err = r.confirmMove(ctx, e.device); err != nil {
					return false, err
				}
			}
		}
		pending = next
		return len(pending) == 0, nil
	})
}

// confirmMove checks a reportedly failed move against the device's readback.
// Motors stopped by their controller mid-move still count as arrived when
// the readback sits within tolerance of the setpoint.
func (r *run) confirmMove(ctx context.Context, device string) error {
	var setpoint, tracked = r.setpoints[device]
	if !tracked {
		return fmt.Errorf("device %s reported a failed movement", device)
	}
	var readback, err = r.position(ctx, device)
	if err != nil {
		return err
	}
	var tolerance = defaultTolerance
	if dev, ok := r.w.reg.Get(device); ok {
		if tol, has := dev.Tolerance(); has {
			tolerance = tol
		}
	}
	if math.Abs(readback-setpoint) > tolerance {
		return &MovementError{Device: device, Setpoint: setpoint, Readback: readback}
	}
	return nil
}

// triggerDevices forwards a trigger, expanded to every detector when the
// instruction names none.
func (r *run) triggerDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var out = instr
	if len(instr.Device) == 0 {
		var names = devices.Names(r.w.reg.Detectors())
		if len(names) == 0 {
			return nil
		}
		out = withDevices(instr, names)
	}
	var diid, _ = instr.Meta().DIID()
	var group = groupKeyOf(instr)
	for _, dev := range out.Device {
		r.recordGroup(group, dev, diid)
	}
	return r.forward(ctx, out)
}

// readDevices forwards a read, expanded by read group when the instruction
// names no devices: the primary group reads every monitored device, the
// scan-motor group the scan's motors.
func (r *run) readDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var out = instr
	if len(instr.Device) == 0 {
		var names []string
		switch g, _ := instr.Parameter.String("group"); g {
		case assembler.GroupPrimary:
			names = devices.Names(r.w.reg.Monitored(r.scanMotors, r.override))
		case assembler.GroupScanMotor:
			names = append([]string(nil), r.scanMotors...)
		}
		if len(names) == 0 {
			return nil
		}
		out = withDevices(instr, names)
	}
	var diid, _ = instr.Meta().DIID()
	var group = groupKeyOf(instr)
	for _, dev := range out.Device {
		r.recordGroup(group, dev, diid)
	}
	return r.forward(ctx, out)
}

// baselineReading rewrites to a plain read of the baseline devices. Baseline
// readings are not waited on; the bundler collects them as they arrive.
func (r *run) baselineReading(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var names = devices.Names(r.w.reg.Baseline(r.scanMotors, r.override))
	if len(names) == 0 {
		return nil
	}
	var out = withDevices(instr, names)
	out.Action = assembler.ActionRead
	return r.forward(ctx, out)
}

// stageDevices stages every enabled device and waits for each to confirm.
func (r *run) stageDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var names = devices.Names(r.w.reg.Enabled())
	if len(names) == 0 {
		return nil
	}
	for _, dev := range names {
		r.staged[dev] = struct{}{}
	}
	if err := r.forward(ctx, withDevices(instr, names)); err != nil {
		return err
	}
	return r.waitForStaged(ctx, names, true)
}

// unstageDevices unstages the named devices, or every enabled one. Cleanup
// unstages are fire-and-forget; regular ones wait for confirmation.
func (r *run) unstageDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var names = []string(instr.Device)
	if len(names) == 0 {
		names = devices.Names(r.w.reg.Enabled())
	}
	for _, dev := range names {
		delete(r.staged, dev)
	}
	if err := r.forward(ctx, withDevices(instr, names)); err != nil {
		return err
	}
	if instr.Meta().Cleanup() {
		return nil
	}
	return r.waitForStaged(ctx, names, false)
}

// waitForStaged polls the staged keys until every device reports the wanted
// state. A missing key counts as unstaged.
func (r *run) waitForStaged(ctx context.Context, names []string, staged bool) error {
	var want int64
	if staged {
		want = 1
	}
	var pending = append([]string(nil), names...)
	return r.await(ctx, "stage", func(ctx context.Context) (bool, error) {
		var next = pending[:0]
		for _, dev := range pending {
			var raw, err = r.w.conn.Get(ctx, messages.DeviceStaged(dev))
			if err != nil {
				return false, fmt.Errorf("reading staged state of %s: %w", dev, err)
			}
			var status int64
			if raw != nil {
				var msg, derr = messages.DecodeAs[*messages.DeviceStatusMessage](raw)
				if derr != nil {
					return false, fmt.Errorf("decoding staged state of %s: %w", dev, derr)
				}
				status = msg.Status
			}
			if status != want {
				next = append(next, dev)
			}
		}
		pending = next
		return len(pending) == 0, nil
	})
}

// preScan forwards the pre-scan hook to every enabled device.
func (r *run) preScan(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var names = devices.Names(r.w.reg.Enabled())
	if len(names) == 0 {
		return nil
	}
	return r.forward(ctx, withDevices(instr, names))
}

// kickoffDevices forwards a fly-scan kickoff and records it for its wait.
func (r *run) kickoffDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var diid, _ = instr.Meta().DIID()
	var group = groupKeyOf(instr)
	for _, dev := range instr.Device {
		r.recordGroup(group, dev, diid)
	}
	return r.forward(ctx, instr)
}

// completeDevices forwards a completion request and waits for the devices to
// acknowledge it, so a fly scan's data is on the broker before the scan
// closes.
func (r *run) completeDevices(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	if err := r.forward(ctx, instr); err != nil {
		return err
	}
	var diid, _ = instr.Meta().DIID()
	var pending = make([]groupEntry, 0, len(instr.Device))
	for _, dev := range instr.Device {
		pending = append(pending, groupEntry{device: dev, diid: diid})
	}
	return r.awaitEntries(ctx, instr, "complete", pending, false)
}

// publishDataAsRead publishes scan-generated data under a device's read key,
// as if the device server had read it. A list payload zips with the device
// list; anything else belongs to the first device.
func (r *run) publishDataAsRead(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var data, ok = instr.Parameter["data"]
	if !ok || len(instr.Device) == 0 {
		return nil
	}
	if list, isList := data.([]any); isList {
		for n, dev := range instr.Device {
			if n >= len(list) {
				break
			}
			if err := r.publishRead(ctx, dev, signalMapOf(list[n]), instr.Metadata); err != nil {
				return err
			}
		}
		return nil
	}
	return r.publishRead(ctx, instr.Device[0], signalMapOf(data), instr.Metadata)
}

func (r *run) publishRead(ctx context.Context, device string, signals messages.SignalMap, md messages.Metadata) error {
	if signals == nil {
		return nil
	}
	var raw, err = messages.Encode(&messages.DeviceMessage{Signals: signals, Metadata: md.Copy()})
	if err != nil {
		return fmt.Errorf("encoding %s data: %w", device, err)
	}
	if err = r.w.conn.SetAndPublish(ctx, messages.DeviceRead(device), raw); err != nil {
		return fmt.Errorf("publishing %s data: %w", device, err)
	}
	return nil
}

// scanReport attaches a report instruction to the block and republishes the
// queue, so client UIs following the request pick it up immediately.
func (r *run) scanReport(ctx context.Context, block *queue.RequestBlock, instr *messages.DeviceInstructionMessage) error {
	block.AddReportInstruction(map[string]any(instr.Parameter))
	if err := r.w.mgr.PublishStatus(ctx); err != nil {
		return fmt.Errorf("publishing queue status: %w", err)
	}
	return nil
}

// cleanup unwinds an interrupted run: staged devices are unstaged without
// waiting, the scan is announced aborted and the shared state resets. Halted
// items skip the unstage; a halt means touch nothing further.
func (r *run) cleanup(ctx context.Context) {
	if len(r.staged) > 0 && !r.item.Halted() {
		var names = make([]string, 0, len(r.staged))
		for dev := range r.staged {
			names = append(names, dev)
		}
		sort.Strings(names)

		var md = messages.Metadata{}
		if r.scanMD != nil {
			md = r.scanMD.Copy()
		}
		md.SetCleanup()
		var instr = &messages.DeviceInstructionMessage{
			Device:    messages.Strings(names),
			Action:    assembler.ActionUnstage,
			Parameter: messages.Params{},
			Metadata:  md,
		}
		if err := r.forward(ctx, instr); err != nil {
			r.w.log().WithField("err", err).Warn("failed to unstage devices during cleanup")
		}
	}
	if r.scanID != "" {
		if err := r.sendScanStatus(ctx, messages.ScanStatusAborted); err != nil {
			r.w.log().WithField("err", err).Warn("failed to publish aborted scan status")
		}
	}
	r.reset()
}

// forward publishes one instruction to the device server.
func (r *run) forward(ctx context.Context, instr *messages.DeviceInstructionMessage) error {
	var raw, err = messages.Encode(instr)
	if err != nil {
		return fmt.Errorf("encoding %s instruction: %w", instr.Action, err)
	}
	if err = r.w.conn.Publish(ctx, messages.DeviceInstructions(), raw); err != nil {
		return fmt.Errorf("forwarding %s instruction: %w", instr.Action, err)
	}
	return nil
}

// reqStatus reads one device's last acknowledgement, or nil.
func (r *run) reqStatus(ctx context.Context, device string) (*messages.DeviceReqStatusMessage, error) {
	var raw, err = r.w.conn.Get(ctx, messages.DeviceReqStatus(device))
	if err != nil {
		return nil, fmt.Errorf("reading %s request status: %w", device, err)
	}
	if raw == nil {
		return nil, nil
	}
	var msg, derr = messages.DecodeAs[*messages.DeviceReqStatusMessage](raw)
	if derr != nil {
		return nil, fmt.Errorf("decoding %s request status: %w", device, derr)
	}
	return msg, nil
}

// await polls |check| until it reports done, honoring pauses and stops
// between polls and bounding the wall-clock wait. Time parked in a pause
// does not count against the bound.
func (r *run) await(ctx context.Context, group string, check func(context.Context) (bool, error)) error {
	var deadline time.Time
	if r.w.cfg.WaitTimeout > 0 {
		deadline = time.Now().Add(r.w.cfg.WaitTimeout)
	}
	var ticker = time.NewTicker(r.w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var parked = time.Now()
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if !deadline.IsZero() {
			deadline = deadline.Add(time.Since(parked))
		}

		var done, err = check(ctx)
		if err != nil || done {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return &TimeoutError{Group: group, Timeout: r.w.cfg.WaitTimeout}
		}

		var ch = r.item.Changed()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-ch:
		}
	}
}

// sleep waits out an exposure, still honoring pauses and stops.
func (r *run) sleep(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	for {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		var ch = r.item.Changed()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ch:
		}
	}
}

// position reads a device's last readback from the broker.
func (r *run) position(ctx context.Context, device string) (float64, error) {
	return Readbacks{Conn: r.w.conn}.Position(ctx, device)
}

// recordGroup notes that |device| owes an acknowledgement for |diid| under
// the wait group.
func (r *run) recordGroup(group, device string, diid int64) {
	if group == "" {
		return
	}
	var m, ok = r.groups[group]
	if !ok {
		m = make(map[string]int64)
		r.groups[group] = m
	}
	m[device] = diid
}

// Readbacks reads last-known device positions from the broker's readback
// keys. It backs the worker's move reconciliation and serves as the
// assembler's position source.
type Readbacks struct {
	Conn connector.Connector
}

// Position returns the device's last readback value.
func (r Readbacks) Position(ctx context.Context, device string) (float64, error) {
	var raw, err = r.Conn.Get(ctx, messages.DeviceReadback(device))
	if err != nil {
		return 0, fmt.Errorf("reading %s readback: %w", device, err)
	}
	if raw == nil {
		return 0, fmt.Errorf("no readback available for %s", device)
	}
	var msg, derr = messages.DecodeAs[*messages.DeviceMessage](raw)
	if derr != nil {
		return 0, fmt.Errorf("decoding %s readback: %w", device, derr)
	}
	var pos, ok = floatOf(msg.Signals[device].Value)
	if !ok {
		return 0, fmt.Errorf("readback of %s has no numeric value", device)
	}
	return pos, nil
}

// withDevices returns a copy of |instr| addressing |names|.
func withDevices(instr *messages.DeviceInstructionMessage, names []string) *messages.DeviceInstructionMessage {
	return &messages.DeviceInstructionMessage{
		Device:    messages.Strings(names),
		Action:    instr.Action,
		Parameter: instr.Parameter,
		Metadata:  instr.Metadata,
	}
}

// groupKeyOf resolves the wait group an instruction records into or waits
// on: the explicit wait_group when present, else the device group.
func groupKeyOf(instr *messages.DeviceInstructionMessage) string {
	if g, ok := instr.Parameter.String("wait_group"); ok {
		return g
	}
	var g, _ = instr.Parameter.String("group")
	return g
}

// signalMapOf coerces a publish_data_as_read payload into a signal map. In
// process the payload is already typed; decoded off the wire it arrives as
// nested maps.
func signalMapOf(v any) messages.SignalMap {
	switch m := v.(type) {
	case messages.SignalMap:
		return m
	case map[string]messages.Signal:
		return messages.SignalMap(m)
	case map[string]any:
		var out = make(messages.SignalMap, len(m))
		for name, sv := range m {
			switch s := sv.(type) {
			case messages.Signal:
				out[name] = s
			case map[string]any:
				var sig = messages.Signal{Value: s["value"]}
				if ts, ok := floatOf(s["timestamp"]); ok {
					sig.Timestamp = ts
				}
				out[name] = sig
			default:
				out[name] = messages.Signal{Value: sv}
			}
		}
		return out
	default:
		return nil
	}
}

func floatOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
