package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/queue"
)

func testCatalog() []devices.Config {
	return []devices.Config{
		{
			Name:        "samx",
			DeviceClass: "SimMotor",
			Enabled:     true,
			DeviceConfig: messages.Params{
				"limits":    []any{-50.0, 50.0},
				"tolerance": 0.5,
			},
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "samy",
			DeviceClass: "SimMotor",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "bpm4i",
			DeviceClass: "SimMonitor",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "monitor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "eiger",
			DeviceClass: "SimCamera",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "detector",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "rtx",
			DeviceClass: "SimTemperature",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityBaseline,
				AcquisitionGroup: "status",
				Schedule:         devices.ScheduleSync,
			},
		},
	}
}

func testRegistry(t *testing.T, conn connector.Connector) *devices.Registry {
	t.Helper()
	var ctx = context.Background()

	var raw, err = msgpack.Marshal(testCatalog())
	require.NoError(t, err)
	require.NoError(t, conn.Set(ctx, messages.DeviceConfig(), raw, 0))

	var reg = devices.NewRegistry(conn)
	require.NoError(t, reg.Load(ctx))
	return reg
}

// fakeDeviceServer subscribes to the instruction topic and acknowledges
// instructions the way the device server does: sets move a simulated
// position and answer on the request-status key, reads publish signals and
// readbacks, stage and unstage flip the staged keys. Gates hold the
// acknowledgement of one action until released, to park the worker at a
// known instruction.
type fakeDeviceServer struct {
	conn   connector.Connector
	cancel connector.CancelFunc

	mu        sync.Mutex
	instrs    []*messages.DeviceInstructionMessage
	pos       map[string]float64
	moveFails map[string]float64
	gates     map[string]chan struct{}
	releases  []func()
}

func newFakeDeviceServer(t *testing.T, conn connector.Connector, motors ...string) *fakeDeviceServer {
	t.Helper()
	var ctx = context.Background()
	var f = &fakeDeviceServer{
		conn:      conn,
		pos:       map[string]float64{},
		moveFails: map[string]float64{},
		gates:     map[string]chan struct{}{},
	}

	var raw, err = messages.Encode(&messages.ServiceStatusMessage{
		Name:   "device_server",
		Status: messages.ServiceRunning,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Set(ctx, messages.ServiceStatus("device_server"), raw, 0))

	for _, dev := range motors {
		f.writeReadback(ctx, dev, 0)
	}

	f.cancel, err = conn.Subscribe(ctx, messages.DeviceInstructions(), f.onInstruction)
	require.NoError(t, err)
	return f
}

func (f *fakeDeviceServer) close() {
	f.mu.Lock()
	var releases = f.releases
	f.mu.Unlock()
	for _, release := range releases {
		release()
	}
	f.cancel()
}

// gate holds acknowledgement of the named action until the returned func is
// called. All gates release on close.
func (f *fakeDeviceServer) gate(action string) func() {
	var ch = make(chan struct{})
	var once sync.Once
	var release = func() { once.Do(func() { close(ch) }) }

	f.mu.Lock()
	f.gates[action] = ch
	f.releases = append(f.releases, release)
	f.mu.Unlock()
	return release
}

// failMove makes every following set of |device| acknowledge failure, with
// the readback landing |offset| away from the setpoint.
func (f *fakeDeviceServer) failMove(device string, offset float64) {
	f.mu.Lock()
	f.moveFails[device] = offset
	f.mu.Unlock()
}

func (f *fakeDeviceServer) onInstruction(mo connector.MessageObject) {
	var ctx = context.Background()
	var instr, err = messages.DecodeAs[*messages.DeviceInstructionMessage](mo.Value)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.instrs = append(f.instrs, instr)
	var gate = f.gates[instr.Action]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	switch instr.Action {
	case "set":
		var target, _ = instr.Parameter.Float("value")
		for _, dev := range instr.Device {
			f.mu.Lock()
			var offset, fails = f.moveFails[dev]
			f.pos[dev] = target + offset
			f.mu.Unlock()
			f.writeReadback(ctx, dev, target+offset)
			f.ack(ctx, dev, instr, !fails)
		}
	case "read":
		for _, dev := range instr.Device {
			f.mu.Lock()
			var pos = f.pos[dev]
			f.mu.Unlock()
			f.writeReadback(ctx, dev, pos)
			f.publishRead(ctx, dev, pos, instr)
			f.ack(ctx, dev, instr, true)
		}
	case "trigger", "kickoff", "complete", "pre_scan", "rpc":
		for _, dev := range instr.Device {
			f.ack(ctx, dev, instr, true)
		}
	case "stage":
		for _, dev := range instr.Device {
			f.writeStaged(ctx, dev, 1)
		}
	case "unstage":
		for _, dev := range instr.Device {
			f.writeStaged(ctx, dev, 0)
		}
	}
}

func (f *fakeDeviceServer) ack(ctx context.Context, device string, instr *messages.DeviceInstructionMessage, success bool) {
	var raw, err = messages.Encode(&messages.DeviceReqStatusMessage{
		Device:   device,
		Success:  success,
		Metadata: instr.Metadata.Copy(),
	})
	if err != nil {
		return
	}
	_ = f.conn.SetAndPublish(ctx, messages.DeviceReqStatus(device), raw)
}

func (f *fakeDeviceServer) writeReadback(ctx context.Context, device string, value float64) {
	var raw, err = messages.Encode(&messages.DeviceMessage{
		Signals: messages.SignalMap{device: {Value: value, Timestamp: unixSeconds()}},
	})
	if err != nil {
		return
	}
	_ = f.conn.SetAndPublish(ctx, messages.DeviceReadback(device), raw)
}

func (f *fakeDeviceServer) publishRead(ctx context.Context, device string, value float64, instr *messages.DeviceInstructionMessage) {
	var raw, err = messages.Encode(&messages.DeviceMessage{
		Signals:  messages.SignalMap{device: {Value: value, Timestamp: unixSeconds()}},
		Metadata: instr.Metadata.Copy(),
	})
	if err != nil {
		return
	}
	_ = f.conn.SetAndPublish(ctx, messages.DeviceRead(device), raw)
}

func (f *fakeDeviceServer) writeStaged(ctx context.Context, device string, status int64) {
	var raw, err = messages.Encode(&messages.DeviceStatusMessage{Device: device, Status: status})
	if err != nil {
		return
	}
	_ = f.conn.Set(ctx, messages.DeviceStaged(device), raw, 0)
}

func (f *fakeDeviceServer) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out = make([]string, len(f.instrs))
	for i, instr := range f.instrs {
		out[i] = instr.Action
	}
	return out
}

func (f *fakeDeviceServer) byAction(action string) []*messages.DeviceInstructionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*messages.DeviceInstructionMessage
	for _, instr := range f.instrs {
		if instr.Action == action {
			out = append(out, instr)
		}
	}
	return out
}

func unixSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

type statusRecorder struct {
	mu   sync.Mutex
	msgs []*messages.ScanStatusMessage
}

func recordScanStatus(t *testing.T, conn connector.Connector) *statusRecorder {
	t.Helper()
	var rec = &statusRecorder{}
	var cancel, err = conn.Subscribe(context.Background(), messages.ScanStatus(), func(mo connector.MessageObject) {
		var msg, derr = messages.DecodeAs[*messages.ScanStatusMessage](mo.Value)
		if derr != nil {
			return
		}
		rec.mu.Lock()
		rec.msgs = append(rec.msgs, msg)
		rec.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return rec
}

func (r *statusRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make([]string, len(r.msgs))
	for i, msg := range r.msgs {
		out[i] = msg.Status
	}
	return out
}

func (r *statusRecorder) byStatus(status string) []*messages.ScanStatusMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*messages.ScanStatusMessage
	for _, msg := range r.msgs {
		if msg.Status == status {
			out = append(out, msg)
		}
	}
	return out
}

type alarmRecorder struct {
	mu   sync.Mutex
	msgs []*messages.AlarmMessage
}

func recordAlarms(t *testing.T, conn connector.Connector) *alarmRecorder {
	t.Helper()
	var rec = &alarmRecorder{}
	var cancel, err = conn.Subscribe(context.Background(), messages.Alarms(), func(mo connector.MessageObject) {
		var msg, derr = messages.DecodeAs[*messages.AlarmMessage](mo.Value)
		if derr != nil {
			return
		}
		rec.mu.Lock()
		rec.msgs = append(rec.msgs, msg)
		rec.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return rec
}

func (r *alarmRecorder) last() *messages.AlarmMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

type testRig struct {
	ctx    context.Context
	conn   *connector.Memory
	asm    *assembler.Assembler
	mgr    *queue.Manager
	q      *queue.Queue
	fake   *fakeDeviceServer
	scans  *statusRecorder
	alarms *alarmRecorder
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	var ctx, cancel = context.WithCancel(context.Background())
	var conn = connector.NewMemory()
	var reg = testRegistry(t, conn)
	var asm = assembler.New(&assembler.Environment{
		Devices:   reg,
		Readbacks: Readbacks{Conn: conn},
	})
	var alarmer = alarms.NewPublisher(conn, "scan_server")
	var mgr = queue.NewManager(conn, asm, alarmer, queue.Config{})

	var rig = &testRig{
		ctx:    ctx,
		conn:   conn,
		asm:    asm,
		mgr:    mgr,
		q:      mgr.Queue(""),
		scans:  recordScanStatus(t, conn),
		alarms: recordAlarms(t, conn),
	}
	rig.fake = newFakeDeviceServer(t, conn, "samx", "samy")

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	var w = New(conn, mgr, reg, alarmer, cfg)
	var done = make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		rig.fake.close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
		conn.Close()
	})
	return rig
}

func (rig *testRig) insert(t *testing.T, msg *messages.ScanQueueMessage) {
	t.Helper()
	require.NoError(t, rig.mgr.Insert(rig.ctx, msg))
}

func (rig *testRig) modify(t *testing.T, action string) {
	t.Helper()
	require.NoError(t, rig.mgr.Modify(rig.ctx, &messages.ScanQueueModificationMessage{
		Action:    action,
		Parameter: messages.Params{},
	}))
}

// waitFinished blocks until |n| items reached the broker history and returns
// it, newest first.
func (rig *testRig) waitFinished(t *testing.T, n int) []messages.QueueItemInfo {
	t.Helper()
	var history []messages.QueueItemInfo
	require.Eventually(t, func() bool {
		var h, err = rig.mgr.History(rig.ctx, 0)
		if err != nil || len(h) != n {
			return false
		}
		history = h
		return true
	}, 5*time.Second, 2*time.Millisecond, "items never finished")
	return history
}

func (rig *testRig) waitStatuses(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got = rig.scans.statuses()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 2*time.Millisecond, "scan statuses never reached %v", want)
}

// waitInstr blocks until the fake received |n| instructions of |action|.
func (rig *testRig) waitInstr(t *testing.T, action string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(rig.fake.byAction(action)) == n
	}, 5*time.Second, 2*time.Millisecond, "never received %d %s instructions", n, action)
}

func gridMsg(rid string) *messages.ScanQueueMessage {
	var msg = &messages.ScanQueueMessage{ScanType: "grid_scan", Queue: "primary"}
	msg.Parameter.Args.Add("samx", -5.0, 5.0, 3)
	msg.Parameter.Kwargs = messages.Params{"exp_time": 0.0}
	msg.Meta().SetRID(rid)
	return msg
}

func mvMsg(rid string) *messages.ScanQueueMessage {
	var msg = &messages.ScanQueueMessage{ScanType: "mv", Queue: "primary"}
	msg.Parameter.Args.Add("samx", 1.0)
	msg.Meta().SetRID(rid)
	return msg
}

func scanDefMsg(scanType, rid, defID string, steps int) *messages.ScanQueueMessage {
	var msg = &messages.ScanQueueMessage{ScanType: scanType, Queue: "primary"}
	if scanType == "line_scan" {
		msg.Parameter.Args.Add("samx", -5.0, 5.0)
		msg.Parameter.Kwargs = messages.Params{"steps": steps}
	}
	msg.Meta().SetRID(rid)
	msg.Meta().SetScanDefID(defID)
	return msg
}

func pointIDs(instrs []*messages.DeviceInstructionMessage) []int64 {
	var out []int64
	for _, instr := range instrs {
		if pid, ok := instr.Meta().PointID(); ok {
			out = append(out, pid)
		}
	}
	return out
}

func TestMoveForwardsSetWithResponse(t *testing.T) {
	var rig = newTestRig(t, Config{})

	rig.insert(t, mvMsg("rid-mv"))
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)

	// Case: the move reaches the device server as one set per motor, asking
	// for a completion response.
	var sets = rig.fake.byAction("set")
	require.Len(t, sets, 1)
	require.Equal(t, []string{"samx"}, []string(sets[0].Device))
	var value, ok = sets[0].Parameter.Float("value")
	require.True(t, ok)
	require.Equal(t, 1.0, value)
	require.True(t, sets[0].Meta().Response())
	require.Equal(t, "rid-mv", sets[0].Meta().RID())

	// Case: moves open no scan and draw no scan number.
	require.Empty(t, rig.scans.statuses())
	var raw, err = rig.conn.Get(rig.ctx, messages.ScanNumber())
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestGridScanLifecycle(t *testing.T) {
	var rig = newTestRig(t, Config{})

	rig.insert(t, gridMsg("rid-grid"))
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)
	rig.waitStatuses(t, "open", "closed")

	// Case: the device-facing instruction stream arrives in scan order:
	// motor readout, stage, baseline, move to start, pre-scan, three
	// point cycles, return to start, unstage.
	var want = []string{
		"read", "stage", "read", "set", "pre_scan",
		"set", "trigger", "read",
		"set", "trigger", "read",
		"set", "trigger", "read",
		"set", "unstage",
	}
	require.Equal(t, want, rig.fake.actions())

	// Case: instruction IDs increase monotonically through the request.
	var last = int64(-1)
	for _, instr := range rig.fake.byAction("set") {
		var diid, ok = instr.Meta().DIID()
		require.True(t, ok)
		require.Greater(t, diid, last)
		last = diid
	}

	// Case: triggers expand to the detectors and carry the point sequence.
	var triggers = rig.fake.byAction("trigger")
	for _, instr := range triggers {
		require.Equal(t, []string{"eiger"}, []string(instr.Device))
	}
	require.Equal(t, []int64{0, 1, 2}, pointIDs(triggers))

	// Case: point reads expand to the monitored devices, the baseline read
	// to the baseline devices.
	var reads = rig.fake.byAction("read")
	require.Equal(t, []string{"samx"}, []string(reads[0].Device))
	require.Equal(t, []string{"rtx"}, []string(reads[1].Device))
	for _, instr := range reads[2:] {
		require.Equal(t, []string{"bpm4i", "samx", "samy"}, []string(instr.Device))
	}

	// Case: the open status carries the run's accounting.
	var opens = rig.scans.byStatus("open")
	require.Len(t, opens, 1)
	var open = opens[0]
	require.NotEmpty(t, open.ScanID)
	var numPoints, _ = open.Info.Int("num_points")
	require.Equal(t, int64(3), numPoints)
	var scanNumber, _ = open.Info.Int("scan_number")
	require.Equal(t, int64(1), scanNumber)
	var datasetNumber, _ = open.Info.Int("dataset_number")
	require.Equal(t, int64(1), datasetNumber)
	require.Equal(t, []string{"samx"}, open.Info.Strings("scan_report_devices"))
	var sync, _ = open.Info.Bool("enforce_sync")
	require.True(t, sync)

	// Case: close repeats the scanID and the settled point count.
	var closed = rig.scans.byStatus("closed")[0]
	require.Equal(t, open.ScanID, closed.ScanID)
	numPoints, _ = closed.Info.Int("num_points")
	require.Equal(t, int64(3), numPoints)

	// Case: the public per-scan status key holds the final state.
	var raw, err = rig.conn.Get(rig.ctx, messages.PublicScanStatus(open.ScanID))
	require.NoError(t, err)
	require.NotNil(t, raw)
	var final, derr = messages.DecodeAs[*messages.ScanStatusMessage](raw)
	require.NoError(t, derr)
	require.Equal(t, "closed", final.Status)
}

func TestUpdatedMoveAttachesReportInstruction(t *testing.T) {
	var rig = newTestRig(t, Config{})

	var msg = &messages.ScanQueueMessage{ScanType: "umv", Queue: "primary"}
	msg.Parameter.Args.Add("samx", 2.0)
	msg.Meta().SetRID("rid-umv")
	rig.insert(t, msg)

	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)

	// Case: the readback report instruction lands on the request block, so
	// queue status carries it to following clients.
	require.Len(t, history[0].RequestBlocks, 1)
	var reports = history[0].RequestBlocks[0].ReportInstructions
	require.Len(t, reports, 1)
	require.Contains(t, reports[0], "readback")
}

func TestDeviceRPCForwarded(t *testing.T) {
	var rig = newTestRig(t, Config{})

	var msg = &messages.ScanQueueMessage{ScanType: "device_rpc", Queue: "primary"}
	msg.Parameter.Device = "samx"
	msg.Parameter.Func = "read"
	msg.Parameter.RPCID = "rpc-1"
	msg.Meta().SetRID("rid-rpc")
	rig.insert(t, msg)

	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)

	var rpcs = rig.fake.byAction("rpc")
	require.Len(t, rpcs, 1)
	require.Equal(t, []string{"samx"}, []string(rpcs[0].Device))
	var rpcID, _ = rpcs[0].Parameter.String("rpc_id")
	require.Equal(t, "rpc-1", rpcID)
	var fn, _ = rpcs[0].Parameter.String("func")
	require.Equal(t, "read", fn)
}

func TestMonitorScanPublishesSampledPoint(t *testing.T) {
	var rig = newTestRig(t, Config{})

	var msg = &messages.ScanQueueMessage{ScanType: "monitor_scan", Queue: "primary"}
	msg.Parameter.Args.Add("samx", 0.0, 2.0)
	msg.Meta().SetRID("rid-mon")
	rig.insert(t, msg)

	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)
	rig.waitStatuses(t, "open", "closed")

	// Case: the sampled readback is published as a scan point under the
	// flyer's read key, carrying the point ID.
	var raw, err = rig.conn.Get(rig.ctx, messages.DeviceRead("samx"))
	require.NoError(t, err)
	require.NotNil(t, raw)
	var reading, derr = messages.DecodeAs[*messages.DeviceMessage](raw)
	require.NoError(t, derr)
	require.Equal(t, 2.0, reading.Signals["samx"].Value)
	var pid, ok = reading.Meta().PointID()
	require.True(t, ok)
	require.Equal(t, int64(0), pid)

	// Case: the scan opens with an unknown point count and closes with the
	// points it actually produced.
	var numPoints, _ = rig.scans.byStatus("open")[0].Info.Int("num_points")
	require.Equal(t, int64(0), numPoints)
	numPoints, _ = rig.scans.byStatus("closed")[0].Info.Int("num_points")
	require.Equal(t, int64(1), numPoints)
}

func TestPauseAndContinue(t *testing.T) {
	var rig = newTestRig(t, Config{})
	var release = rig.fake.gate("trigger")

	rig.insert(t, gridMsg("rid-pause"))
	rig.waitInstr(t, "trigger", 1)
	var item = rig.q.Active()
	require.NotNil(t, item)

	// Case: a pause parks the worker inside the trigger wait and publishes
	// the scan as paused.
	rig.modify(t, messages.ActionPause)
	require.Equal(t, messages.QueueItemPaused, item.Status())
	rig.waitStatuses(t, "open", "paused")

	// Case: continuing resumes the wait and the scan completes.
	release()
	rig.modify(t, messages.ActionContinue)
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)
	rig.waitStatuses(t, "open", "paused", "closed")
	require.Equal(t, []int64{0, 1, 2}, pointIDs(rig.fake.byAction("trigger")))
}

func TestDeferredPauseHoldsAtPointBoundary(t *testing.T) {
	var rig = newTestRig(t, Config{})
	var release = rig.fake.gate("trigger")

	rig.insert(t, gridMsg("rid-dpause"))
	rig.waitInstr(t, "trigger", 1)
	var item = rig.q.Active()
	require.NotNil(t, item)

	// Case: a deferred pause leaves the in-flight point running.
	rig.modify(t, messages.ActionDeferredPause)
	require.Equal(t, messages.QueueItemDeferredPause, item.Status())
	release()

	// Case: the worker converts the deferred pause at the next point
	// boundary, before that point's trigger goes out.
	require.Eventually(t, func() bool {
		return item.Status() == messages.QueueItemPaused
	}, 5*time.Second, 2*time.Millisecond, "deferred pause never converted")
	require.Len(t, rig.fake.byAction("trigger"), 1)
	rig.waitStatuses(t, "open", "paused")

	rig.modify(t, messages.ActionContinue)
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)
	require.Equal(t, []int64{0, 1, 2}, pointIDs(rig.fake.byAction("trigger")))
}

func TestAbortUnstagesAndKeepsQueueRunning(t *testing.T) {
	var rig = newTestRig(t, Config{})
	var release = rig.fake.gate("trigger")

	rig.insert(t, gridMsg("rid-abort"))
	rig.waitInstr(t, "trigger", 1)

	rig.modify(t, messages.ActionAbort)
	release()

	// Case: the scan is announced aborted and the item keeps its stopped
	// state; the queue stays running for the next item.
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemStopped, history[0].Status)
	rig.waitStatuses(t, "open", "aborted")
	require.Equal(t, queue.StatusRunning, rig.q.Status())

	// Case: cleanup unstages the staged devices without waiting.
	rig.waitInstr(t, "unstage", 1)
	var unstage = rig.fake.byAction("unstage")[0]
	require.True(t, unstage.Meta().Cleanup())
	require.NotEmpty(t, unstage.Device)

	// Case: an operator stop raises no alarm.
	require.Nil(t, rig.alarms.last())

	// Case: the worker moves on to the next item.
	rig.insert(t, mvMsg("rid-after"))
	history = rig.waitFinished(t, 2)
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)
}

func TestHaltSkipsCleanup(t *testing.T) {
	var rig = newTestRig(t, Config{})
	var release = rig.fake.gate("trigger")

	rig.insert(t, gridMsg("rid-halt"))
	rig.waitInstr(t, "trigger", 1)

	rig.modify(t, messages.ActionHalt)
	release()

	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemStopped, history[0].Status)
	rig.waitStatuses(t, "open", "aborted")

	// Case: a halt touches no devices further; the next item proves the
	// instruction stream drained without an unstage.
	rig.insert(t, mvMsg("rid-after"))
	rig.waitFinished(t, 2)
	require.Empty(t, rig.fake.byAction("unstage"))
}

func TestFailedMovementRaisesAlarm(t *testing.T) {
	var rig = newTestRig(t, Config{})
	rig.fake.failMove("samx", 5.0)

	rig.insert(t, gridMsg("rid-fail"))

	// Case: a failed move beyond tolerance aborts the scan, pauses the
	// queue, and raises a FailedMovement alarm.
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemStopped, history[0].Status)
	require.Equal(t, queue.StatusPaused, rig.q.Status())
	rig.waitStatuses(t, "open", "aborted")

	require.Eventually(t, func() bool {
		return rig.alarms.last() != nil
	}, 5*time.Second, 2*time.Millisecond, "no alarm raised")
	var alarm = rig.alarms.last()
	require.Equal(t, "FailedMovement", alarm.AlarmType)
	require.Equal(t, messages.SeverityMajor, alarm.Severity)
	require.NotEmpty(t, alarm.Source["scanID"])
	require.Contains(t, alarm.Content["error"], "samx")
}

func TestFailedMovementReconciledByReadback(t *testing.T) {
	var rig = newTestRig(t, Config{})
	// Acks report failure, but the readback lands within samx's tolerance.
	rig.fake.failMove("samx", 0.3)

	rig.insert(t, gridMsg("rid-reconcile"))
	var history = rig.waitFinished(t, 1)

	// Case: the readback reconciles the reported failure and the scan
	// completes normally.
	require.Equal(t, messages.QueueItemCompleted, history[0].Status)
	rig.waitStatuses(t, "open", "closed")
	require.Nil(t, rig.alarms.last())
}

func TestScanDefinitionSpansItems(t *testing.T) {
	var rig = newTestRig(t, Config{})

	rig.insert(t, scanDefMsg("open_scan_def", "rid-1", "def-1", 0))
	rig.insert(t, scanDefMsg("line_scan", "rid-2", "def-1", 3))
	rig.insert(t, scanDefMsg("line_scan", "rid-3", "def-1", 2))
	rig.insert(t, scanDefMsg("close_scan_def", "rid-4", "def-1", 0))

	var history = rig.waitFinished(t, 4)
	for _, info := range history {
		require.Equal(t, messages.QueueItemCompleted, info.Status)
	}

	// Case: both segments open the same scan, and it closes exactly once,
	// when the definition closes.
	rig.waitStatuses(t, "open", "open", "closed")
	var opens = rig.scans.byStatus("open")
	require.Equal(t, opens[0].ScanID, opens[1].ScanID)

	// Case: the scan number is drawn once for the whole definition.
	var first, _ = opens[0].Info.Int("scan_number")
	var second, _ = opens[1].Info.Int("scan_number")
	require.Equal(t, int64(1), first)
	require.Equal(t, int64(1), second)
	var raw, err = rig.conn.Get(rig.ctx, messages.ScanNumber())
	require.NoError(t, err)
	require.Equal(t, "1", string(raw))

	// Case: the second segment's points continue the first segment's
	// sequence, and the announced total includes both.
	require.Equal(t, []int64{0, 1, 2, 3, 4}, pointIDs(rig.fake.byAction("trigger")))
	var announced, _ = opens[1].Info.Int("num_points")
	require.Equal(t, int64(5), announced)
	var closed, _ = rig.scans.byStatus("closed")[0].Info.Int("num_points")
	require.Equal(t, int64(5), closed)
}

func TestWaitTimeoutAbortsScan(t *testing.T) {
	var rig = newTestRig(t, Config{WaitTimeout: 40 * time.Millisecond})
	var release = rig.fake.gate("set")
	defer release()

	rig.insert(t, gridMsg("rid-timeout"))

	// Case: a device that never acknowledges trips the wait bound; the scan
	// aborts with a timeout alarm and the queue pauses.
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemStopped, history[0].Status)
	require.Equal(t, queue.StatusPaused, rig.q.Status())

	require.Eventually(t, func() bool {
		return rig.alarms.last() != nil
	}, 5*time.Second, 2*time.Millisecond, "no alarm raised")
	require.Equal(t, "TimeoutError", rig.alarms.last().AlarmType)
}

func TestUnknownActionFailsScan(t *testing.T) {
	var rig = newTestRig(t, Config{})

	var def = &assembler.Definition{
		Name:      "relay_script",
		ClassName: "RelayScript",
		New: func(env *assembler.Environment, def *assembler.Definition, msg *messages.ScanQueueMessage) (assembler.Request, error) {
			return &scriptedRequest{def: def, instrs: []*messages.DeviceInstructionMessage{
				{Action: "warp", Parameter: messages.Params{}, Metadata: msg.Metadata.Copy()},
			}}, nil
		},
	}
	require.NoError(t, rig.asm.Register(def))

	var msg = &messages.ScanQueueMessage{ScanType: "relay_script", Queue: "primary"}
	msg.Meta().SetRID("rid-script")
	rig.insert(t, msg)

	// Case: an instruction the worker cannot dispatch fails the item and
	// pauses the queue, like any other scan error.
	var history = rig.waitFinished(t, 1)
	require.Equal(t, messages.QueueItemStopped, history[0].Status)
	require.Equal(t, queue.StatusPaused, rig.q.Status())
	require.Eventually(t, func() bool {
		return rig.alarms.last() != nil
	}, 5*time.Second, 2*time.Millisecond, "no alarm raised")
	require.Equal(t, "ScanAbortion", rig.alarms.last().AlarmType)
}

type scriptedRequest struct {
	def    *assembler.Definition
	instrs []*messages.DeviceInstructionMessage
}

func (s *scriptedRequest) Definition() *assembler.Definition { return s.def }

func (s *scriptedRequest) Run(_ context.Context, emit assembler.EmitFunc) error {
	for _, instr := range s.instrs {
		if err := emit(instr); err != nil {
			return err
		}
	}
	return nil
}
