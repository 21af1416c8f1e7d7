package assembler

import (
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
)

// Instruction actions of the device-instruction protocol.
const (
	ActionOpenScan          = "open_scan"
	ActionCloseScan         = "close_scan"
	ActionCloseScanDef      = "close_scan_def"
	ActionCloseScanGroup    = "close_scan_group"
	ActionStage             = "stage"
	ActionUnstage           = "unstage"
	ActionPreScan           = "pre_scan"
	ActionBaselineReading   = "baseline_reading"
	ActionSet               = "set"
	ActionWait              = "wait"
	ActionRead              = "read"
	ActionTrigger           = "trigger"
	ActionKickoff           = "kickoff"
	ActionComplete          = "complete"
	ActionRPC               = "rpc"
	ActionScanReport        = "scan_report_instruction"
	ActionPublishDataAsRead = "publish_data_as_read"
)

// Wait types, carried as the "type" parameter of a wait instruction.
const (
	WaitTypeMove    = "move"
	WaitTypeRead    = "read"
	WaitTypeTrigger = "trigger"
)

// Wait-group names tying movers and readers to the waits that gate on them.
const (
	GroupScanMotor      = "scan_motor"
	GroupPrimary        = "primary"
	GroupTrigger        = "trigger"
	GroupKickoff        = "kickoff"
	GroupReadoutPrimary = "readout_primary"
)

// Scan types announced in open_scan.
const (
	ScanTypeStep = "step"
	ScanTypeFly  = "fly"
)

// Stubs builds and emits the instructions scan classes are made of.
// Instruction IDs (DIID) increment per emitted instruction, starting at
// zero. Errors stick: after the first emit failure every further call is a
// no-op and Err reports what went wrong, which keeps class bodies free of
// error plumbing without losing the failure.
type Stubs struct {
	emit EmitFunc
	base messages.Metadata
	diid int64
	err  error
}

// NewStubs returns stubs emitting through emit. Per-instruction metadata
// derives from md, the request metadata (RID, scan_def_id, queue_group).
func NewStubs(emit EmitFunc, md messages.Metadata) *Stubs {
	return &Stubs{emit: emit, base: md.Copy()}
}

// Err returns the first emit failure, or nil.
func (s *Stubs) Err() error { return s.err }

// meta stamps the next DIID onto a fresh copy of the request metadata.
func (s *Stubs) meta(priority devices.ReadoutPriority) messages.Metadata {
	var md = s.base.Copy()
	md.SetReadoutPriority(string(priority))
	md.SetDIID(s.diid)
	s.diid++
	return md
}

func (s *Stubs) send(device messages.Strings, action string, param messages.Params, md messages.Metadata) {
	if s.err != nil {
		return
	}
	s.err = s.emit(&messages.DeviceInstructionMessage{
		Device:    device,
		Action:    action,
		Parameter: param,
		Metadata:  md,
	})
}

// Set moves one device to value without waiting.
func (s *Stubs) Set(device string, value any) {
	s.send(messages.Strings{device}, ActionSet, messages.Params{
		"value":      value,
		"wait_group": GroupScanMotor,
	}, s.meta(devices.PriorityMonitored))
}

// SetWithResponse moves one device to value and asks the device server to
// acknowledge completion on the per-request status key.
func (s *Stubs) SetWithResponse(device string, value any) {
	var md = s.meta(devices.PriorityMonitored)
	md.SetResponse()
	s.send(messages.Strings{device}, ActionSet, messages.Params{
		"value":      value,
		"wait_group": GroupScanMotor,
	}, md)
}

// WaitMove blocks the sequence until pending motions finish. Without
// devices it addresses the scan-motor group; with devices it waits on each
// named device instead.
func (s *Stubs) WaitMove(devs ...string) {
	if len(devs) == 0 {
		s.send(nil, ActionWait, messages.Params{
			"type":       WaitTypeMove,
			"group":      GroupScanMotor,
			"wait_group": GroupScanMotor,
		}, s.meta(devices.PriorityMonitored))
		return
	}
	s.send(messages.Strings(devs), ActionWait, messages.Params{
		"type":       WaitTypeMove,
		"wait_group": GroupScanMotor,
	}, s.meta(devices.PriorityMonitored))
}

// WaitKickoff blocks until a flyer's kickoff completed.
func (s *Stubs) WaitKickoff(flyer string) {
	s.send(messages.Strings{flyer}, ActionWait, messages.Params{
		"type":       WaitTypeMove,
		"wait_group": GroupKickoff,
	}, s.meta(devices.PriorityMonitored))
}

// WaitRead blocks until the group's pending readouts finish.
func (s *Stubs) WaitRead(group string) {
	s.send(nil, ActionWait, messages.Params{
		"type":       WaitTypeRead,
		"group":      group,
		"wait_group": GroupReadoutPrimary,
	}, s.meta(devices.PriorityMonitored))
}

// WaitReadMotors blocks until the named motors' readouts finish.
func (s *Stubs) WaitReadMotors(motors []string) {
	s.send(messages.Strings(motors), ActionWait, messages.Params{
		"type":       WaitTypeRead,
		"wait_group": GroupScanMotor,
	}, s.meta(devices.PriorityMonitored))
}

// WaitTrigger holds the sequence for an exposure of the given length.
func (s *Stubs) WaitTrigger(seconds float64) {
	s.send(nil, ActionWait, messages.Params{
		"type":       WaitTypeTrigger,
		"group":      GroupTrigger,
		"time":       seconds,
	}, s.meta(devices.PriorityMonitored))
}

// ReadMotors requests a readout of the named motors.
func (s *Stubs) ReadMotors(motors []string) {
	s.send(messages.Strings(motors), ActionRead, messages.Params{
		"wait_group": GroupScanMotor,
	}, s.meta(devices.PriorityMonitored))
}

// Read requests a readout of the monitored devices without binding it to a
// point, as fly scans do while data arrives on the flyer's own cadence.
func (s *Stubs) Read() {
	s.send(nil, ActionRead, messages.Params{
		"group":      GroupPrimary,
		"wait_group": GroupReadoutPrimary,
	}, s.meta(devices.PriorityMonitored))
}

// ReadPoint requests a readout of the monitored devices for one scan point.
func (s *Stubs) ReadPoint(pointID int64) {
	var md = s.meta(devices.PriorityMonitored)
	md.SetPointID(pointID)
	s.send(nil, ActionRead, messages.Params{
		"group":      GroupPrimary,
		"wait_group": GroupReadoutPrimary,
	}, md)
}

// Trigger fires the detectors for one scan point.
func (s *Stubs) Trigger(pointID int64) {
	var md = s.meta(devices.PriorityMonitored)
	md.SetPointID(pointID)
	s.send(nil, ActionTrigger, messages.Params{
		"group": GroupTrigger,
	}, md)
}

// OpenScanSpec carries the open_scan announcement of one scan run.
type OpenScanSpec struct {
	Name      string
	Type      string
	NumPoints int64
	Motors    []string
	Positions [][]float64
	Priority  devices.Override
}

// OpenScan announces the run to the worker and the device server.
func (s *Stubs) OpenScan(spec OpenScanSpec) {
	s.send(nil, ActionOpenScan, messages.Params{
		"scan_motors": orEmpty(spec.Motors),
		"readout_priority": messages.Params{
			"monitored": orEmpty(spec.Priority.Monitored),
			"baseline":  orEmpty(spec.Priority.Baseline),
			"ignored":   orEmpty(spec.Priority.Ignored),
		},
		"num_points": spec.NumPoints,
		"positions":  orEmptyPositions(spec.Positions),
		"scan_name":  spec.Name,
		"scan_type":  spec.Type,
	}, s.meta(devices.PriorityMonitored))
}

// CloseScan ends the run.
func (s *Stubs) CloseScan() {
	s.send(nil, ActionCloseScan, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// CloseScanDef ends one segment of a scan definition, keeping the logical
// scan open for continuation.
func (s *Stubs) CloseScanDef() {
	s.send(nil, ActionCloseScanDef, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// CloseScanGroup terminates a grouped sequence of requests.
func (s *Stubs) CloseScanGroup() {
	s.send(nil, ActionCloseScanGroup, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// Stage prepares all devices for the run.
func (s *Stubs) Stage() {
	s.send(nil, ActionStage, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// Unstage returns all devices to their idle state.
func (s *Stubs) Unstage() {
	s.send(nil, ActionUnstage, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// PreScan runs device hooks right before the first point.
func (s *Stubs) PreScan() {
	s.send(nil, ActionPreScan, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// BaselineReading snapshots the baseline devices once per run.
func (s *Stubs) BaselineReading() {
	s.send(nil, ActionBaselineReading, messages.Params{}, s.meta(devices.PriorityBaseline))
}

// Kickoff starts a flyer with the given configuration.
func (s *Stubs) Kickoff(flyer string, configure messages.Params) {
	s.send(messages.Strings{flyer}, ActionKickoff, messages.Params{
		"configure":  configure,
		"wait_group": GroupKickoff,
	}, s.meta(devices.PriorityMonitored))
}

// Complete blocks the device server until a flyer reports done.
func (s *Stubs) Complete(flyer string) {
	s.send(messages.Strings{flyer}, ActionComplete, messages.Params{}, s.meta(devices.PriorityMonitored))
}

// RPC forwards one device function call.
func (s *Stubs) RPC(device, rpcID, fn string, args []any, kwargs messages.Params) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = messages.Params{}
	}
	s.send(messages.Strings{device}, ActionRPC, messages.Params{
		"device": device,
		"rpc_id": rpcID,
		"func":   fn,
		"args":   args,
		"kwargs": kwargs,
	}, s.meta(devices.PriorityMonitored))
}

// ScanReportInstruction tells following clients how to render progress.
func (s *Stubs) ScanReportInstruction(parameter messages.Params) {
	s.send(nil, ActionScanReport, parameter, s.meta(devices.PriorityMonitored))
}

// PublishDataAsRead injects device signals as a scan point, for scans that
// sample readbacks instead of triggering detectors.
func (s *Stubs) PublishDataAsRead(device string, pointID int64, data messages.SignalMap) {
	var md = s.meta(devices.PriorityMonitored)
	md.SetPointID(pointID)
	s.send(messages.Strings{device}, ActionPublishDataAsRead, messages.Params{
		"data": data,
	}, md)
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyPositions(v [][]float64) [][]float64 {
	if v == nil {
		return [][]float64{}
	}
	return v
}
