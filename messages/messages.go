// Package messages defines the typed envelopes exchanged over the broker,
// the binary codec framing them, and the canonical endpoint grammar from
// which every producer and consumer derives identical topic and key names.
//
// Envelopes are a closed set: the codec refuses tags it does not know.
// Every envelope carries typed content plus a free-form Metadata map which
// threads request IDs, scan IDs and device-instruction IDs (DIIDs) through
// the system without each hop having to understand them.
package messages

import (
	"fmt"
)

// Message is one typed broker envelope.
type Message interface {
	// MsgType returns the wire tag identifying the concrete envelope type.
	MsgType() string
	// Meta returns the metadata map, initializing it if needed.
	Meta() Metadata

	setMeta(Metadata)
}

// Wire tags, one per envelope type.
const (
	TypeScanQueue             = "scan_queue_message"
	TypeRequestResponse       = "request_response"
	TypeScanQueueStatus       = "scan_queue_status"
	TypeScanQueueModification = "scan_queue_modification"
	TypeDeviceInstruction     = "device_instruction"
	TypeDevice                = "device_message"
	TypeDeviceReqStatus       = "device_req_status"
	TypeDeviceStatus          = "device_status"
	TypeProgress              = "progress"
	TypeScanStatus            = "scan_status"
	TypeScanSegment           = "scan_message"
	TypeScanBaseline          = "scan_baseline"
	TypeDeviceConfig          = "device_config"
	TypeDeviceInfo            = "device_info"
	TypeFile                  = "file_message"
	TypeAlarm                 = "alarm_message"
	TypeLog                   = "log_message"
	TypeServiceStatus         = "service_status"
	TypeDeviceRPC             = "device_rpc"
)

// Scan lifecycle states carried by ScanStatusMessage.
const (
	ScanStatusOpen    = "open"
	ScanStatusClosed  = "closed"
	ScanStatusAborted = "aborted"
	ScanStatusPaused  = "paused"
)

// QueueItemStatus is the lifecycle state of one queue item, shared between
// the queue's state machine and every client that parses queue status.
type QueueItemStatus string

const (
	QueueItemPending       QueueItemStatus = "PENDING"
	QueueItemRunning       QueueItemStatus = "RUNNING"
	QueueItemDeferredPause QueueItemStatus = "DEFERRED_PAUSE"
	QueueItemPaused        QueueItemStatus = "PAUSED"
	QueueItemStopped       QueueItemStatus = "STOPPED"
	QueueItemCompleted     QueueItemStatus = "COMPLETED"
)

// Queue modification actions accepted on the modification topic.
const (
	ActionPause         = "pause"
	ActionDeferredPause = "deferred_pause"
	ActionContinue      = "continue"
	ActionAbort         = "abort"
	ActionHalt          = "halt"
	ActionClear         = "clear"
	ActionRestart       = "restart"
	ActionResume        = "resume"
)

// Device config actions accepted on the config-request topic.
const (
	ConfigActionUpdate = "update"
	ConfigActionAdd    = "add"
	ConfigActionRemove = "remove"
	ConfigActionReload = "reload"
	ConfigActionSet    = "set"
)

// Severity ranks alarms. Alarms of MAJOR and above block the client's
// polling path; lesser alarms accumulate silently.
type Severity int64

const (
	SeverityWarning Severity = iota
	SeverityMinor
	SeverityMajor
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityMinor:
		return "MINOR"
	case SeverityMajor:
		return "MAJOR"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int64(s))
	}
}

// Signal is one named reading of a device: a value and its source timestamp
// in seconds since the epoch.
type Signal struct {
	Value     any     `msgpack:"value"`
	Timestamp float64 `msgpack:"timestamp"`
}

// SignalMap maps signal name to reading for one device.
type SignalMap map[string]Signal

// DeviceData maps device name to its signal readings, as assembled into
// scan segments and baselines.
type DeviceData map[string]SignalMap

// ScanQueueMessage is a client's request for one scan, move or RPC.
type ScanQueueMessage struct {
	ScanType  string        `msgpack:"scan_type"`
	Parameter ScanParameter `msgpack:"parameter"`
	Queue     string        `msgpack:"queue"`
	Metadata  Metadata      `msgpack:"-"`
}

// ScanParameter bundles the positional and keyword arguments of a request.
// RPC requests reuse the same slot in a flat form: the target device, the
// function to call, an rpc_id to collect the result under, and a plain
// positional argument list.
type ScanParameter struct {
	Args   ScanArgs `msgpack:"args"`
	Kwargs Params   `msgpack:"kwargs"`
	Device string   `msgpack:"device,omitempty"`
	Func   string   `msgpack:"func,omitempty"`
	RPCID  string   `msgpack:"rpc_id,omitempty"`
}

func (m *ScanQueueMessage) MsgType() string { return TypeScanQueue }
func (m *ScanQueueMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ScanQueueMessage) setMeta(md Metadata) { m.Metadata = md }

// RequestResponseMessage is the guard's accept/reject decision for the RID
// carried in metadata, and the device-server's answer to config requests.
type RequestResponseMessage struct {
	Accepted bool     `msgpack:"accepted"`
	Message  string   `msgpack:"message"`
	Metadata Metadata `msgpack:"-"`
}

func (m *RequestResponseMessage) MsgType() string { return TypeRequestResponse }
func (m *RequestResponseMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *RequestResponseMessage) setMeta(md Metadata) { m.Metadata = md }

// ScanQueueStatusMessage is the full queue snapshot, set-and-published on
// every queue mutation.
type ScanQueueStatusMessage struct {
	Queue    map[string]QueueSnapshot `msgpack:"queue"`
	Metadata Metadata                 `msgpack:"-"`
}

// QueueSnapshot is the state of one named queue.
type QueueSnapshot struct {
	Status string          `msgpack:"status"`
	Info   []QueueItemInfo `msgpack:"info"`
}

// QueueItemInfo is the wire view of one queue item. Parallel slices carry
// one entry per request block.
type QueueItemInfo struct {
	QueueID            string             `msgpack:"queueID"`
	ScanIDs            []string           `msgpack:"scanID"`
	IsScan             []bool             `msgpack:"is_scan"`
	ScanNumbers        []int64            `msgpack:"scan_number"`
	RequestBlocks      []RequestBlockInfo `msgpack:"request_blocks"`
	Status             QueueItemStatus    `msgpack:"status"`
	ActiveRequestBlock int64              `msgpack:"active_request_block"`
}

// RequestBlockInfo is the wire view of one request block.
type RequestBlockInfo struct {
	RID                string           `msgpack:"RID"`
	ScanID             string           `msgpack:"scanID"`
	IsScan             bool             `msgpack:"is_scan"`
	ScanNumber         int64            `msgpack:"scan_number"`
	ScanDefID          string           `msgpack:"scan_def_id"`
	ScanType           string           `msgpack:"scan_type"`
	ReportInstructions []map[string]any `msgpack:"report_instructions"`
}

func (m *ScanQueueStatusMessage) MsgType() string { return TypeScanQueueStatus }
func (m *ScanQueueStatusMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ScanQueueStatusMessage) setMeta(md Metadata) { m.Metadata = md }

// ScanQueueModificationMessage asks the queue manager to alter a running or
// pending item: pause, deferred_pause, continue, abort, halt, clear, restart.
type ScanQueueModificationMessage struct {
	ScanID    Strings  `msgpack:"scanID"`
	Action    string   `msgpack:"action"`
	Parameter Params   `msgpack:"parameter"`
	Metadata  Metadata `msgpack:"-"`
}

func (m *ScanQueueModificationMessage) MsgType() string { return TypeScanQueueModification }
func (m *ScanQueueModificationMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ScanQueueModificationMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceInstructionMessage is one low-level instruction addressed to the
// device-server (or, for structural actions, to the worker itself).
// Metadata threads RID, scanID, DIID, pointID and the wait_group tag lives
// in Parameter.
type DeviceInstructionMessage struct {
	Device    Strings  `msgpack:"device"`
	Action    string   `msgpack:"action"`
	Parameter Params   `msgpack:"parameter"`
	Metadata  Metadata `msgpack:"-"`
}

func (m *DeviceInstructionMessage) MsgType() string { return TypeDeviceInstruction }
func (m *DeviceInstructionMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceInstructionMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceMessage carries one device's signal readings (readback or read).
type DeviceMessage struct {
	Signals  SignalMap `msgpack:"signals"`
	Metadata Metadata  `msgpack:"-"`
}

func (m *DeviceMessage) MsgType() string { return TypeDevice }
func (m *DeviceMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceReqStatusMessage reports completion of one device instruction; the
// DIID it answers is in metadata.
type DeviceReqStatusMessage struct {
	Device   string   `msgpack:"device"`
	Success  bool     `msgpack:"success"`
	Metadata Metadata `msgpack:"-"`
}

func (m *DeviceReqStatusMessage) MsgType() string { return TypeDeviceReqStatus }
func (m *DeviceReqStatusMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceReqStatusMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceStatusMessage reports a device-owned flag, e.g. the staged state.
type DeviceStatusMessage struct {
	Device   string   `msgpack:"device"`
	Status   int64    `msgpack:"status"`
	Metadata Metadata `msgpack:"-"`
}

func (m *DeviceStatusMessage) MsgType() string { return TypeDeviceStatus }
func (m *DeviceStatusMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceStatusMessage) setMeta(md Metadata) { m.Metadata = md }

// ProgressMessage reports device-side progress of a long-running operation.
type ProgressMessage struct {
	Value    float64  `msgpack:"value"`
	MaxValue float64  `msgpack:"max_value"`
	Done     bool     `msgpack:"done"`
	Metadata Metadata `msgpack:"-"`
}

func (m *ProgressMessage) MsgType() string { return TypeProgress }
func (m *ProgressMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ProgressMessage) setMeta(md Metadata) { m.Metadata = md }

// ScanStatusMessage announces a scan lifecycle edge: open, paused, aborted,
// closed. Info carries the full current-scan descriptor published at open.
type ScanStatusMessage struct {
	ScanID   string   `msgpack:"scanID"`
	Status   string   `msgpack:"status"`
	Info     Params   `msgpack:"info"`
	Metadata Metadata `msgpack:"-"`
}

func (m *ScanStatusMessage) MsgType() string { return TypeScanStatus }
func (m *ScanStatusMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ScanStatusMessage) setMeta(md Metadata) { m.Metadata = md }

// ScanMessage is one completed scan segment: the per-device readings of a
// single point.
type ScanMessage struct {
	PointID  int64      `msgpack:"point_id"`
	ScanID   string     `msgpack:"scanID"`
	Data     DeviceData `msgpack:"data"`
	Metadata Metadata   `msgpack:"-"`
}

func (m *ScanMessage) MsgType() string { return TypeScanSegment }
func (m *ScanMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ScanMessage) setMeta(md Metadata) { m.Metadata = md }

// ScanBaselineMessage is the one-shot reading of all baseline devices taken
// at scan start.
type ScanBaselineMessage struct {
	ScanID   string     `msgpack:"scanID"`
	Data     DeviceData `msgpack:"data"`
	Metadata Metadata   `msgpack:"-"`
}

func (m *ScanBaselineMessage) MsgType() string { return TypeScanBaseline }
func (m *ScanBaselineMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ScanBaselineMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceConfigMessage mutates device configuration. Config maps device name
// to a partial configuration; the action decides how it is applied.
type DeviceConfigMessage struct {
	Action   string            `msgpack:"action"`
	Config   map[string]Params `msgpack:"config"`
	Metadata Metadata          `msgpack:"-"`
}

func (m *DeviceConfigMessage) MsgType() string { return TypeDeviceConfig }
func (m *DeviceConfigMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceConfigMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceInfoMessage is the device-server's static description of one device:
// its signal tree, class, and RPC-callable methods.
type DeviceInfoMessage struct {
	Device   string   `msgpack:"device"`
	Info     Params   `msgpack:"info"`
	Metadata Metadata `msgpack:"-"`
}

func (m *DeviceInfoMessage) MsgType() string { return TypeDeviceInfo }
func (m *DeviceInfoMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceInfoMessage) setMeta(md Metadata) { m.Metadata = md }

// FileMessage announces a written (or about-to-be-written) file. The writer
// sets done=false before writing and done=true with the final success flag
// after, so consumers can distinguish "starting" from "finished".
type FileMessage struct {
	FilePath   string   `msgpack:"file_path"`
	Done       bool     `msgpack:"done"`
	Successful bool     `msgpack:"successful"`
	Metadata   Metadata `msgpack:"-"`
}

func (m *FileMessage) MsgType() string { return TypeFile }
func (m *FileMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *FileMessage) setMeta(md Metadata) { m.Metadata = md }

// AlarmMessage raises an alarm into the out-of-band alarm channel.
type AlarmMessage struct {
	Severity  Severity          `msgpack:"severity"`
	AlarmType string            `msgpack:"alarm_type"`
	Source    map[string]string `msgpack:"source"`
	Content   Params            `msgpack:"content"`
	Metadata  Metadata          `msgpack:"-"`
}

func (m *AlarmMessage) MsgType() string { return TypeAlarm }
func (m *AlarmMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *AlarmMessage) setMeta(md Metadata) { m.Metadata = md }

// LogMessage forwards one structured log record over the broker.
type LogMessage struct {
	LogType  string   `msgpack:"log_type"`
	Content  Params   `msgpack:"content"`
	Metadata Metadata `msgpack:"-"`
}

func (m *LogMessage) MsgType() string { return TypeLog }
func (m *LogMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *LogMessage) setMeta(md Metadata) { m.Metadata = md }

// Service status values carried by ServiceStatusMessage.
const (
	ServiceInit    = "INIT"
	ServiceRunning = "RUNNING"
	ServiceBusy    = "BUSY"
	ServiceError   = "ERROR"
)

// ServiceStatusMessage is one service's heartbeat, written with a TTL so
// that a crashed service disappears from the key space.
type ServiceStatusMessage struct {
	Name     string   `msgpack:"name"`
	Status   string   `msgpack:"status"`
	Info     Params   `msgpack:"info"`
	Metadata Metadata `msgpack:"-"`
}

func (m *ServiceStatusMessage) MsgType() string { return TypeServiceStatus }
func (m *ServiceStatusMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *ServiceStatusMessage) setMeta(md Metadata) { m.Metadata = md }

// DeviceRPCMessage is the device-server's answer to one RPC instruction,
// keyed by the caller-chosen rpc_id.
type DeviceRPCMessage struct {
	Device    string   `msgpack:"device"`
	RPCID     string   `msgpack:"rpc_id"`
	ReturnVal any      `msgpack:"return_val"`
	Out       any      `msgpack:"out"`
	Success   bool     `msgpack:"success"`
	Metadata  Metadata `msgpack:"-"`
}

func (m *DeviceRPCMessage) MsgType() string { return TypeDeviceRPC }
func (m *DeviceRPCMessage) Meta() Metadata  { return lazyMeta(&m.Metadata) }
func (m *DeviceRPCMessage) setMeta(md Metadata) { m.Metadata = md }

// ScanSpec describes one registered scan class, as published under the
// available-scans key for the guard and clients to read.
type ScanSpec struct {
	ClassName      string   `msgpack:"class"`
	Doc            string   `msgpack:"doc"`
	ArgInput       []string `msgpack:"arg_input"`
	RequiredKwargs []string `msgpack:"required_kwargs"`
	ArgBundleSize  int64    `msgpack:"arg_bundle_size"`
	ScanReportHint string   `msgpack:"scan_report_hint"`
}

func lazyMeta(md *Metadata) Metadata {
	if *md == nil {
		*md = Metadata{}
	}
	return *md
}
