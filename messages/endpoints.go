package messages

import "strconv"

// Endpoint grammar. Every topic and key name used anywhere in the fabric is
// derived through one of these constructors, so that producers and consumers
// agree on byte-identical strings. The broker appends ":sub" / ":val"
// suffixes for the pub/sub and keyed halves of each endpoint; callers never
// build those themselves.

func DeviceStatus(device string) string   { return "internal/devices/status/" + device }
func DeviceRead(device string) string     { return "internal/devices/read/" + device }
func DeviceReadback(device string) string { return "internal/devices/readback/" + device }

// DeviceReqStatus is the per-device list of instruction completions.
func DeviceReqStatus(device string) string { return "internal/devices/req_status/" + device }

func DeviceInstructions() string { return "internal/devices/instructions" }

func DeviceRPC(rpcID string) string { return "internal/devices/rpc/" + rpcID }

// DeviceConfig holds the full device session as a msgpacked list.
func DeviceConfig() string        { return "internal/devices/config" }
func DeviceConfigRequest() string { return "internal/devices/config_request" }

// DeviceConfigRequestResponse is the per-request reply key polled by the
// sender of a config request.
func DeviceConfigRequestResponse(rid string) string {
	return "internal/devices/config_request_response/" + rid
}

func DeviceConfigUpdate() string { return "internal/devices/config_update" }

func DeviceInfo(device string) string     { return "internal/devices/info/" + device }
func DeviceStaged(device string) string   { return "internal/devices/staged/" + device }
func DeviceProgress(device string) string { return "internal/devices/progress/" + device }

func QueueRequest() string             { return "internal/queue/queue_request" }
func QueueRequestResponse() string     { return "internal/queue/queue_request_response" }
func QueueStatus() string              { return "internal/queue/queue_status" }
func QueueModificationRequest() string { return "internal/queue/queue_modification_request" }
func QueueInsert() string              { return "internal/queue/queue_insert" }
func QueueHistory() string             { return "internal/queue/queue_history" }

func ScanStatus() string     { return "scans/scan_status" }
func ScanSegment() string    { return "scans/scan_segment" }
func ScanBaseline() string   { return "scans/scan_baseline" }
func AvailableScans() string { return "scans/available_scans" }
func ScanNumber() string     { return "scans/scan_number" }
func DatasetNumber() string  { return "scans/dataset_number" }
func BlueskyEvents() string  { return "scans/bluesky_events" }

// Public endpoints are the durable per-scan keys consumers may read long
// after the scan closed; most carry a TTL.

func PublicScanStatus(scanID string) string { return "public/" + scanID + "/scan_status" }

func PublicScanSegment(scanID string, pointID int64) string {
	return "public/" + scanID + "/scan_segment/" + strconv.FormatInt(pointID, 10)
}

func PublicScanBaseline(scanID string) string { return "public/" + scanID + "/scan_baseline" }

func PublicFile(scanID, name string) string { return "public/" + scanID + "/file/" + name }

// PublicFilePattern matches every file reference registered for a scan.
func PublicFilePattern(scanID string) string { return "public/" + scanID + "/file/*" }

// DeviceAsyncReadback is the per-scan, per-device stream of asynchronous
// readings merged by the file writer at commit time.
func DeviceAsyncReadback(scanID, device string) string {
	return "device_async_readback/" + scanID + "/" + device
}

// DeviceAsyncReadbackPattern matches all async streams of one scan.
func DeviceAsyncReadbackPattern(scanID string) string {
	return "device_async_readback/" + scanID + "/*"
}

func Alarms() string { return "internal/alarms" }
func Log() string    { return "internal/log" }

func ServiceStatus(service string) string { return "internal/services/status/" + service }
