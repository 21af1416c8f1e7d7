// Package writer commits finished scans to per-scan master files. It buffers
// the segments, baseline and async readings of every open scan in memory,
// and writes a SQLite master file once the scan closed and, for synchronized
// scans, every expected point arrived. Each commit is announced before and
// after writing so that consumers can follow along.
package writer

import (
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
)

// ScanStorage buffers everything belonging to one scan until commit.
type ScanStorage struct {
	ScanID     string
	ScanNumber int64
	Status     string
	// NumPoints is the expected point count, taken from the closing status.
	// It stays negative until the scan ends.
	NumPoints int64
	Info      messages.Params
	Metadata  messages.Metadata

	Segments map[int64]messages.DeviceData
	Baseline messages.DeviceData
	// Async holds the merged asynchronous readings per device.
	Async map[string]messages.SignalMap
	// Files maps reference name to the announced file path.
	Files map[string]string

	// enforceSync gates the commit on a complete point grid. Fly scans
	// clear it and commit on close with whatever arrived.
	enforceSync bool
	finished    bool
}

// NewScanStorage returns empty storage for |scanID|. Scans enforce a complete
// point grid unless their info carries enforce_sync=false.
func NewScanStorage(scanID string, scanNumber int64, info messages.Params, md messages.Metadata) *ScanStorage {
	var enforceSync = true
	if v, ok := info.Bool("enforce_sync"); ok {
		enforceSync = v
	}
	return &ScanStorage{
		ScanID:      scanID,
		ScanNumber:  scanNumber,
		NumPoints:   -1,
		Info:        info,
		Metadata:    md,
		Segments:    make(map[int64]messages.DeviceData),
		Baseline:    make(messages.DeviceData),
		Async:       make(map[string]messages.SignalMap),
		Files:       make(map[string]string),
		enforceSync: enforceSync,
	}
}

// Finish marks the scan ended with |status| and pins the expected point
// count.
func (s *ScanStorage) Finish(status string, numPoints int64) {
	s.finished = true
	s.Status = status
	s.NumPoints = numPoints
}

// ReadyToWrite reports whether the scan ended and, for synchronized scans,
// every expected segment arrived. Unsynchronized scans are ready on close.
func (s *ScanStorage) ReadyToWrite() bool {
	return s.finished && (!s.enforceSync || s.NumPoints == int64(len(s.Segments)))
}

// MergeAsync folds one asynchronous reading of |device| into the storage
// under the device's update policy. Append and extend concatenate readings
// signal by signal; replace keeps only the latest.
func (s *ScanStorage) MergeAsync(device string, policy devices.AsyncUpdate, signals messages.SignalMap) {
	if policy == devices.AsyncReplace {
		s.Async[device] = signals
		return
	}
	var merged = s.Async[device]
	if merged == nil {
		merged = make(messages.SignalMap)
		s.Async[device] = merged
	}
	for name, sig := range signals {
		var prev, ok = merged[name]
		if !ok {
			merged[name] = messages.Signal{
				Value:     listify(sig.Value),
				Timestamp: sig.Timestamp,
			}
			continue
		}
		merged[name] = messages.Signal{
			Value:     append(listify(prev.Value), listify(sig.Value)...),
			Timestamp: sig.Timestamp,
		}
	}
}

// listify widens a scalar to a one-element list; lists pass through.
func listify(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	default:
		return []any{x}
	}
}
