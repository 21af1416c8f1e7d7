// Package devices is the in-memory device catalog shared by the server-side
// services and the client. The catalog is loaded from the broker's device
// configuration key and kept current by config-update broadcasts; local
// mutation without a broker round trip is not possible, which keeps every
// process's view of the beamline identical.
package devices

import (
	"fmt"

	"github.com/scanfabric/fabric/messages"
)

// ReadoutPriority decides when a device is read during a scan.
type ReadoutPriority string

const (
	PriorityMonitored ReadoutPriority = "monitored"
	PriorityBaseline  ReadoutPriority = "baseline"
	PriorityAsync     ReadoutPriority = "async"
	PriorityIgnored   ReadoutPriority = "ignored"
)

// Schedule distinguishes devices read synchronously at each point from those
// streaming on their own cadence.
type Schedule string

const (
	ScheduleSync  Schedule = "sync"
	ScheduleAsync Schedule = "async"
)

// AsyncUpdate is the concatenation policy for a device's async readings.
type AsyncUpdate string

const (
	AsyncAppend  AsyncUpdate = "append"
	AsyncExtend  AsyncUpdate = "extend"
	AsyncReplace AsyncUpdate = "replace"
)

// OnFailure is a device's failure policy during movements.
type OnFailure string

const (
	FailureRaise  OnFailure = "raise"
	FailureBuffer OnFailure = "buffer"
	FailureRetry  OnFailure = "retry"
)

// AcquisitionConfig groups the scan-facing acquisition settings of a device.
type AcquisitionConfig struct {
	ReadoutPriority  ReadoutPriority `json:"readoutPriority" msgpack:"readoutPriority" yaml:"readoutPriority"`
	AcquisitionGroup string          `json:"acquisitionGroup" msgpack:"acquisitionGroup" yaml:"acquisitionGroup"`
	Schedule         Schedule        `json:"schedule" msgpack:"schedule" yaml:"schedule"`
	AsyncUpdate      AsyncUpdate     `json:"asyncUpdate,omitempty" msgpack:"asyncUpdate,omitempty" yaml:"asyncUpdate,omitempty"`
}

// Config is the full configuration of one device, as stored under the
// broker's device-config key and exchanged in config requests.
type Config struct {
	Name              string            `json:"name" msgpack:"name" yaml:"name"`
	Description       string            `json:"description,omitempty" msgpack:"description,omitempty" yaml:"description,omitempty"`
	DeviceClass       string            `json:"deviceClass" msgpack:"deviceClass" yaml:"deviceClass"`
	Enabled           bool              `json:"enabled" msgpack:"enabled" yaml:"enabled"`
	EnabledSet        *bool             `json:"enabled_set,omitempty" msgpack:"enabled_set,omitempty" yaml:"enabled_set,omitempty"`
	DeviceConfig      messages.Params   `json:"deviceConfig,omitempty" msgpack:"deviceConfig,omitempty" yaml:"deviceConfig,omitempty"`
	AcquisitionConfig AcquisitionConfig `json:"acquisitionConfig" msgpack:"acquisitionConfig" yaml:"acquisitionConfig"`
	DeviceTags        []string          `json:"deviceTags,omitempty" msgpack:"deviceTags,omitempty" yaml:"deviceTags,omitempty"`
	OnFailure         OnFailure         `json:"onFailure,omitempty" msgpack:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	UserParameter     messages.Params   `json:"userParameter,omitempty" msgpack:"userParameter,omitempty" yaml:"userParameter,omitempty"`
}

// Device is one catalog entry. Devices are immutable snapshots: the registry
// swaps in a fresh Device on every applied config change, so a held pointer
// can be read without locking (and without seeing later updates).
type Device struct {
	cfg Config
}

func newDevice(cfg Config) *Device { return &Device{cfg: cfg} }

// Name returns the unique device name.
func (d *Device) Name() string { return d.cfg.Name }

// Class returns the device-class tag, e.g. "SimMotor".
func (d *Device) Class() string { return d.cfg.DeviceClass }

// Enabled reports whether the device participates in scans.
func (d *Device) Enabled() bool { return d.cfg.Enabled }

// EnabledSet reports whether the device may be written to. Defaults to true.
func (d *Device) EnabledSet() bool {
	if d.cfg.EnabledSet == nil {
		return true
	}
	return *d.cfg.EnabledSet
}

// ReadoutPriority returns the configured readout priority.
func (d *Device) ReadoutPriority() ReadoutPriority {
	return d.cfg.AcquisitionConfig.ReadoutPriority
}

// AcquisitionGroup returns the acquisition group, e.g. "motor" or "detector".
func (d *Device) AcquisitionGroup() string { return d.cfg.AcquisitionConfig.AcquisitionGroup }

// IsAsync reports whether the device streams readings on its own cadence
// rather than being read at each scan point.
func (d *Device) IsAsync() bool {
	return d.cfg.AcquisitionConfig.Schedule == ScheduleAsync ||
		d.cfg.AcquisitionConfig.ReadoutPriority == PriorityAsync
}

// AsyncUpdate returns the async concatenation policy, defaulting to append.
func (d *Device) AsyncUpdate() AsyncUpdate {
	if d.cfg.AcquisitionConfig.AsyncUpdate == "" {
		return AsyncAppend
	}
	return d.cfg.AcquisitionConfig.AsyncUpdate
}

// OnFailure returns the failure policy, defaulting to raise.
func (d *Device) OnFailure() OnFailure {
	if d.cfg.OnFailure == "" {
		return FailureRaise
	}
	return d.cfg.OnFailure
}

// Tags returns the device tags. Treat as read-only.
func (d *Device) Tags() []string { return d.cfg.DeviceTags }

// HasTag reports whether the device carries |tag|.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.cfg.DeviceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// DeviceConfig returns the free-form device configuration. Treat as
// read-only; mutations go through a config request.
func (d *Device) DeviceConfig() messages.Params { return d.cfg.DeviceConfig }

// UserParameter returns the free-form user parameter map. Treat as read-only.
func (d *Device) UserParameter() messages.Params { return d.cfg.UserParameter }

// Limits returns the configured soft limits [low, high], if any.
func (d *Device) Limits() (low, high float64, ok bool) {
	var lim = d.cfg.DeviceConfig.Floats("limits")
	if len(lim) != 2 {
		return 0, 0, false
	}
	return lim[0], lim[1], true
}

// Tolerance returns the configured movement tolerance, if any.
func (d *Device) Tolerance() (float64, bool) { return d.cfg.DeviceConfig.Float("tolerance") }

// Config returns a copy of the full device configuration.
func (d *Device) Config() Config { return d.cfg }

func (d *Device) String() string {
	return fmt.Sprintf("Device(name=%s, enabled=%t)", d.cfg.Name, d.cfg.Enabled)
}

// Override adjusts readout priorities for the duration of one scan, as
// requested through scan metadata. Names listed here win over the devices'
// configured priorities.
type Override struct {
	Monitored []string `msgpack:"monitored"`
	Baseline  []string `msgpack:"baseline"`
	Ignored   []string `msgpack:"ignored"`
}

// OverrideFromParams parses an Override from a readout-priority metadata map.
func OverrideFromParams(p messages.Params) Override {
	return Override{
		Monitored: p.Strings("monitored"),
		Baseline:  p.Strings("baseline"),
		Ignored:   p.Strings("ignored"),
	}
}

// ConfigError reports an invalid device-configuration request. It travels
// back to the requester in the config response message.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "device config: " + e.Reason }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
