package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Registry is the live device catalog of one process. It loads the catalog
// from the broker, follows config-update broadcasts, and answers the
// selector queries scans are built from. Safe for concurrent use.
type Registry struct {
	conn connector.Connector

	mu      sync.RWMutex
	devices map[string]*Device
	cancel  connector.CancelFunc
}

// NewRegistry returns an empty Registry bound to |conn|.
func NewRegistry(conn connector.Connector) *Registry {
	return &Registry{
		conn:    conn,
		devices: make(map[string]*Device),
	}
}

// Load replaces the catalog with the broker's current device configuration.
// An unset key yields an empty catalog.
func (r *Registry) Load(ctx context.Context) error {
	var raw, err = r.conn.Get(ctx, messages.DeviceConfig())
	if err != nil {
		return fmt.Errorf("reading device config: %w", err)
	}
	var configs []Config
	if raw != nil {
		if err = msgpack.Unmarshal(raw, &configs); err != nil {
			return fmt.Errorf("decoding device config: %w", err)
		}
	} else {
		log.Warn("no device config available")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(configs)
	return nil
}

// Publish writes the catalog back to the broker's device-config key.
// Only the config's owner (the device-server) publishes.
func (r *Registry) Publish(ctx context.Context) error {
	var raw, err = msgpack.Marshal(r.Snapshot())
	if err != nil {
		return fmt.Errorf("encoding device config: %w", err)
	}
	if err = r.conn.Set(ctx, messages.DeviceConfig(), raw, 0); err != nil {
		return fmt.Errorf("writing device config: %w", err)
	}
	return nil
}

// Start subscribes the registry to config-update broadcasts, keeping the
// catalog current until Stop.
func (r *Registry) Start(ctx context.Context) error {
	var cancel, err = r.conn.Subscribe(ctx, messages.DeviceConfigUpdate(), func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.DeviceConfigMessage](mo.Value)
		if err != nil {
			log.WithField("err", err).Warn("dropping undecodable config update")
			return
		}
		if err = r.Apply(ctx, msg); err != nil {
			log.WithFields(log.Fields{
				"action": msg.Action,
				"err":    err,
			}).Error("failed to apply config update")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to config updates: %w", err)
	}
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	return nil
}

// Stop detaches the registry from config-update broadcasts.
func (r *Registry) Stop() {
	r.mu.Lock()
	var cancel = r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Get returns the named device.
func (r *Registry) Get(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dev, ok = r.devices[name]
	return dev, ok
}

// All returns every device, sorted by name.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	sortByName(out)
	return out
}

// Len returns the catalog size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns the full configuration of every device, sorted by name.
func (r *Registry) Snapshot() []Config {
	var all = r.All()
	var out = make([]Config, len(all))
	for i, dev := range all {
		out[i] = dev.Config()
	}
	return out
}

// Enabled returns all enabled devices, sorted by name.
func (r *Registry) Enabled() []*Device {
	return r.selectDevices(func(d *Device) bool { return d.Enabled() })
}

// Disabled returns all disabled devices, sorted by name.
func (r *Registry) Disabled() []*Device {
	return r.selectDevices(func(d *Device) bool { return !d.Enabled() })
}

// AcquisitionGroup returns all devices of |group|, sorted by name.
func (r *Registry) AcquisitionGroup(group string) []*Device {
	return r.selectDevices(func(d *Device) bool { return d.AcquisitionGroup() == group })
}

// WithPriority returns all devices configured with |priority|, sorted by name.
func (r *Registry) WithPriority(priority ReadoutPriority) []*Device {
	return r.selectDevices(func(d *Device) bool { return d.ReadoutPriority() == priority })
}

// WithTags returns all devices carrying at least one of |tags|, sorted by name.
func (r *Registry) WithTags(tags ...string) []*Device {
	return r.selectDevices(func(d *Device) bool {
		for _, tag := range tags {
			if d.HasTag(tag) {
				return true
			}
		}
		return false
	})
}

// Detectors returns all enabled detector-group devices, sorted by name.
func (r *Registry) Detectors() []*Device {
	return r.selectDevices(func(d *Device) bool {
		return d.Enabled() && d.AcquisitionGroup() == "detector"
	})
}

// AsyncDevices returns all devices reading on their own cadence, sorted by name.
func (r *Registry) AsyncDevices() []*Device {
	return r.selectDevices(func(d *Device) bool { return d.IsAsync() })
}

// Monitored returns the devices read at every scan point: monitored-priority
// devices plus the scan motors plus the override's monitored names, minus
// detectors, async and disabled devices, and names the override demotes.
func (r *Registry) Monitored(scanMotors []string, ov Override) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var included = make(map[string]*Device)
	for name, dev := range r.devices {
		if dev.ReadoutPriority() == PriorityMonitored {
			included[name] = dev
		}
	}
	for _, name := range scanMotors {
		if dev, ok := r.devices[name]; ok {
			included[name] = dev
		}
	}
	for _, name := range ov.Monitored {
		if dev, ok := r.devices[name]; ok {
			included[name] = dev
		}
	}

	for name, dev := range included {
		if !dev.Enabled() || dev.IsAsync() || dev.AcquisitionGroup() == "detector" {
			delete(included, name)
		}
	}
	for _, name := range ov.Baseline {
		delete(included, name)
	}
	for _, name := range ov.Ignored {
		delete(included, name)
	}
	return sortedValues(included)
}

// Baseline returns the devices read once at scan start: every enabled device
// plus the override's baseline names, minus the monitored set, async devices,
// detectors, and anything ignored.
func (r *Registry) Baseline(scanMotors []string, ov Override) []*Device {
	var included = make(map[string]*Device)
	for _, dev := range r.Enabled() {
		included[dev.Name()] = dev
	}
	r.mu.RLock()
	for _, name := range ov.Baseline {
		if dev, ok := r.devices[name]; ok {
			included[name] = dev
		}
	}
	r.mu.RUnlock()

	for _, dev := range r.Monitored(scanMotors, ov) {
		delete(included, dev.Name())
	}
	for name, dev := range included {
		if dev.IsAsync() || dev.AcquisitionGroup() == "detector" || dev.ReadoutPriority() == PriorityIgnored {
			delete(included, name)
		}
	}
	for _, name := range ov.Monitored {
		delete(included, name)
	}
	for _, name := range ov.Ignored {
		delete(included, name)
	}
	return sortedValues(included)
}

func (r *Registry) selectDevices(keep func(*Device) bool) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, dev := range r.devices {
		if keep(dev) {
			out = append(out, dev)
		}
	}
	sortByName(out)
	return out
}

// Validate checks a config request against the current catalog without
// applying it. The returned *ConfigError carries the rejection reason.
func (r *Registry) Validate(msg *messages.DeviceConfigMessage) error {
	switch msg.Action {
	case messages.ConfigActionUpdate, messages.ConfigActionAdd, messages.ConfigActionRemove,
		messages.ConfigActionReload, messages.ConfigActionSet:
	default:
		return configErrorf("action must be one of add, remove, update, set or reload, not %q", msg.Action)
	}
	if msg.Action != messages.ConfigActionReload && len(msg.Config) == 0 {
		return configErrorf("config cannot be empty for a %s request", msg.Action)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	switch msg.Action {
	case messages.ConfigActionUpdate, messages.ConfigActionRemove:
		for name := range msg.Config {
			if _, ok := r.devices[name]; !ok {
				return configErrorf("device %s does not exist and cannot be %sd", name, msg.Action)
			}
		}
	case messages.ConfigActionAdd:
		for name := range msg.Config {
			if _, ok := r.devices[name]; ok {
				return configErrorf("device %s already exists and cannot be added", name)
			}
		}
	}
	return nil
}

// Apply mutates the catalog per |msg|. Update merges the deviceConfig map
// and replaces other named sections; add and remove adjust the catalog;
// reload discards it and re-reads the broker; set replaces it wholesale.
func (r *Registry) Apply(ctx context.Context, msg *messages.DeviceConfigMessage) error {
	if err := r.Validate(msg); err != nil {
		return err
	}
	configAppliesTotal.WithLabelValues(msg.Action).Inc()

	switch msg.Action {
	case messages.ConfigActionUpdate:
		r.mu.Lock()
		defer r.mu.Unlock()
		for name, patch := range msg.Config {
			var cur, ok = r.devices[name]
			if !ok {
				continue
			}
			next, err := patchedConfig(cur.Config(), patch)
			if err != nil {
				return fmt.Errorf("updating %s: %w", name, err)
			}
			r.devices[name] = newDevice(next)
			log.WithField("device", name).Info("updated device config")
		}

	case messages.ConfigActionAdd:
		r.mu.Lock()
		defer r.mu.Unlock()
		for name, p := range msg.Config {
			var cfg, err = configFromParams(name, p)
			if err != nil {
				return fmt.Errorf("adding %s: %w", name, err)
			}
			r.devices[name] = newDevice(cfg)
			log.WithField("device", name).Info("added device")
		}

	case messages.ConfigActionRemove:
		r.mu.Lock()
		defer r.mu.Unlock()
		for name := range msg.Config {
			delete(r.devices, name)
			log.WithField("device", name).Info("removed device")
		}

	case messages.ConfigActionReload:
		log.Info("reloading device config")
		return r.Load(ctx)

	case messages.ConfigActionSet:
		var configs = make([]Config, 0, len(msg.Config))
		for name, p := range msg.Config {
			var cfg, err = configFromParams(name, p)
			if err != nil {
				return fmt.Errorf("setting %s: %w", name, err)
			}
			configs = append(configs, cfg)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.replaceLocked(configs)
		log.WithField("devices", len(configs)).Info("replaced device config")
	}
	return nil
}

func (r *Registry) replaceLocked(configs []Config) {
	r.devices = make(map[string]*Device, len(configs))
	for _, cfg := range configs {
		r.devices[cfg.Name] = newDevice(cfg)
	}
}

// patchedConfig applies one update request to a device configuration.
// The deviceConfig map is merge-patched (RFC 7386: nested keys merge, null
// deletes); every other named section is replaced outright.
func patchedConfig(cfg Config, patch messages.Params) (Config, error) {
	if sub, ok := patch["deviceConfig"]; ok {
		var merged, err = mergeParams(cfg.DeviceConfig, sub)
		if err != nil {
			return cfg, err
		}
		cfg.DeviceConfig = merged
	}
	if v, ok := patch.Bool("enabled"); ok {
		cfg.Enabled = v
	}
	if v, ok := patch.Bool("enabled_set"); ok {
		var b = v
		cfg.EnabledSet = &b
	}
	if v, ok := patch.String("onFailure"); ok {
		cfg.OnFailure = OnFailure(v)
	}
	if _, ok := patch["deviceTags"]; ok {
		cfg.DeviceTags = patch.Strings("deviceTags")
	}
	if sub := patch.Map("userParameter"); sub != nil {
		cfg.UserParameter = sub
	}
	if sub := patch.Map("acquisitionConfig"); sub != nil {
		var next AcquisitionConfig
		if err := reshape(sub, &next); err != nil {
			return cfg, fmt.Errorf("decoding acquisitionConfig: %w", err)
		}
		cfg.AcquisitionConfig = next
	}
	return cfg, nil
}

func mergeParams(base messages.Params, patch any) (messages.Params, error) {
	var baseRaw = []byte("{}")
	if base != nil {
		var err error
		if baseRaw, err = json.Marshal(base); err != nil {
			return nil, fmt.Errorf("encoding deviceConfig: %w", err)
		}
	}
	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encoding deviceConfig patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(baseRaw, patchRaw)
	if err != nil {
		return nil, fmt.Errorf("merging deviceConfig: %w", err)
	}
	var out messages.Params
	if err = json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decoding merged deviceConfig: %w", err)
	}
	return out, nil
}

// configFromParams decodes a full device configuration from its wire map.
// The catalog key wins over any embedded name.
func configFromParams(name string, p messages.Params) (Config, error) {
	var cfg Config
	if err := reshape(p, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Name = name
	return cfg, nil
}

// reshape moves a free-form map into a typed struct via its JSON tags.
func reshape(src any, dst any) error {
	var raw, err = json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func sortByName(devs []*Device) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].Name() < devs[j].Name() })
}

func sortedValues(m map[string]*Device) []*Device {
	var out = make([]*Device, 0, len(m))
	for _, dev := range m {
		out = append(out, dev)
	}
	sortByName(out)
	return out
}

// Names maps devices to their names, preserving order.
func Names(devs []*Device) []string {
	var out = make([]string, len(devs))
	for i, dev := range devs {
		out[i] = dev.Name()
	}
	return out
}
