package devices

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

const (
	configReplyTimeout = 10 * time.Second
	configPollInterval = 100 * time.Millisecond
)

// ConfigHelper drives the client side of the config round trip: it publishes
// a config request under a fresh RID and polls the per-RID response key until
// the config owner accepts or rejects it.
type ConfigHelper struct {
	conn connector.Connector

	// Timeout bounds the wait for a config reply.
	Timeout time.Duration
}

// NewConfigHelper returns a ConfigHelper with the default reply timeout.
func NewConfigHelper(conn connector.Connector) *ConfigHelper {
	return &ConfigHelper{conn: conn, Timeout: configReplyTimeout}
}

// SendRequest publishes one config request and waits for its decision.
// A rejection or a missed reply returns a *ConfigError.
func (h *ConfigHelper) SendRequest(ctx context.Context, action string, config map[string]messages.Params) error {
	switch action {
	case messages.ConfigActionUpdate, messages.ConfigActionAdd, messages.ConfigActionSet:
		if len(config) == 0 {
			return configErrorf("config cannot be empty for a %s request", action)
		}
	}
	var rid = uuid.NewString()
	var msg = &messages.DeviceConfigMessage{Action: action, Config: config}
	msg.Meta().SetRID(rid)

	var raw, err = messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding config request: %w", err)
	}
	if err = h.conn.Publish(ctx, messages.DeviceConfigRequest(), raw); err != nil {
		return fmt.Errorf("publishing config request: %w", err)
	}
	log.WithFields(log.Fields{"action": action, "rid": rid}).Debug("sent config request")

	reply, err := h.WaitForReply(ctx, rid)
	if err != nil {
		return err
	}
	if !reply.Accepted {
		return configErrorf("request rejected: %s", reply.Message)
	}
	return nil
}

// WaitForReply polls the per-RID response key until a decision arrives or
// the helper's timeout elapses.
func (h *ConfigHelper) WaitForReply(ctx context.Context, rid string) (*messages.RequestResponseMessage, error) {
	var ticker = time.NewTicker(configPollInterval)
	defer ticker.Stop()
	var deadline = time.NewTimer(h.Timeout)
	defer deadline.Stop()

	for {
		var raw, err = h.conn.Get(ctx, messages.DeviceConfigRequestResponse(rid))
		if err != nil {
			return nil, fmt.Errorf("reading config reply: %w", err)
		}
		if raw != nil {
			return messages.DecodeAs[*messages.RequestResponseMessage](raw)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, configErrorf("timeout waiting for config reply")
		case <-ticker.C:
		}
	}
}

// UpdateSessionFromFile replaces the active device session with the YAML
// session at |path| through a single "set" request.
func (h *ConfigHelper) UpdateSessionFromFile(ctx context.Context, path string) error {
	var config, err = LoadSession(path)
	if err != nil {
		return err
	}
	return h.SendRequest(ctx, messages.ConfigActionSet, config)
}

// SaveCurrentSession writes the broker's current device session to |path|
// as YAML.
func (h *ConfigHelper) SaveCurrentSession(ctx context.Context, path string) error {
	var raw, err = h.conn.Get(ctx, messages.DeviceConfig())
	if err != nil {
		return fmt.Errorf("reading device config: %w", err)
	}
	if raw == nil {
		return configErrorf("no device config available")
	}
	var configs []Config
	if err = msgpack.Unmarshal(raw, &configs); err != nil {
		return fmt.Errorf("decoding device config: %w", err)
	}
	return SaveSession(path, configs)
}

// sessionEntry is the YAML form of one device: the enabled flags grouped
// under a status section, everything else flat.
type sessionEntry struct {
	Status struct {
		Enabled    bool  `yaml:"enabled"`
		EnabledSet *bool `yaml:"enabled_set,omitempty"`
	} `yaml:"status"`
	Description       string            `yaml:"description,omitempty"`
	DeviceClass       string            `yaml:"deviceClass"`
	DeviceConfig      map[string]any    `yaml:"deviceConfig,omitempty"`
	AcquisitionConfig AcquisitionConfig `yaml:"acquisitionConfig"`
	DeviceTags        []string          `yaml:"deviceTags,omitempty"`
	OnFailure         OnFailure         `yaml:"onFailure,omitempty"`
	UserParameter     map[string]any    `yaml:"userParameter,omitempty"`
}

// LoadSession reads a YAML device session and returns it keyed by device
// name, in the shape a "set" config request expects.
func LoadSession(path string) (map[string]messages.Params, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var entries map[string]sessionEntry
	if err = yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}

	var out = make(map[string]messages.Params, len(entries))
	for name, entry := range entries {
		var cfg = Config{
			Name:              name,
			Description:       entry.Description,
			DeviceClass:       entry.DeviceClass,
			Enabled:           entry.Status.Enabled,
			EnabledSet:        entry.Status.EnabledSet,
			DeviceConfig:      entry.DeviceConfig,
			AcquisitionConfig: entry.AcquisitionConfig,
			DeviceTags:        entry.DeviceTags,
			OnFailure:         entry.OnFailure,
			UserParameter:     entry.UserParameter,
		}
		var p messages.Params
		if err = reshape(cfg, &p); err != nil {
			return nil, fmt.Errorf("converting %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

// LoadSessionConfigs reads a YAML device session as a plain catalog, the
// shape a device-server owner seeds the broker with.
func LoadSessionConfigs(path string) ([]Config, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var entries map[string]sessionEntry
	if err = yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}

	var out = make([]Config, 0, len(entries))
	for name, entry := range entries {
		out = append(out, Config{
			Name:              name,
			Description:       entry.Description,
			DeviceClass:       entry.DeviceClass,
			Enabled:           entry.Status.Enabled,
			EnabledSet:        entry.Status.EnabledSet,
			DeviceConfig:      entry.DeviceConfig,
			AcquisitionConfig: entry.AcquisitionConfig,
			DeviceTags:        entry.DeviceTags,
			OnFailure:         entry.OnFailure,
			UserParameter:     entry.UserParameter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveSession writes |configs| to |path| as a YAML device session.
func SaveSession(path string, configs []Config) error {
	var entries = make(map[string]sessionEntry, len(configs))
	for _, cfg := range configs {
		var entry sessionEntry
		entry.Status.Enabled = cfg.Enabled
		entry.Status.EnabledSet = cfg.EnabledSet
		entry.Description = cfg.Description
		entry.DeviceClass = cfg.DeviceClass
		entry.DeviceConfig = cfg.DeviceConfig
		entry.AcquisitionConfig = cfg.AcquisitionConfig
		entry.DeviceTags = cfg.DeviceTags
		entry.OnFailure = cfg.OnFailure
		entry.UserParameter = cfg.UserParameter
		entries[cfg.Name] = entry
	}
	var raw, err = yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err = os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	log.WithField("path", path).Info("saved device session")
	return nil
}
