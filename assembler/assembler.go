// Package assembler turns scan-queue requests into device-instruction
// sequences. Every scan type is a Definition registered by name; assembling
// a request validates its arguments against the definition and instantiates
// the matching class. A class emits its instructions through a caller
// supplied EmitFunc, so the sequence stays lazy: the worker dispatches each
// instruction before the next one is produced, and a paused run simply
// blocks inside emit.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
)

// Semantic argument types declared by scan classes. Element zero of every
// positional bundle is ArgDevice.
const (
	ArgDevice = "device"
	ArgFloat  = "float"
	ArgInt    = "int"
	ArgStr    = "str"
	ArgList   = "list"
	ArgBool   = "boolean"
)

// Scan-report hints, telling client UIs how to follow a request.
const (
	ReportReadback = "readback"
	ReportTable    = "table"
	ReportProgress = "scan_progress"
)

// EmitFunc receives one instruction of a running request. It may block, and
// its error aborts the run.
type EmitFunc func(*messages.DeviceInstructionMessage) error

// Request is one assembled scan, move or RPC, ready to run.
type Request interface {
	// Definition returns the class this request instantiates.
	Definition() *Definition

	// Run emits the request's instruction sequence in order. Run is
	// restartable: a fresh call starts over with fresh instruction IDs.
	Run(ctx context.Context, emit EmitFunc) error
}

// Readbacks exposes last-known device positions to running requests, for
// relative-position offsets and flyer progress.
type Readbacks interface {
	Position(ctx context.Context, device string) (float64, error)
}

// Environment is the runtime state scan classes may consult while they
// generate instructions. Either field may be nil; classes degrade to zero
// start positions and skipped limit checks.
type Environment struct {
	Devices   *devices.Registry
	Readbacks Readbacks
}

// Definition describes one registered scan class.
type Definition struct {
	// Name is the scan type addressed by requests, e.g. "grid_scan".
	Name string
	// ClassName is the implementing type, published for client help.
	ClassName string
	// Doc is forwarded verbatim in rejection messages and client help.
	Doc string
	// ArgInput names the semantic type of each bundle element.
	ArgInput []string
	// RequiredKwargs must all be present in a request's kwargs.
	RequiredKwargs []string
	// ArgBundleSize is the positional bundle width, device name included.
	// Zero means the class takes no positional bundles.
	ArgBundleSize int
	// ReportHint tells client UIs how to follow progress.
	ReportHint string
	// IsScan distinguishes data-taking scans from moves, RPCs and
	// structural components.
	IsScan bool
	// EnforceSync marks scans whose detectors read back point by point.
	// Fly scans that deliver readings on their own cadence clear it.
	EnforceSync bool

	New func(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error)
}

// Spec returns the publishable description of the class.
func (d *Definition) Spec() messages.ScanSpec {
	return messages.ScanSpec{
		ClassName:      d.ClassName,
		Doc:            d.Doc,
		ArgInput:       append([]string(nil), d.ArgInput...),
		RequiredKwargs: append([]string(nil), d.RequiredKwargs...),
		ArgBundleSize:  int64(d.ArgBundleSize),
		ScanReportHint: d.ReportHint,
	}
}

// Assembler is the scan-class registry.
type Assembler struct {
	env *Environment

	mu   sync.RWMutex
	defs map[string]*Definition
}

// New returns a registry holding the built-in scan classes.
func New(env *Environment) *Assembler {
	if env == nil {
		env = &Environment{}
	}
	var a = &Assembler{env: env, defs: make(map[string]*Definition)}
	for _, def := range builtins() {
		a.defs[def.Name] = def
	}
	return a
}

// Register adds or replaces a scan class.
func (a *Assembler) Register(def *Definition) error {
	if def.Name == "" || def.New == nil {
		return fmt.Errorf("scan definitions need a name and a constructor")
	}
	if def.ArgBundleSize > 0 && len(def.ArgInput) != def.ArgBundleSize {
		return fmt.Errorf("scan %s: arg_input names %d elements, bundle size is %d",
			def.Name, len(def.ArgInput), def.ArgBundleSize)
	}
	if def.ArgBundleSize > 0 && def.ArgInput[0] != ArgDevice {
		return fmt.Errorf("scan %s: bundles must lead with a device name", def.Name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defs[def.Name] = def
	return nil
}

// Definition returns the named class, or nil.
func (a *Assembler) Definition(name string) *Definition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.defs[name]
}

// Names returns the registered scan names, sorted.
func (a *Assembler) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out = make([]string, 0, len(a.defs))
	for name := range a.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Specs returns the publishable description of every registered class.
func (a *Assembler) Specs() map[string]messages.ScanSpec {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out = make(map[string]messages.ScanSpec, len(a.defs))
	for name, def := range a.defs {
		out[name] = def.Spec()
	}
	return out
}

// PublishAvailable set-and-publishes the registry contents, so the client
// can validate and document scans without a round trip per request.
func (a *Assembler) PublishAvailable(ctx context.Context, conn connector.Connector) error {
	var raw, err = msgpack.Marshal(a.Specs())
	if err != nil {
		return fmt.Errorf("encoding available scans: %w", err)
	}
	if err = conn.SetAndPublish(ctx, messages.AvailableScans(), raw); err != nil {
		return fmt.Errorf("publishing available scans: %w", err)
	}
	log.WithField("scans", len(a.defs)).Debug("published available scans")
	return nil
}

// Assemble validates |msg| and instantiates its scan class.
func (a *Assembler) Assemble(msg *messages.ScanQueueMessage) (Request, error) {
	var def = a.Definition(msg.ScanType)
	if def == nil {
		return nil, fmt.Errorf("unknown scan type %q", msg.ScanType)
	}
	if err := ValidateRequest(def, msg); err != nil {
		return nil, err
	}
	var req, err = def.New(a.env, def, msg)
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", def.Name, err)
	}
	return req, nil
}

// ValidateRequest checks a request's positional bundles and keyword
// arguments against the class declaration. The guard runs it before
// accepting a request; the client mirrors it for fast local errors.
func ValidateRequest(def *Definition, msg *messages.ScanQueueMessage) error {
	var args = msg.Parameter.Args
	if def.ArgBundleSize > 0 {
		if args.Len() == 0 {
			return &Rejection{Scan: def.Name, Doc: def.Doc,
				Reason: "takes at least one device bundle"}
		}
		for _, dev := range args.Devices() {
			var vals = args.Values(dev)
			if len(vals) != def.ArgBundleSize-1 {
				return &Rejection{Scan: def.Name, Doc: def.Doc, Reason: fmt.Sprintf(
					"device %s carries %d positional arguments, expected %d",
					dev, len(vals), def.ArgBundleSize-1)}
			}
			for i, val := range vals {
				if !argMatches(def.ArgInput[i+1], val) {
					return &Rejection{Scan: def.Name, Doc: def.Doc, Reason: fmt.Sprintf(
						"argument %d of device %s must be a %s",
						i+1, dev, def.ArgInput[i+1])}
				}
			}
		}
	}
	for _, kw := range def.RequiredKwargs {
		if _, ok := msg.Parameter.Kwargs[kw]; !ok {
			return &Rejection{Scan: def.Name, Doc: def.Doc,
				Reason: fmt.Sprintf("missing required keyword argument %q", kw)}
		}
	}
	return nil
}

func argMatches(kind string, val any) bool {
	switch kind {
	case ArgDevice, ArgStr:
		var _, ok = val.(string)
		return ok
	case ArgFloat:
		switch val.(type) {
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case ArgInt:
		switch val.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case ArgList:
		switch val.(type) {
		case []any, []float64, []string:
			return true
		}
		return false
	case ArgBool:
		var _, ok = val.(bool)
		return ok
	}
	return true
}

// Rejection is a validation failure. The guard forwards its Error text, doc
// string included, as the rejection message of the request response.
type Rejection struct {
	Scan   string
	Reason string
	Doc    string
}

func (r *Rejection) Error() string {
	if r.Doc == "" {
		return fmt.Sprintf("%s: %s", r.Scan, r.Reason)
	}
	return fmt.Sprintf("%s: %s\n%s", r.Scan, r.Reason, r.Doc)
}

// Abortion cancels the running request. The worker turns it into an
// "aborted" scan status and a matching alarm.
type Abortion struct{ Reason string }

func (a *Abortion) Error() string { return "scan aborted: " + a.Reason }

// Abortf builds an Abortion from a format string.
func Abortf(format string, args ...any) *Abortion {
	return &Abortion{Reason: fmt.Sprintf(format, args...)}
}

// LimitError rejects a target position outside a motor's configured limits.
type LimitError struct {
	Device    string
	Position  []float64
	Low, High float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("target position %v for motor %s is outside of range: [%v, %v]",
		e.Position, e.Device, e.Low, e.High)
}
