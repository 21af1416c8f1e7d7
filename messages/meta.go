package messages

// Well-known metadata keys. Producers and consumers address metadata through
// the typed accessors below; the raw keys are exported for pattern matching
// and tests.
const (
	MetaRID             = "RID"
	MetaScanID          = "scanID"
	MetaDIID            = "DIID"
	MetaPointID         = "pointID"
	MetaReadoutPriority = "readout_priority"
	MetaScanDefID       = "scan_def_id"
	MetaQueueGroup      = "queue_group"
	MetaStream          = "stream"
	MetaCleanup         = "cleanup"
	MetaResponse        = "response"
)

// Metadata is the free-form map carried alongside every envelope's content.
// Values survive a codec round-trip with loosened numeric types, so numeric
// reads must go through the coercing accessors.
type Metadata map[string]any

func (m Metadata) RID() string            { return asString(m[MetaRID]) }
func (m Metadata) SetRID(rid string)      { m[MetaRID] = rid }
func (m Metadata) ScanID() string         { return asString(m[MetaScanID]) }
func (m Metadata) SetScanID(id string)    { m[MetaScanID] = id }
func (m Metadata) ScanDefID() string      { return asString(m[MetaScanDefID]) }
func (m Metadata) SetScanDefID(id string) { m[MetaScanDefID] = id }
func (m Metadata) QueueGroup() string     { return asString(m[MetaQueueGroup]) }
func (m Metadata) SetQueueGroup(g string) { m[MetaQueueGroup] = g }
func (m Metadata) Stream() string         { return asString(m[MetaStream]) }
func (m Metadata) SetStream(s string)     { m[MetaStream] = s }

func (m Metadata) DIID() (int64, bool)  { return asInt64(m[MetaDIID]) }
func (m Metadata) SetDIID(diid int64)   { m[MetaDIID] = diid }
func (m Metadata) PointID() (int64, bool) { return asInt64(m[MetaPointID]) }
func (m Metadata) SetPointID(id int64)  { m[MetaPointID] = id }

func (m Metadata) ReadoutPriority() string     { return asString(m[MetaReadoutPriority]) }
func (m Metadata) SetReadoutPriority(p string) { m[MetaReadoutPriority] = p }

func (m Metadata) Cleanup() bool { b, _ := asBool(m[MetaCleanup]); return b }
func (m Metadata) SetCleanup()   { m[MetaCleanup] = true }

// Response marks an instruction whose completion the device-server must
// acknowledge on the per-request status key.
func (m Metadata) Response() bool { b, _ := asBool(m[MetaResponse]); return b }
func (m Metadata) SetResponse()   { m[MetaResponse] = true }

// Copy returns a shallow copy, for deriving per-instruction metadata from a
// request's metadata without aliasing.
func (m Metadata) Copy() Metadata {
	var out = make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Params is a free-form parameter map with coercing accessors. Msgpack
// decodes numbers into whichever width fits, so all numeric reads coerce.
type Params map[string]any

// Float returns the named parameter as a float64.
func (p Params) Float(key string) (float64, bool) { return asFloat64(p[key]) }

// Int returns the named parameter as an int64. Integral floats coerce.
func (p Params) Int(key string) (int64, bool) { return asInt64(p[key]) }

// String returns the named parameter as a string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the named parameter as a bool.
func (p Params) Bool(key string) (bool, bool) { return asBool(p[key]) }

// Strings returns the named parameter coerced to a string slice. A bare
// string yields a one-element slice.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var out = make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Floats returns the named parameter coerced to a float64 slice.
func (p Params) Floats(key string) []float64 {
	switch v := p[key].(type) {
	case nil:
		return nil
	case []float64:
		return v
	case []any:
		var out = make([]float64, 0, len(v))
		for _, e := range v {
			if f, ok := asFloat64(e); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		if f, ok := asFloat64(v); ok {
			return []float64{f}
		}
		return nil
	}
}

// Map returns a nested parameter map.
func (p Params) Map(key string) Params {
	switch v := p[key].(type) {
	case Params:
		return v
	case map[string]any:
		return Params(v)
	default:
		return nil
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		if float32(int64(n)) == n {
			return int64(n), true
		}
	case float64:
		if float64(int64(n)) == n {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
