package messages

import (
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ScanArgs holds a request's positional arguments. Scan requests group them
// per device, and the device order is significant: it fixes the scan-motor
// order and with it the column order of position tables. The type therefore
// keeps wire order instead of handing the bundles to Go's unordered maps.
// RPC requests carry a plain positional list in the same wire slot.
type ScanArgs struct {
	keys   []string
	values map[string][]any
	list   []any
}

var (
	_ msgpack.CustomEncoder = (*ScanArgs)(nil)
	_ msgpack.CustomDecoder = (*ScanArgs)(nil)
)

// Add appends one device bundle. Adding a device that is already present
// replaces its values but keeps its original position.
func (a *ScanArgs) Add(device string, vals ...any) *ScanArgs {
	if a.values == nil {
		a.values = make(map[string][]any)
	}
	if _, ok := a.values[device]; !ok {
		a.keys = append(a.keys, device)
	}
	a.values[device] = vals
	return a
}

// SetList replaces the arguments with the plain positional form.
func (a *ScanArgs) SetList(vals ...any) *ScanArgs {
	a.keys, a.values = nil, nil
	a.list = vals
	if a.list == nil {
		a.list = []any{}
	}
	return a
}

// Devices returns the device names in wire order.
func (a ScanArgs) Devices() []string {
	return append([]string(nil), a.keys...)
}

// Values returns the bundle of the named device.
func (a ScanArgs) Values(device string) []any { return a.values[device] }

// List returns the plain positional form, or nil for device-grouped args.
func (a ScanArgs) List() []any { return a.list }

// Len returns the number of device bundles.
func (a ScanArgs) Len() int { return len(a.keys) }

// FlatLen returns the flattened positional length, counting each device name
// and each of its values.
func (a ScanArgs) FlatLen() int {
	var n = len(a.list)
	for _, k := range a.keys {
		n += 1 + len(a.values[k])
	}
	return n
}

// IsEmpty reports whether no positional arguments are present.
func (a ScanArgs) IsEmpty() bool { return len(a.keys) == 0 && len(a.list) == 0 }

// EncodeMsgpack writes the positional list as an array and device bundles as
// a map in insertion order.
func (a *ScanArgs) EncodeMsgpack(enc *msgpack.Encoder) error {
	if a.list != nil {
		return enc.Encode(a.list)
	}
	if err := enc.EncodeMapLen(len(a.keys)); err != nil {
		return err
	}
	for _, k := range a.keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(a.values[k]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack accepts nil, an array (positional form), or a map of device
// bundles read in wire order. Scalar bundle values are wrapped into
// one-element bundles.
func (a *ScanArgs) DecodeMsgpack(dec *msgpack.Decoder) error {
	*a = ScanArgs{}
	var code, err = dec.PeekCode()
	if err != nil {
		return err
	}
	switch {
	case code == msgpcode.Nil:
		return dec.DecodeNil()
	case msgpcode.IsFixedArray(code), code == msgpcode.Array16, code == msgpcode.Array32:
		list, err := dec.DecodeSlice()
		if err != nil {
			return err
		}
		if list == nil {
			list = []any{}
		}
		a.list = list
		return nil
	default:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			val, err := dec.DecodeInterfaceLoose()
			if err != nil {
				return err
			}
			switch v := val.(type) {
			case nil:
				a.Add(key)
			case []any:
				a.Add(key, v...)
			default:
				a.Add(key, v)
			}
		}
		return nil
	}
}
