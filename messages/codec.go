package messages

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// codecVersion is the envelope framing version. Decode rejects anything else.
const codecVersion = 1

// envelope is the wire frame: a version, a type tag, the msgpack-encoded
// content, and the metadata map.
type envelope struct {
	Version  int                `msgpack:"version"`
	MsgType  string             `msgpack:"msg_type"`
	Content  msgpack.RawMessage `msgpack:"content"`
	Metadata Metadata           `msgpack:"metadata"`
}

var factories = map[string]func() Message{
	TypeScanQueue:             func() Message { return new(ScanQueueMessage) },
	TypeRequestResponse:       func() Message { return new(RequestResponseMessage) },
	TypeScanQueueStatus:       func() Message { return new(ScanQueueStatusMessage) },
	TypeScanQueueModification: func() Message { return new(ScanQueueModificationMessage) },
	TypeDeviceInstruction:     func() Message { return new(DeviceInstructionMessage) },
	TypeDevice:                func() Message { return new(DeviceMessage) },
	TypeDeviceReqStatus:       func() Message { return new(DeviceReqStatusMessage) },
	TypeDeviceStatus:          func() Message { return new(DeviceStatusMessage) },
	TypeProgress:              func() Message { return new(ProgressMessage) },
	TypeScanStatus:            func() Message { return new(ScanStatusMessage) },
	TypeScanSegment:           func() Message { return new(ScanMessage) },
	TypeScanBaseline:          func() Message { return new(ScanBaselineMessage) },
	TypeDeviceConfig:          func() Message { return new(DeviceConfigMessage) },
	TypeDeviceInfo:            func() Message { return new(DeviceInfoMessage) },
	TypeFile:                  func() Message { return new(FileMessage) },
	TypeAlarm:                 func() Message { return new(AlarmMessage) },
	TypeLog:                   func() Message { return new(LogMessage) },
	TypeServiceStatus:         func() Message { return new(ServiceStatusMessage) },
	TypeDeviceRPC:             func() Message { return new(DeviceRPCMessage) },
}

// Encode frames |msg| into its binary wire form.
func Encode(msg Message) ([]byte, error) {
	var content, err = msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", msg.MsgType(), err)
	}
	out, err := marshalEnvelope(envelope{
		Version:  codecVersion,
		MsgType:  msg.MsgType(),
		Content:  content,
		Metadata: msg.Meta(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", msg.MsgType(), err)
	}
	return out, nil
}

func marshalEnvelope(env envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

// MustEncode is Encode for messages built from static types, where an
// encoding failure is a programming error.
func MustEncode(msg Message) []byte {
	var out, err = Encode(msg)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode parses a framed message into its concrete envelope type.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := unmarshalLoose(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Version != codecVersion {
		return nil, fmt.Errorf("unsupported codec version %d", env.Version)
	}
	var factory, ok = factories[env.MsgType]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.MsgType)
	}
	var msg = factory()
	if err := unmarshalLoose(env.Content, msg); err != nil {
		return nil, fmt.Errorf("decoding %s content: %w", env.MsgType, err)
	}
	if env.Metadata == nil {
		env.Metadata = Metadata{}
	}
	msg.setMeta(env.Metadata)
	return msg, nil
}

// unmarshalLoose decodes with interface values widened to int64 and float64,
// so that parameter maps read back identically no matter how compactly the
// encoder sized their integers.
func unmarshalLoose(raw []byte, v interface{}) error {
	var dec = msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// DecodeAs decodes |raw| and requires its concrete type to be M.
func DecodeAs[M Message](raw []byte) (M, error) {
	var zero M
	var msg, err = Decode(raw)
	if err != nil {
		return zero, err
	}
	typed, ok := msg.(M)
	if !ok {
		return zero, fmt.Errorf("expected %T, decoded %s", zero, msg.MsgType())
	}
	return typed, nil
}

// Strings is a device-or-devices field: on the wire it is nil, a single
// string, or a list of strings; in Go it is always a slice.
type Strings []string

var (
	_ msgpack.CustomEncoder = (Strings)(nil)
	_ msgpack.CustomDecoder = (*Strings)(nil)
)

// EncodeMsgpack encodes the most compact wire form: nil, string, or list.
func (s Strings) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch len(s) {
	case 0:
		return enc.EncodeNil()
	case 1:
		return enc.EncodeString(s[0])
	default:
		return enc.Encode([]string(s))
	}
}

// DecodeMsgpack accepts nil, a single string, or a list of strings.
func (s *Strings) DecodeMsgpack(dec *msgpack.Decoder) error {
	var code, err = dec.PeekCode()
	if err != nil {
		return err
	}
	switch {
	case code == msgpcode.Nil:
		*s = nil
		return dec.DecodeNil()
	case msgpcode.IsString(code):
		v, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*s = Strings{v}
		return nil
	default:
		var v []string
		if err := dec.Decode(&v); err != nil {
			return err
		}
		*s = v
		return nil
	}
}

// One returns the single name of a one-element field, or "" otherwise.
func (s Strings) One() string {
	if len(s) == 1 {
		return s[0]
	}
	return ""
}
