package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformed marks a frame body that could not be decoded. The stream
	// is still usable; the reader resynchronises on the next header.
	ErrMalformed = errors.New("malformed frame")
	// ErrInvalid marks a frame that cannot be encoded. Nothing was written.
	ErrInvalid = errors.New("invalid frame")
)

// body is the CBOR layout. Keys are small integers so frames stay compact
// on slow serial links.
type body struct {
	Version uint8  `cbor:"0,keyasint"`
	Kind    Kind   `cbor:"1,keyasint"`
	ID      uint64 `cbor:"2,keyasint,omitempty"`
	Key     string `cbor:"3,keyasint,omitempty"`
	Args    []any  `cbor:"4,keyasint,omitempty"`
	Value   any    `cbor:"5,keyasint"`
	Failed  bool   `cbor:"6,keyasint,omitempty"`
	Code    int64  `cbor:"7,keyasint,omitempty"`
	Message string `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serialises f to a CBOR body without framing.
func Encode(f Frame) ([]byte, error) {
	b := body{Version: ProtocolVersion, Kind: f.Kind()}
	switch v := f.(type) {
	case Call:
		if v.Key == "" {
			return nil, fmt.Errorf("%w: call requires a key", ErrInvalid)
		}
		b.ID, b.Key, b.Args = v.ID, v.Key, v.Args
	case *Call:
		return Encode(*v)
	case Reply:
		b.ID = v.ID
		if v.Fault != nil {
			b.Failed = true
			b.Code, b.Message = v.Fault.Code, v.Fault.Message
		} else {
			b.Value = v.Value
		}
	case *Reply:
		return Encode(*v)
	case Push:
		if v.Key == "" {
			return nil, fmt.Errorf("%w: push requires a key", ErrInvalid)
		}
		b.Key, b.Args = v.Key, v.Args
	case *Push:
		return Encode(*v)
	default:
		return nil, fmt.Errorf("%w: unsupported frame %T", ErrInvalid, f)
	}
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrInvalid, f.Kind(), err)
	}
	return data, nil
}

// Decode parses a CBOR body produced by Encode.
func Decode(data []byte) (Frame, error) {
	var b body
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if b.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b.Version)
	}
	switch b.Kind {
	case KindCall:
		if b.Key == "" {
			return nil, fmt.Errorf("%w: call without key", ErrMalformed)
		}
		return Call{ID: b.ID, Key: b.Key, Args: b.Args}, nil
	case KindReply:
		if b.Failed {
			return Reply{ID: b.ID, Fault: &Fault{Code: b.Code, Message: b.Message}}, nil
		}
		return Reply{ID: b.ID, Value: b.Value}, nil
	case KindPush:
		if b.Key == "" {
			return nil, fmt.Errorf("%w: push without key", ErrMalformed)
		}
		return Push{Key: b.Key, Args: b.Args}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrMalformed, b.Kind)
	}
}
