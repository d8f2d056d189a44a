// Package codec implements the xlink wire format: a sync header, a 4-byte
// big-endian length and an integer-keyed CBOR body per frame.
package codec

import "fmt"

// ProtocolVersion is stamped into every encoded frame.
const ProtocolVersion = 1

// Kind discriminates the three frame variants.
type Kind uint8

const (
	KindCall  Kind = 1 // host -> device request
	KindReply Kind = 2 // device -> host reply to a call
	KindPush  Kind = 3 // device -> host action request
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "CALL"
	case KindReply:
		return "REPLY"
	case KindPush:
		return "PUSH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Frame is one decoded unit of the stream. The concrete type is one of
// Call, Reply or Push.
type Frame interface {
	Kind() Kind
}

// Call asks the device to run Key with Args. ID correlates the reply.
type Call struct {
	ID   uint64
	Key  string
	Args []any
}

// Reply carries the result of the call identified by ID. A non-nil Fault
// means the device refused or failed the call and Value is meaningless.
type Reply struct {
	ID    uint64
	Value any
	Fault *Fault
}

// Push is an action the device asks the host to perform.
type Push struct {
	Key  string
	Args []any
}

// Fault is an error reported by the device.
type Fault struct {
	Code    int64
	Message string
}

func (Call) Kind() Kind  { return KindCall }
func (Reply) Kind() Kind { return KindReply }
func (Push) Kind() Kind  { return KindPush }

func (f *Fault) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("device fault %d", f.Code)
	}
	return fmt.Sprintf("device fault %d: %s", f.Code, f.Message)
}
