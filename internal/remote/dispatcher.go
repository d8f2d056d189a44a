package remote

import (
	"context"
	"fmt"
	"sort"
)

// Handler runs an action the device pushed to the host.
type Handler interface {
	Handle(ctx context.Context, args []any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args []any) error

func (f HandlerFunc) Handle(ctx context.Context, args []any) error { return f(ctx, args) }

// inlineHandler runs on the receive loop instead of as its own unit of work,
// so it observes frames in arrival order. It must not block.
type inlineHandler struct{ Handler }

// Inline marks h to run on the receive loop.
func Inline(h Handler) Handler { return inlineHandler{h} }

func isInline(h Handler) bool {
	_, ok := h.(inlineHandler)
	return ok
}

// Dispatcher routes push frames by key. The table is fixed at construction.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher copies handlers into a new Dispatcher. Nil handlers are
// dropped so a lookup never returns one.
func NewDispatcher(handlers map[string]Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler, len(handlers))}
	for k, h := range handlers {
		if h != nil {
			d.handlers[k] = h
		}
	}
	return d
}

// Lookup returns the handler registered for key.
func (d *Dispatcher) Lookup(key string) (Handler, bool) {
	if d == nil {
		return nil, false
	}
	h, ok := d.handlers[key]
	return h, ok
}

// Dispatch runs the handler for key. Unknown keys fail with
// ErrUnknownRemoteCall.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, args []any) error {
	h, ok := d.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRemoteCall, key)
	}
	return h.Handle(ctx, args)
}

// Keys returns the registered keys in sorted order.
func (d *Dispatcher) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReplyHandler resolves pending calls from pushes on the device's reply key.
// Arguments are [id, value] for a result or [id, nil, code, message] for a
// fault.
func ReplyHandler(c *Client) Handler {
	return Inline(HandlerFunc(func(ctx context.Context, args []any) error {
		if len(args) != 2 && len(args) != 4 {
			return fmt.Errorf("%w: reply push with %d arguments", ErrProtocolAnomaly, len(args))
		}
		id, ok := AsUint(args[0])
		if !ok {
			return fmt.Errorf("%w: reply push id %v", ErrProtocolAnomaly, args[0])
		}
		if len(args) == 4 {
			code, _ := AsInt(args[2])
			msg, _ := args[3].(string)
			return c.Resolve(id, nil, &Fault{Code: code, Message: msg})
		}
		return c.Resolve(id, args[1], nil)
	}))
}

// AsUint converts the integer types CBOR decoding produces to uint64.
func AsUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}

// AsInt converts the integer types CBOR decoding produces to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), n <= 1<<63-1
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint:
		return int64(n), uint64(n) <= 1<<63-1
	default:
		return 0, false
	}
}

// AsFloat converts numeric values to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := AsInt(v); ok {
		return float64(i), true
	}
	if u, ok := AsUint(v); ok {
		return float64(u), true
	}
	return 0, false
}
