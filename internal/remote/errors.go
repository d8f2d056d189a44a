package remote

import (
	"errors"

	"github.com/antonkrylov/xlink/internal/codec"
)

var (
	// ErrTransportClosed fails calls whose stream went away. Once the receive
	// loop observed the loss every later call fails the same way.
	ErrTransportClosed = errors.New("transport closed")
	// ErrShutdown fails calls still pending when Close ran.
	ErrShutdown = errors.New("client shutting down")
	// ErrClosed is returned by Start after Close began. Nothing is written.
	ErrClosed = errors.New("client closed")
	// ErrUnknownRemoteCall is reported when a push names no registered handler.
	ErrUnknownRemoteCall = errors.New("unknown remote call")
	// ErrProtocolAnomaly is reported for replies that match no pending call
	// and for frames the host never expects to receive.
	ErrProtocolAnomaly = errors.New("protocol anomaly")
)

// Fault is an error reply from the device. Test with errors.As.
type Fault = codec.Fault
