package client

// ConnectionState tracks the hybrid connection's overall progress. It is
// monotonic except that any state may transition to StateFailed, or back to
// StateDisconnected via Disconnect.
type ConnectionState string

const (
	StateDisconnected       ConnectionState = "disconnected"
	StateConnecting         ConnectionState = "connecting"
	StateWebSocketConnected ConnectionState = "websocket_connected"
	StateWebRTCConnecting   ConnectionState = "webrtc_connecting"
	StateWebRTCConnected    ConnectionState = "webrtc_connected"
	StateFailed             ConnectionState = "failed"
)

// DataChannelState tracks the direct peer data channel independently of
// ConnectionState.
type DataChannelState int32

const (
	DataChannelClosed DataChannelState = iota
	DataChannelOpening
	DataChannelOpen
	DataChannelFailed
)

func (s DataChannelState) String() string {
	switch s {
	case DataChannelClosed:
		return "closed"
	case DataChannelOpening:
		return "opening"
	case DataChannelOpen:
		return "open"
	case DataChannelFailed:
		return "failed"
	default:
		return "unknown"
	}
}
