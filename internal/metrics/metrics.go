package metrics

import "sync"

// Signaling event names.
const (
	SignalingConnectionsAccepted = "signaling_connections_accepted"
	SignalingConnectionsClosed   = "signaling_connections_closed"
	SignalingRejectedOrigin      = "signaling_rejected_origin"
	SignalingRejectedCapacity    = "signaling_rejected_capacity"
	SignalingRejectedConnectRate = "signaling_rejected_connect_rate"
	SignalingRoomJoins           = "signaling_room_joins"
	SignalingRoomLeaves          = "signaling_room_leaves"
	SignalingRoomFull            = "signaling_room_full"
	SignalingDuplicateUser       = "signaling_duplicate_user"
	SignalingMessagesRouted      = "signaling_messages_routed"
	SignalingRoutingMiss         = "signaling_routing_miss"
	SignalingInvalidMessage      = "signaling_invalid_message"
	SignalingMessageTooLarge     = "signaling_message_too_large"
	SignalingRateLimited         = "signaling_rate_limited"
	SignalingSlowConsumer        = "signaling_slow_consumer"

	ICECredentialsIssued = "ice_turn_rest_credentials_issued"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so optional metrics can be left unset.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
