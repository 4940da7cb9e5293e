// Package wire defines the frames exchanged over the sync transport.
// The transport moves frames without understanding their payloads:
// deltas and snapshots are opaque bytes produced by the replica codec,
// presence payloads are opaque to everything but the presence channel.
package wire

import "encoding/json"

const (
	// KindDelta carries one replica delta.
	KindDelta = "delta"
	// KindPresence carries one presence entry.
	KindPresence = "presence"
	// KindSyncRequest asks for a full-state snapshot. Sent on join and
	// after every reconnect, so a peer returning from a long outage
	// converges by merging state instead of replaying a delta backlog.
	KindSyncRequest = "sync-request"
	// KindSyncState answers a sync request with a structured snapshot.
	KindSyncState = "sync-state"
)

type Frame struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
