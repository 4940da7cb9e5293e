package replica

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same logical delta
// always produces identical bytes, regardless of which peer encoded it.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("replica: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replica: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeDelta serializes a delta for the wire.
func EncodeDelta(delta Delta) ([]byte, error) {
	return encMode.Marshal(delta)
}

// DecodeDelta parses a wire delta. Undecodable or structurally invalid
// payloads return ErrMalformedDelta so the caller can drop them without
// touching replica state.
func DecodeDelta(data []byte) (Delta, error) {
	var delta Delta
	if err := decMode.Unmarshal(data, &delta); err != nil {
		return Delta{}, ErrMalformedDelta
	}
	if err := validateDelta(delta); err != nil {
		return Delta{}, err
	}
	return delta, nil
}

// EncodeSnapshot serializes a structured snapshot for the durable cache
// and the resync handshake.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	return encMode.Marshal(snap)
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, ErrMalformedDelta
	}
	return snap, nil
}
