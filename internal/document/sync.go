package document

import (
	"encoding/json"
	"fmt"
)

// StateVector lists the hex hashes of the changes a replica's history ends
// at. A peer answers it with every change those heads do not reach.
type StateVector []string

// EncodeStateVector encodes a state vector for the wire.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return json.Marshal(sv)
}

// DecodeStateVector decodes a state vector produced by EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}
