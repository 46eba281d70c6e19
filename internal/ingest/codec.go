package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds a single encoded session message.
const MaxMessageSize = 16 * 1024

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  4,
		MaxMapPairs:      64,
		IndefLength:      cbor.IndefLengthForbidden,
		MapKeyByteString: cbor.MapKeyByteStringForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ingest: invalid cbor options: %v", err))
	}
	return dm
}()

// DecodeJSON parses a JSON session message.
func DecodeJSON(data []byte) (*Message, error) {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d", ErrInvalidMessage, len(data))
	}
	var msg Message
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// DecodeCBOR parses a CBOR session message, as sent by constrained devices.
func DecodeCBOR(data []byte) (*Message, error) {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d", ErrInvalidMessage, len(data))
	}
	var msg Message
	if err := cborDecMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// EncodeCBOR encodes a message to CBOR.
func EncodeCBOR(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := cbor.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode CBOR: %w", err)
	}
	return buf.Bytes(), nil
}
