package chain

import (
	"bytes"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// EncodeCall SCALE-encodes a sails-style contract call: the service route
// string, the method string, then each argument in order. The resulting
// bytes are the Gear message payload.
func EncodeCall(service, method string, args ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := scale.NewEncoder(&buf)

	if err := enc.Encode(service); err != nil {
		return nil, fmt.Errorf("encode service route: %w", err)
	}
	if err := enc.Encode(method); err != nil {
		return nil, fmt.Errorf("encode method: %w", err)
	}
	for i, a := range args {
		if err := enc.Encode(a); err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeReply strips the echoed service route and method from a sails reply
// payload and returns the remaining result bytes
func DecodeReply(payload []byte) ([]byte, error) {
	reader := bytes.NewReader(payload)
	dec := scale.NewDecoder(reader)

	var service, method string
	if err := dec.Decode(&service); err != nil {
		return nil, fmt.Errorf("decode service route: %w", err)
	}
	if err := dec.Decode(&method); err != nil {
		return nil, fmt.Errorf("decode method: %w", err)
	}

	rest := make([]byte, reader.Len())
	if _, err := reader.Read(rest); err != nil {
		return nil, fmt.Errorf("read result bytes: %w", err)
	}

	return rest, nil
}

// ReplyOk checks the result variant of a sails reply payload. Sails encodes
// `result (T, Err)` with a leading variant byte: 0x00 means Ok.
func ReplyOk(payload []byte) error {
	result, err := DecodeReply(payload)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return fmt.Errorf("empty reply result")
	}
	if result[0] != 0x00 {
		return fmt.Errorf("contract returned error variant %d", result[0])
	}
	return nil
}
