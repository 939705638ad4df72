package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DecodePayload normalizes a file payload that round-tripped through the
// queue transport. The recognized shapes are closed: a base64 JSON string
// (the native encoding of Go byte slices), a JSON array of byte values, and
// the {"type":"Buffer","data":[...]} object some upstream serializers emit.
// Anything else fails fast rather than being guessed at.
func DecodePayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrPayloadDecode)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: not base64: %v", ErrPayloadDecode, err)
		}
		return data, nil
	case '[':
		var nums []int
		if err := json.Unmarshal(raw, &nums); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		return bytesFromInts(nums)
	case '{':
		var obj struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		if obj.Type != "Buffer" {
			return nil, fmt.Errorf("%w: unrecognized object shape %q", ErrPayloadDecode, obj.Type)
		}
		return bytesFromInts(obj.Data)
	default:
		return nil, fmt.Errorf("%w: unrecognized payload shape", ErrPayloadDecode)
	}
}

func bytesFromInts(nums []int) ([]byte, error) {
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: byte value %d out of range", ErrPayloadDecode, n)
		}
		out[i] = byte(n)
	}
	return out, nil
}
