package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ItemResponse is one entry of a batch response.
type ItemResponse struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// OK reports whether the entry carries a 2xx status.
func (r ItemResponse) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// ErrorMessage extracts the backing store's error message from the body,
// falling back to the status code.
func (r ItemResponse) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if len(r.Body) > 0 && json.Unmarshal(r.Body, &body) == nil && body.Message != "" {
		return body.Message
	}
	// Bodies sometimes arrive as a JSON string holding the JSON document.
	var s string
	if json.Unmarshal(r.Body, &s) == nil && json.Unmarshal([]byte(s), &body) == nil && body.Message != "" {
		return body.Message
	}
	return fmt.Sprintf("status %d", r.Code)
}

// DecodeBody unmarshals the entry body into v, accepting either an object
// or a JSON string that contains one.
func (r ItemResponse) DecodeBody(v any) error {
	var s string
	if json.Unmarshal(r.Body, &s) == nil {
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal(r.Body, v)
}

// Response is the batch endpoint's reply.
type Response struct {
	Count int            `json:"count"`
	Value []ItemResponse `json:"value"`
}

// ValidateResponse reports whether raw is a well-formed batch response:
// a numeric count and a value array whose every element has a numeric code.
func ValidateResponse(raw []byte) bool {
	var top map[string]json.RawMessage
	if json.Unmarshal(raw, &top) != nil || top == nil {
		return false
	}
	if !isNumber(top["count"]) {
		return false
	}
	value := bytes.TrimSpace(top["value"])
	if len(value) == 0 || value[0] != '[' {
		return false
	}
	var items []json.RawMessage
	if json.Unmarshal(value, &items) != nil {
		return false
	}
	for _, item := range items {
		var fields map[string]json.RawMessage
		if json.Unmarshal(item, &fields) != nil || !isNumber(fields["code"]) {
			return false
		}
	}
	return true
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == 'n' {
		return false
	}
	var f float64
	return json.Unmarshal(raw, &f) == nil
}

// ParseResponse validates and decodes a batch response.
func ParseResponse(raw []byte) (*Response, error) {
	if !ValidateResponse(raw) {
		return nil, fmt.Errorf("malformed batch response")
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return &resp, nil
}

// SplitIntoBatches chunks items preserving order. All chunks but the last
// have exactly size elements. Empty input yields no chunks.
func SplitIntoBatches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultLimit
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
