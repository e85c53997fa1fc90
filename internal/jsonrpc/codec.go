package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse is returned by Decode when the payload is not valid JSON.
var ErrParse = errors.New("parse error")

// Entry is one decoded element of an inbound payload. Exactly one of Request,
// Response or Invalid is set.
type Entry struct {
	Request  *Request
	Response *Response
	Invalid  *InvalidMessage
}

// InvalidMessage marks an entry that was well-formed JSON but not a valid
// JSON-RPC message. ID is populated when it could be recovered.
type InvalidMessage struct {
	ID     *RequestID
	Reason string
}

// Decode parses a single message or a batch. Structural problems in an
// individual entry are reported as InvalidMessage markers so that the rest
// of a batch is still processed; only malformed JSON fails the whole call.
func Decode(data []byte) (entries []Entry, batch bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty payload", ErrParse)
	}
	if !json.Valid(data) {
		return nil, false, fmt.Errorf("%w: malformed JSON", ErrParse)
	}

	if data[0] != '[' {
		return []Entry{decodeEntry(data)}, false, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(raws) == 0 {
		return []Entry{{Invalid: &InvalidMessage{Reason: "empty batch"}}}, true, nil
	}

	entries = make([]Entry, 0, len(raws))
	for _, raw := range raws {
		entries = append(entries, decodeEntry(raw))
	}
	return entries, true, nil
}

func decodeEntry(raw json.RawMessage) Entry {
	var msg AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Entry{Invalid: &InvalidMessage{ID: msg.ID, Reason: err.Error()}}
	}
	if req := msg.AsRequest(); req != nil {
		return Entry{Request: req}
	}
	return Entry{Response: msg.AsResponse()}
}
