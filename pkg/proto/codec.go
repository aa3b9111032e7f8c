package proto

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed marks an inbound line that is not a JSON object. Such
	// lines are discarded by readers; the bridge may print diagnostics on
	// the same stream.
	ErrMalformed = errors.New("malformed line")
	// ErrEmpty marks a blank inbound line.
	ErrEmpty = errors.New("empty line")
)

// Frame is an inbound object whose shape has not been decided yet.
type Frame struct {
	// ID is the request identifier, normalized to a string.
	ID    string
	HasID bool
	// Tag is the value of the event member, if any.
	Tag      string
	HasEvent bool
	Raw      []byte
}

// Decode validates line and probes its id and event members.
func Decode(line []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Frame{}, ErrEmpty
	}
	if !gjson.ValidBytes(trimmed) {
		return Frame{}, ErrMalformed
	}
	parsed := gjson.ParseBytes(trimmed)
	if !parsed.IsObject() {
		return Frame{}, ErrMalformed
	}
	f := Frame{Raw: append([]byte(nil), trimmed...)}
	if id := parsed.Get("id"); id.Exists() && id.Type != gjson.Null {
		f.ID = id.String()
		f.HasID = true
	}
	if ev := parsed.Get("event"); ev.Exists() && ev.Type != gjson.Null {
		f.Tag = ev.String()
		f.HasEvent = true
	}
	return f, nil
}

// Response decodes the frame as a response.
func (f Frame) Response() (Response, error) {
	var body struct {
		OK    bool     `json:"ok"`
		Error any      `json:"error"`
		Peers []string `json:"peers"`
	}
	if err := json.Unmarshal(f.Raw, &body); err != nil {
		return Response{}, err
	}
	resp := Response{ID: f.ID, OK: body.OK, Peers: body.Peers, Raw: json.RawMessage(f.Raw)}
	switch v := body.Error.(type) {
	case nil:
	case string:
		resp.Error = v
	default:
		resp.Error = gjson.GetBytes(f.Raw, "error").Raw
	}
	return resp, nil
}

// Event decodes the frame as an event. Any object with an event tag
// decodes; a non-string peerId is rendered as its JSON text.
func (f Frame) Event() Event {
	parsed := gjson.ParseBytes(f.Raw)
	ev := Event{Kind: EventKind(f.Tag)}
	if peer := parsed.Get("peerId"); peer.Exists() && peer.Type != gjson.Null {
		ev.PeerID = peer.String()
	}
	if payload := parsed.Get("payload"); payload.Exists() && payload.Type != gjson.Null {
		ev.Payload = json.RawMessage(payload.Raw)
	}
	return ev
}
