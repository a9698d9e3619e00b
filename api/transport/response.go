package transport

import "encoding/json"

// Envelope wraps every API response. RequestID echoes X-Request-ID so a
// failed call can be matched with server logs.
type Envelope struct {
	Status    string      `json:"status"`
	Code      string      `json:"code,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     interface{} `json:"error,omitempty"`
	Meta      interface{} `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// ListMeta accompanies collection responses.
type ListMeta struct {
	Count int `json:"count"`
}

func NewSuccess(data interface{}, meta interface{}) Envelope {
	return Envelope{Status: "success", Data: data, Meta: meta}
}

func NewError(code string, err interface{}, meta interface{}) Envelope {
	return Envelope{Status: "error", Code: code, Error: err, Meta: meta}
}

// WithRequestID returns a copy carrying id.
func (e Envelope) WithRequestID(id string) Envelope {
	e.RequestID = id
	return e
}

// String is for logging; it never fails.
func (e Envelope) String() string {
	out, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(out)
}
