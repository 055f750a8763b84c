// Package command implements the statement parser and the action registry
// that every adapter (CLI, HTTP, scheduler) funnels through. A statement
// is parsed into an action plus parameters, dispatched to the registered
// handler, and the result is wrapped in one canonical response envelope.
package command

import (
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the canonical envelope returned by every command, regardless
// of adapter. Error responses carry the fault kind in meta.kind so the
// HTTP layer can map it to a status code.
type Response struct {
	Status  string         `json:"status"`
	Action  string         `json:"action"`
	Message string         `json:"message,omitempty"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OK builds a success envelope. The action is filled in by the registry.
func OK(message string, data any) *Response {
	return &Response{Status: StatusOK, Message: message, Data: data}
}

// Fail wraps an error into an error envelope, lifting the fault kind and
// its metadata into meta.
func Fail(action string, err error) *Response {
	fe := fault.As(err)
	meta := map[string]any{"kind": string(fe.Kind)}
	for k, v := range fe.Meta {
		meta[k] = v
	}
	return &Response{
		Status:  StatusError,
		Action:  action,
		Message: fe.Message,
		Meta:    meta,
	}
}

// WithMeta attaches one meta key, allocating the map on first use.
func (r *Response) WithMeta(key string, value any) *Response {
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[key] = value
	return r
}

// IsError reports whether the envelope carries a failure.
func (r *Response) IsError() bool { return r.Status == StatusError }

// Kind returns the fault kind recorded in meta, or internal when an error
// envelope carries none.
func (r *Response) Kind() fault.Kind {
	if !r.IsError() {
		return ""
	}
	if k, ok := r.Meta["kind"].(string); ok && k != "" {
		return fault.Kind(k)
	}
	return fault.KindInternal
}
