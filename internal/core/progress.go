package core

import (
	"context"
	"errors"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// Stream event names.
const (
	EventProgress = "progress"
	EventResult   = "result"
)

// EmitFunc delivers one event to the client. An error means the transport
// is gone.
type EmitFunc func(event string, payload any) error

// StreamResult is the payload of the terminal result event.
type StreamResult struct {
	OK         bool           `json:"ok"`
	Persisted  bool           `json:"persisted"`
	ImportID   string         `json:"import_id,omitempty"`
	Collection *models.Object `json:"collection,omitempty"`
	Error      *ErrorPayload  `json:"error,omitempty"`
}

// ErrorPayload describes a failed import in the shape HTTP clients receive.
type ErrorPayload struct {
	Error        string               `json:"error"`
	Message      string               `json:"message"`
	BundleErrors *models.BundleErrors `json:"bundleErrors,omitempty"`
	ObjectErrors *models.ObjectErrors `json:"objectErrors,omitempty"`
}

// NewErrorPayload maps an import error to its client representation.
func NewErrorPayload(err error) *ErrorPayload {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return &ErrorPayload{
			Error:        "bad_request",
			Message:      rej.Message,
			BundleErrors: &rej.Validation.BundleErrors,
			ObjectErrors: &rej.Validation.ObjectErrors,
		}
	}
	if errors.Is(err, ErrConcurrentImport) {
		return &ErrorPayload{Error: "conflict", Message: err.Error()}
	}
	return &ErrorPayload{Error: "internal", Message: err.Error()}
}

// Streamer runs imports that report progress per object.
type Streamer struct {
	importer *Importer
}

// NewStreamer wraps importer.
func NewStreamer(importer *Importer) *Streamer {
	return &Streamer{importer: importer}
}

// Stream imports b, emitting a progress event per classified object and a
// terminal result event. Import failures are reported inside the result
// event, never as the returned error, which only signals a broken transport.
func (s *Streamer) Stream(ctx context.Context, b *models.Bundle, opts ImportOptions, emit EmitFunc) (*StreamResult, error) {
	var emitErr error
	opts.Progress = func(ev ProgressEvent) {
		if emitErr != nil {
			return
		}
		emitErr = emit(EventProgress, ev)
	}

	final := &StreamResult{}
	res, err := s.importer.Import(ctx, b, opts)
	if err != nil {
		final.Error = NewErrorPayload(err)
	} else {
		final.OK = true
		final.Persisted = res.Persisted
		final.ImportID = res.ImportID
		final.Collection = res.Collection
	}

	if emitErr != nil {
		return final, emitErr
	}
	return final, emit(EventResult, final)
}
