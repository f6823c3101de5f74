package protocol

import (
	"fmt"
	"time"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/policy"
)

// Ready is the first line a server writes.
type Ready struct {
	Server  string `json:"server"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

type readyLine struct {
	Ready *Ready `json:"ready"`
}

// Request asks the server to dispatch one operation.
type Request struct {
	// ID correlates the response. The server assigns one when it is empty.
	ID string `json:"id"`

	// Request is the operation envelope.
	Request *model.Operation `json:"request,omitempty"`

	// Identity is the caller the operation runs for.
	Identity *policy.Identity `json:"identity,omitempty"`

	// Cancel names an in-flight request to cancel. Request is ignored.
	Cancel string `json:"cancel,omitempty"`
}

// Validate checks that r is either a dispatch or a cancel.
func (r *Request) Validate() error {
	switch {
	case r.Cancel != "" && r.Request != nil:
		return fmt.Errorf("request %s has both cancel and request", r.ID)
	case r.Cancel == "" && r.Request == nil:
		return fmt.Errorf("request %s has neither cancel nor request", r.ID)
	}
	return nil
}

// Response reports the outcome of one request.
type Response struct {
	ID           string                     `json:"id"`
	Outcome      string                     `json:"outcome"`
	Result       model.Value                `json:"result"`
	Compensating *model.Operation           `json:"compensating,omitempty"`
	Failure      *controller.OperationError `json:"failure,omitempty"`
	Duration     time.Duration              `json:"duration_ns"`
}

// Success reports whether the operation applied.
func (r *Response) Success() bool { return r.Outcome == controller.OutcomeSuccess }

// Err returns the failure, or nil on success.
func (r *Response) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// NewResponse builds the response for a dispatch outcome.
func NewResponse(id string, out controller.Outcome) *Response {
	return &Response{
		ID:           id,
		Outcome:      out.Status(),
		Result:       out.Result,
		Compensating: out.Compensating,
		Failure:      out.Failure,
		Duration:     out.Duration,
	}
}
