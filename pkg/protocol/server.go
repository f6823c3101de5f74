package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/policy"
)

// DefaultConcurrency bounds the requests a server dispatches at once.
const DefaultConcurrency = 16

// Dispatcher runs interactive operations.
type Dispatcher interface {
	Dispatch(ctx context.Context, op model.Operation) controller.Outcome
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Dispatcher  Dispatcher
	Server      string
	Version     string
	Concurrency int
	Logger      zerolog.Logger
}

// Server answers protocol requests with a dispatcher.
type Server struct {
	opts   ServerOptions
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewServer creates a server.
func NewServer(opts ServerOptions) *Server {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "protocol").Logger(),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve writes the ready line, then answers requests from r on w until r is
// exhausted or ctx is done. Requests already dispatched are answered before
// Serve returns; cancelling ctx cancels them. A read still blocked on r when
// ctx is done is abandoned.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := NewEncoder(w)
	if err := enc.Encode(readyLine{Ready: &Ready{Server: s.opts.Server, Version: s.opts.Version, PID: os.Getpid()}}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		dec := NewDecoder(r)
		for {
			line, err := dec.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-gctx.Done():
				return
			}
		}
	}()

	err := s.loop(gctx, g, enc, lines)
	if err != nil {
		s.cancelAll()
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	s.cancelAll()
	if err != nil {
		return err
	}
	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

func (s *Server) loop(ctx context.Context, g *errgroup.Group, enc *Encoder, lines <-chan []byte) error {
	for {
		var line []byte
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		req, resp := s.parse(line)
		if resp != nil {
			if err := enc.Encode(resp); err != nil {
				return err
			}
			continue
		}
		if req.Cancel != "" {
			s.cancel(req.Cancel)
			continue
		}

		reqCtx, ok := s.track(ctx, req)
		if !ok {
			err := enc.Encode(&Response{
				ID:      req.ID,
				Outcome: controller.OutcomeFailed,
				Failure: controller.NewValidationError(fmt.Sprintf("request id %s is already in flight", req.ID), nil),
			})
			if err != nil {
				return err
			}
			continue
		}
		g.Go(func() error {
			defer s.untrack(req.ID)
			out := s.opts.Dispatcher.Dispatch(reqCtx, *req.Request)
			s.logger.Debug().
				Str("id", req.ID).
				Str("operation", req.Request.Name()).
				Str("outcome", out.Status()).
				Msg("Request answered")
			return enc.Encode(NewResponse(req.ID, out))
		})
	}
}

// parse decodes one line. It returns a response instead when the line is not a
// valid request.
func (s *Server) parse(line []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		// Salvage the id so the caller can correlate the failure
		var partial struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(line, &partial)
		return nil, &Response{
			ID:      partial.ID,
			Outcome: controller.OutcomeFailed,
			Failure: controller.NewValidationError(fmt.Sprintf("malformed request: %v", err), err),
		}
	}
	if err := req.Validate(); err != nil {
		return nil, &Response{
			ID:      req.ID,
			Outcome: controller.OutcomeFailed,
			Failure: controller.NewValidationError(err.Error(), err),
		}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	return &req, nil
}

func (s *Server) track(ctx context.Context, req *Request) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[req.ID]; busy {
		return nil, false
	}
	reqCtx, cancel := context.WithCancel(ctx)
	if req.Identity != nil {
		reqCtx = policy.WithIdentity(reqCtx, *req.Identity)
	}
	s.inflight[req.ID] = cancel
	return reqCtx, true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.inflight[id]; ok {
		cancel()
		delete(s.inflight, id)
	}
}

func (s *Server) cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.inflight[id]; ok {
		s.logger.Debug().Str("id", id).Msg("Cancelling request")
		cancel()
	}
}

func (s *Server) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cancel := range s.inflight {
		cancel()
	}
}
