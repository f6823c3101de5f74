package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/policy"
)

// ErrClientClosed is returned for requests on a closed client or a finished stream.
var ErrClientClosed = errors.New("protocol client is closed")

// Client sends requests to a Server and routes the responses back.
type Client struct {
	enc    *Encoder
	dec    *Decoder
	closer io.Closer

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
	err     error
	done    chan struct{}
	ready   *Ready
}

// NewClient creates a client reading responses from r and writing requests to w.
// Close closes w.
func NewClient(r io.Reader, w io.WriteCloser) *Client {
	return &Client{
		enc:     NewEncoder(w),
		dec:     NewDecoder(r),
		closer:  w,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
}

// Start waits for the server's ready line, then starts routing responses.
func (c *Client) Start(ctx context.Context, timeout time.Duration) (*Ready, error) {
	readyCh := make(chan *Ready, 1)
	errCh := make(chan error, 1)
	go func() {
		var line readyLine
		if err := c.dec.Decode(&line); err != nil {
			errCh <- err
			return
		}
		if line.Ready == nil {
			errCh <- fmt.Errorf("expected a ready line")
			return
		}
		readyCh <- line.Ready
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for the server to be ready")
	case err := <-errCh:
		return nil, fmt.Errorf("failed to receive ready line: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		go c.readLoop()
		return ready, nil
	}
}

// Ready returns the server's ready line, once Start succeeded.
func (c *Client) Ready() *Ready { return c.ready }

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var resp Response
		if err = c.dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Do dispatches op on the server and waits for its response. When ctx is done
// first, the server is asked to cancel the request and Do still waits for the
// response, whose outcome tells whether the operation applied.
func (c *Client) Do(ctx context.Context, op model.Operation, identity *policy.Identity) (*Response, error) {
	id := uuid.New().String()
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientClosed, err)
		}
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.enc.Encode(&Request{ID: id, Request: &op, Identity: identity}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		return resp, nil
	case <-ctx.Done():
	}

	if err := c.enc.Encode(&Request{ID: uuid.New().String(), Cancel: id}); err != nil {
		return nil, err
	}
	resp, ok := <-ch
	if !ok {
		return nil, ErrClientClosed
	}
	return resp, nil
}

// Close closes the request stream and waits for the server to finish answering.
func (c *Client) Close() error {
	err := c.closer.Close()
	if c.ready != nil {
		<-c.done
	}
	return err
}
