package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jgarzik/brainpro/internal/infra"
)

// connWrapper tracks one NDJSON connection: its outbound write lock, its
// event subscriptions, and its bounded per-connection event channel.
type connWrapper struct {
	nc net.Conn

	writeMu sync.Mutex
	w       *bufio.Writer

	subsMu sync.Mutex
	subs   map[string]struct{}

	eventCh      chan Event
	droppedCount atomic.Uint64

	inFlight *infra.Semaphore

	closeOnce sync.Once
	done      chan struct{}
}

func newConnWrapper(nc net.Conn, eventBuffer, maxInFlight int) *connWrapper {
	return &connWrapper{
		nc:       nc,
		w:        bufio.NewWriter(nc),
		eventCh:  make(chan Event, eventBuffer),
		inFlight: infra.NewSemaphore(int64(maxInFlight)),
		done:     make(chan struct{}),
	}
}

func (c *connWrapper) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

// writeFrame marshals v as one NDJSON line, serialized against concurrent
// writers on this connection.
func (c *connWrapper) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// pushEvent enqueues evt for delivery without blocking the broadcaster. When
// the buffer is full, the oldest queued event is dropped and counted.
func (c *connWrapper) pushEvent(evt Event) {
	select {
	case c.eventCh <- evt:
		return
	default:
	}
	select {
	case <-c.eventCh:
		c.droppedCount.Add(1)
	default:
	}
	select {
	case c.eventCh <- evt:
	default:
	}
}

// eventLoop drains eventCh and writes each event frame to the connection
// until the connection closes.
func (c *connWrapper) eventLoop() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.eventCh:
			if err := c.writeFrame(evt); err != nil {
				return
			}
		}
	}
}

// serveConn runs the read loop for one connection: decode NDJSON requests,
// dispatch each within the in-flight budget, and write responses.
func (d *Daemon) serveConn(ctx context.Context, c *connWrapper) {
	defer func() {
		c.close()
		d.untrackConn(c)
	}()

	go c.eventLoop()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = c.writeFrame(Response{Type: FrameResponse, OK: false, Error: &ErrorPayload{Code: string(ErrInternal), Message: "malformed request: " + err.Error()}})
			continue
		}
		if req.Type == "" {
			req.Type = FrameRequest
		}
		if req.Type != FrameRequest {
			continue
		}

		if !c.inFlight.TryAcquire(1) {
			_ = c.writeFrame(Response{Type: FrameResponse, ID: req.ID, OK: false, Error: &ErrorPayload{Code: string(ErrSessionBusy), Message: "connection request queue full"}})
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer c.inFlight.Release(1)
			d.dispatch(ctx, c, req)
		}(req)
	}
}

// dispatch invokes the handler for req.Method and writes its response.
func (d *Daemon) dispatch(ctx context.Context, c *connWrapper, req Request) {
	handler, ok := methodTable[req.Method]
	if !ok {
		_ = c.writeFrame(Response{Type: FrameResponse, ID: req.ID, OK: false, Error: &ErrorPayload{Code: string(ErrInternal), Message: "unknown method: " + req.Method}})
		return
	}

	payload, err := handler(ctx, d, c, req.Params)
	if err != nil {
		var ce *codedError
		code := ErrInternal
		msg := err.Error()
		if e, ok := err.(*codedError); ok {
			ce = e
			code = ce.code
			msg = ce.message
		}
		_ = c.writeFrame(Response{Type: FrameResponse, ID: req.ID, OK: false, Error: &ErrorPayload{Code: string(code), Message: msg}})
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		_ = c.writeFrame(Response{Type: FrameResponse, ID: req.ID, OK: false, Error: &ErrorPayload{Code: string(ErrInternal), Message: err.Error()}})
		return
	}
	_ = c.writeFrame(Response{Type: FrameResponse, ID: req.ID, OK: true, Payload: raw})
}
