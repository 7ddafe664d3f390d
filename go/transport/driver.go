// Package transport implements the shared multi-connection HTTP
// engine which carries inter-node requests. Callers submit requests
// from any goroutine; a single owner goroutine drives I/O completion
// through WorkOnce and Wait, and completion callbacks fire exactly
// once from that owner goroutine.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// Request is an outbound HTTP request. URL carries scheme and
// authority; Path is appended to it.
type Request struct {
	Method string
	URL    string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is a completed HTTP exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrorCode classifies a failed exchange.
type ErrorCode int

const (
	// CodeConnectFailed: no connection to the peer could be established.
	CodeConnectFailed ErrorCode = iota + 1
	// CodeTimeout: the request deadline elapsed.
	CodeTimeout
	// CodeHTTPError: the exchange completed with an HTTP failure status.
	CodeHTTPError
	// CodeError: any other transport failure.
	CodeError
)

// Error describes a failed exchange.
type Error struct {
	Code ErrorCode
	// Response of the exchange, set only for CodeHTTPError.
	Response *Response
	// SendComplete is true if the request body was fully written
	// before the failure.
	SendComplete bool
	Message      string
}

func (e *Error) Error() string { return e.Message }

// Callbacks receive the outcome of a submitted request. Exactly one
// of OnSuccess or OnError fires, from the driver goroutine. OnStart,
// if set, fires from the driver goroutine when I/O begins.
type Callbacks struct {
	OnStart   func()
	OnSuccess func(*Response)
	OnError   func(*Error)
}

// Options bound a single exchange.
type Options struct {
	// ConnectTimeout bounds connection establishment. Zero applies
	// no bound beyond RequestTimeout.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the whole exchange. Zero means unbounded.
	RequestTimeout time.Duration
}

var ticketSource atomic.Uint64

// NextTicket returns the next process-unique ticket. Tickets are
// strictly increasing and never zero.
func NextTicket() uint64 {
	return ticketSource.Add(1)
}

type op struct {
	ticket uint64
	req    *Request
	cb     Callbacks
	opt    Options

	resp *Response
	err  *Error
}

// Driver is the shared HTTP engine. Submit may be called from any
// goroutine; WorkOnce and Wait belong to one owner goroutine.
type Driver struct {
	client      *http.Client
	maxInFlight int

	mu       sync.Mutex
	wake     chan struct{}
	pending  []*op
	ready    []*op
	inFlight int
	stopped  bool
}

type connectTimeoutKey struct{}

// NewDriver returns a Driver running at most |maxInFlight| concurrent
// exchanges.
func NewDriver(maxInFlight int) *Driver {
	var transport = http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxInFlight
	transport.DialContext = dialWithConnectTimeout

	if err := http2.ConfigureTransport(transport); err != nil {
		panic(fmt.Sprintf("configuring http2 transport: %v", err))
	}

	return &Driver{
		client:      &http.Client{Transport: transport},
		maxInFlight: maxInFlight,
		wake:        make(chan struct{}),
	}
}

// dialWithConnectTimeout applies the submission's connect timeout,
// carried through the request context.
func dialWithConnectTimeout(ctx context.Context, network, addr string) (net.Conn, error) {
	if d, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, addr)
}

// Submit enqueues an exchange under |ticket|, obtained from
// NextTicket. Its callbacks fire from the driver goroutine once the
// exchange resolves.
func (d *Driver) Submit(ticket uint64, req *Request, cb Callbacks, opt Options) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var o = &op{ticket: ticket, req: req, cb: cb, opt: opt}
	if d.stopped {
		o.err = &Error{Code: CodeConnectFailed, Message: "transport driver is stopped"}
		d.ready = append(d.ready, o)
	} else {
		d.pending = append(d.pending, o)
	}
	d.wakeLocked()
}

// WorkOnce starts pending exchanges up to the in-flight bound and
// fires callbacks of resolved ones. It never blocks, and returns
// true if it did anything.
func (d *Driver) WorkOnce() bool {
	d.mu.Lock()

	var started []*op
	for d.inFlight < d.maxInFlight && len(d.pending) != 0 {
		var o = d.pending[0]
		d.pending = d.pending[1:]
		d.inFlight++
		started = append(started, o)
	}
	var ready = d.ready
	d.ready = nil

	d.mu.Unlock()

	for _, o := range started {
		if o.cb.OnStart != nil {
			o.cb.OnStart()
		}
		go d.perform(o)
	}
	for _, o := range ready {
		if o.err != nil {
			o.cb.OnError(o.err)
		} else {
			o.cb.OnSuccess(o.resp)
		}
	}
	return len(started) != 0 || len(ready) != 0
}

// Wait blocks until there is work for WorkOnce, an explicit Wakeup,
// or a bounded interval elapses so the owner can run periodic sweeps.
func (d *Driver) Wait() {
	d.mu.Lock()
	if len(d.ready) != 0 || len(d.pending) != 0 || d.stopped {
		d.mu.Unlock()
		return
	}
	var ch = d.wake
	d.mu.Unlock()

	var timer = time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}

// Wakeup unblocks a concurrent Wait.
func (d *Driver) Wakeup() {
	d.mu.Lock()
	d.wakeLocked()
	d.mu.Unlock()
}

// Stop fails all pending exchanges and rejects new ones. In-flight
// exchanges run to completion; the owner must keep calling WorkOnce
// until they drain.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for _, o := range d.pending {
		o.err = &Error{Code: CodeConnectFailed, Message: "transport driver is stopped"}
		d.ready = append(d.ready, o)
	}
	d.pending = nil
	d.wakeLocked()
}

// Idle returns true when no exchange is pending, in flight, or
// awaiting callback dispatch.
func (d *Driver) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) == 0 && len(d.ready) == 0 && d.inFlight == 0
}

func (d *Driver) wakeLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func (d *Driver) perform(o *op) {
	var resp, err = d.exchange(o)

	d.mu.Lock()
	o.resp, o.err = resp, err
	d.inFlight--
	d.ready = append(d.ready, o)
	d.wakeLocked()
	d.mu.Unlock()
}

// exchange runs one HTTP round trip and classifies its outcome.
func (d *Driver) exchange(o *op) (*Response, *Error) {
	var ctx = context.Background()
	if o.opt.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opt.RequestTimeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, connectTimeoutKey{}, o.opt.ConnectTimeout)

	var connected, wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn:      func(httptrace.GotConnInfo) { connected.Store(true) },
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	})

	req, err := http.NewRequestWithContext(ctx, o.req.Method, o.req.URL+o.req.Path,
		bytes.NewReader(o.req.Body))
	if err != nil {
		return nil, &Error{Code: CodeError, Message: fmt.Sprintf("building request: %v", err)}
	}
	for name, values := range o.req.Header {
		req.Header[name] = values
	}

	httpResp, err := d.client.Do(req)
	if err != nil {
		return nil, classify(err, connected.Load(), wrote.Load())
	}

	body, err := io.ReadAll(httpResp.Body)
	_ = httpResp.Body.Close()
	if err != nil {
		return nil, &Error{
			Code:         CodeError,
			SendComplete: wrote.Load(),
			Message:      fmt.Sprintf("reading response body: %v", err),
		}
	}

	var resp = &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{
			Code:         CodeHTTPError,
			Response:     resp,
			SendComplete: true,
			Message:      fmt.Sprintf("HTTP %d from peer", resp.StatusCode),
		}
	}
	return resp, nil
}

func classify(err error, connected, wrote bool) *Error {
	if !connected {
		return &Error{Code: CodeConnectFailed, Message: fmt.Sprintf("connecting to peer: %v", err)}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{
			Code:         CodeTimeout,
			SendComplete: wrote,
			Message:      fmt.Sprintf("request deadline elapsed: %v", err),
		}
	}
	log.WithField("err", err).Debug("transport exchange failed")
	return &Error{Code: CodeError, SendComplete: wrote, Message: err.Error()}
}
