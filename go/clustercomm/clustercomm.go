// Package clustercomm is the coordinator's inter-node RPC dispatcher.
// It issues HTTP requests to database servers addressed by shard,
// server, or endpoint, correlates out-of-band answers delivered as
// separate inbound requests, and offers both one-shot synchronous and
// fan-out batched calls over one shared transport engine.
package clustercomm

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/tesserdb/tesser/go/hlc"
	"github.com/tesserdb/tesser/go/identity"
	"github.com/tesserdb/tesser/go/topology"
	"github.com/tesserdb/tesser/go/transport"
)

// defaultRequestTimeout applies when a caller passes no timeout.
const defaultRequestTimeout = 24 * time.Hour

// waitSlice bounds one blocking interval of Wait between re-checks.
const waitSlice = 60 * time.Second

// Config tunes a ClusterComm.
type Config struct {
	// MaxInFlight bounds concurrent transport exchanges.
	MaxInFlight int
	// AnswerTimeout bounds delivery of one outgoing answer.
	AnswerTimeout time.Duration
}

// ClusterComm is the dispatcher. Construct it with New and release it
// with Stop. Methods may be called from any goroutine.
type ClusterComm struct {
	topo   topology.Topology
	ident  identity.Provider
	clock  *hlc.Clock
	driver *transport.Driver

	answerClient    *http.Client
	answerEndpoints *lru.Cache[string, string]

	coordTransactionID atomic.Uint64

	mu        sync.Mutex
	received  chan struct{}
	responses map[OperationID]*Result
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a running ClusterComm. Its background worker drives the
// transport until Stop is called.
func New(topo topology.Topology, ident identity.Provider, clock *hlc.Clock, cfg Config) *ClusterComm {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 32
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 90 * time.Second
	}

	var endpoints, err = lru.New[string, string](128)
	if err != nil {
		panic(err)
	}

	var cc = &ClusterComm{
		topo:            topo,
		ident:           ident,
		clock:           clock,
		driver:          transport.NewDriver(cfg.MaxInFlight),
		answerClient:    &http.Client{Timeout: cfg.AnswerTimeout},
		answerEndpoints: endpoints,
		received:        make(chan struct{}),
		responses:       make(map[OperationID]*Result),
		stopCh:          make(chan struct{}),
	}

	cc.wg.Add(1)
	go cc.run()
	return cc
}

// NextCoordTransactionID returns a fresh coordinator transaction ID,
// used to tag and later bulk-drop groups of operations.
func (cc *ClusterComm) NextCoordTransactionID() uint64 {
	return cc.coordTransactionID.Add(1)
}

// AsyncRequest submits one operation to |destination| and returns its
// operation ID without blocking.
//
// With |singleRequest|, the HTTP response is the answer. Otherwise
// the peer stores its response and delivers it later as an inbound
// request which ProcessAnswer correlates by the returned ID.
//
// If |callback| is given it fires exactly once with the final result:
// from the driver goroutine for transport outcomes and answer
// timeouts, synchronously before AsyncRequest returns when the
// destination does not resolve, and from ProcessAnswer's goroutine for
// out-of-band answers. With or without a callback, callers may collect
// the result with Wait. |initTimeout| bounds connection establishment;
// when non-positive, |timeout| applies.
func (cc *ClusterComm) AsyncRequest(
	clientTransactionID string,
	coordTransactionID uint64,
	destination string,
	method string,
	path string,
	body []byte,
	header http.Header,
	callback Callback,
	timeout time.Duration,
	singleRequest bool,
	initTimeout time.Duration,
) OperationID {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	var now = time.Now()
	var op = &Result{
		ClientTransactionID: clientTransactionID,
		CoordTransactionID:  coordTransactionID,
		OperationID:         OperationID(transport.NextTicket()),
		Single:              singleRequest,
		Status:              StatusSubmitted,
		callback:            callback,
		submitTime:          now,
		deadline:            now.Add(timeout),
	}
	requestsStartedCounter.Inc()

	var dest = resolveDestination(cc.topo, destination, false)
	op.ShardID, op.ServerID = dest.ShardID, dest.ServerID
	op.Endpoint = endpointToURL(dest.Endpoint)

	cc.mu.Lock()
	if cc.stopped {
		dest.ErrorMessage = "cluster dispatcher is shutting down"
	}
	if !dest.OK() {
		op.Status = StatusBackendUnavailable
		op.ErrorMessage = dest.ErrorMessage
		cc.insertLocked(op)
		cc.broadcastLocked()
		cc.mu.Unlock()

		requestsFinishedCounter.WithLabelValues(op.Status.String()).Inc()
		cc.assertCallback(op)
		return op.OperationID
	}

	var req = cc.prepareRequest(&dest, method, path, body, header, op)
	cc.insertLocked(op)
	cc.mu.Unlock()

	var connectTimeout = initTimeout
	if connectTimeout <= 0 {
		connectTimeout = timeout
	}
	cc.driver.Submit(uint64(op.OperationID), req, transport.Callbacks{
		OnStart:   func() { cc.onStart(op) },
		OnSuccess: func(resp *transport.Response) { cc.onResponse(op, resp) },
		OnError:   func(err *transport.Error) { cc.onError(op, err) },
	}, transport.Options{
		ConnectTimeout: connectTimeout,
		RequestTimeout: timeout,
	})
	return op.OperationID
}

// SyncRequest performs one single operation and blocks for its
// result. It never retries.
func (cc *ClusterComm) SyncRequest(
	clientTransactionID string,
	coordTransactionID uint64,
	destination string,
	method string,
	path string,
	body []byte,
	header http.Header,
	timeout time.Duration,
) *Result {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var done = make(chan *Result, 1)
	var id = cc.AsyncRequest(clientTransactionID, coordTransactionID, destination,
		method, path, body, header,
		func(r *Result) bool {
			done <- r
			return true
		}, timeout, true, 0)

	// The callback always fires: the transport resolves every
	// submitted exchange and submission failures invoke it directly.
	// The hard deadline below is a failsafe only.
	var hardDeadline = time.Now().Add(timeout + 10*time.Second)
	for {
		var timer = time.NewTimer(time.Second)
		select {
		case r := <-done:
			timer.Stop()
			cc.Drop("", 0, id, "")
			return r
		case <-timer.C:
			if time.Now().After(hardDeadline) {
				log.WithField("operation", id).Error("synchronous operation never resolved")
				return &Result{OperationID: id, Status: StatusTimeout, Single: true}
			}
		}
	}
}

// Enquire peeks at an operation's current state without consuming it.
// Unknown operations report StatusDropped.
func (cc *ClusterComm) Enquire(id OperationID) Result {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if r, ok := cc.responses[id]; ok {
		return *r
	}
	return Result{OperationID: id, Status: StatusDropped}
}

// Wait blocks for a matching operation to finish, removes it from
// tracking, and returns it. A non-zero |ticket| selects that one
// operation; otherwise the empty-matches-any wildcard rule applies to
// the transaction IDs and |shardID|, and the lowest-numbered match is
// taken.
//
// With no matching operation, a synthesized StatusDropped result is
// returned. If |timeout| elapses first, a synthesized StatusTimeout
// result carrying |ticket| is returned and the operation stays
// tracked.
func (cc *ClusterComm) Wait(
	clientTransactionID string,
	coordTransactionID uint64,
	ticket OperationID,
	shardID string,
	timeout time.Duration,
) *Result {
	var endTime time.Time
	if timeout > 0 {
		endTime = time.Now().Add(timeout)
	}

	for {
		cc.mu.Lock()
		var match *Result
		if ticket != 0 {
			match = cc.responses[ticket]
		} else {
			for _, r := range cc.responses {
				if !r.matches(clientTransactionID, coordTransactionID, shardID) {
					continue
				}
				if match == nil || r.OperationID < match.OperationID {
					match = r
				}
			}
		}

		if match == nil {
			cc.mu.Unlock()
			return &Result{OperationID: ticket, Status: StatusDropped}
		}
		if match.Status.Terminal() {
			cc.removeLocked(match.OperationID)
			cc.mu.Unlock()
			return match
		}
		if cc.stopped {
			cc.removeLocked(match.OperationID)
			match.Status, match.Dropped = StatusDropped, true
			cc.mu.Unlock()
			return match
		}
		var ch = cc.received
		cc.mu.Unlock()

		var slice = waitSlice
		if !endTime.IsZero() {
			var remaining = time.Until(endTime)
			if remaining <= 0 {
				return &Result{OperationID: ticket, Status: StatusTimeout}
			}
			if remaining < slice {
				slice = remaining
			}
		}

		var timer = time.NewTimer(slice)
		select {
		case <-ch:
		case <-timer.C:
		case <-cc.stopCh:
		}
		timer.Stop()
	}
}

// Drop removes every matching operation. One currently in
// StatusSending is flagged instead, and is collected when its
// transport callback fires. Dropping an already-forgotten operation
// is a no-op.
func (cc *ClusterComm) Drop(
	clientTransactionID string,
	coordTransactionID uint64,
	ticket OperationID,
	shardID string,
) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	for id, r := range cc.responses {
		if ticket != 0 {
			if id != ticket {
				continue
			}
		} else if !r.matches(clientTransactionID, coordTransactionID, shardID) {
			continue
		}

		if r.Status == StatusSending {
			r.Dropped = true
		} else {
			cc.removeLocked(id)
		}
	}
}

// Stop rejects new submissions, drains the transport, wakes all
// waiters, and joins the background worker. Remaining tracked
// operations are discarded.
func (cc *ClusterComm) Stop() {
	cc.mu.Lock()
	if cc.stopped {
		cc.mu.Unlock()
		return
	}
	cc.stopped = true
	cc.mu.Unlock()

	cc.driver.Stop()
	close(cc.stopCh)
	cc.wg.Wait()

	cc.mu.Lock()
	for id := range cc.responses {
		cc.removeLocked(id)
	}
	cc.broadcastLocked()
	cc.mu.Unlock()
}

// run is the background worker: it drives transport I/O and sweeps
// tracked operations whose answer deadline has elapsed.
func (cc *ClusterComm) run() {
	defer cc.wg.Done()

	for {
		select {
		case <-cc.stopCh:
			// Drain exchanges still in flight so every callback fires.
			for !cc.driver.Idle() {
				if !cc.driver.WorkOnce() {
					time.Sleep(10 * time.Millisecond)
				}
			}
			cc.broadcast()
			return
		default:
		}

		cc.driver.WorkOnce()
		cc.driver.Wait()
		cc.sweepTimeouts()
	}
}

// sweepTimeouts expires operations which were sent but whose
// out-of-band answer did not arrive in time.
func (cc *ClusterComm) sweepTimeouts() {
	var now = time.Now()
	var expired []*Result

	cc.mu.Lock()
	for _, r := range cc.responses {
		if r.Status == StatusSent && now.After(r.deadline) {
			r.Status = StatusTimeout
			r.ErrorMessage = "timeout waiting for answer"
			expired = append(expired, r)
		}
	}
	cc.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, r := range expired {
		requestsFinishedCounter.WithLabelValues(r.Status.String()).Inc()
		log.WithFields(log.Fields{
			"operation": r.OperationID,
			"endpoint":  r.Endpoint,
		}).Debug("operation timed out awaiting answer")
		cc.assertCallback(r)
	}
	cc.broadcast()
}

// onStart runs when the transport begins I/O for |op|.
func (cc *ClusterComm) onStart(op *Result) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.currentLocked(op) && op.Status == StatusSubmitted {
		op.Status = StatusSending
	}
}

// onResponse runs on the driver goroutine with a completed exchange.
func (cc *ClusterComm) onResponse(op *Result, resp *transport.Response) {
	cc.mu.Lock()
	if !cc.currentLocked(op) || op.Dropped {
		// Dropped while in flight: finalize and forget.
		cc.forgetLocked(op)
		cc.mu.Unlock()
		return
	}
	op.fromResponse(resp)

	if !op.Status.Terminal() {
		// Sent; the answer arrives later through ProcessAnswer.
		cc.broadcastLocked()
		cc.mu.Unlock()
		return
	}
	cc.finishAndUnlock(op)
}

// onError runs on the driver goroutine with a failed exchange.
func (cc *ClusterComm) onError(op *Result, err *transport.Error) {
	cc.mu.Lock()
	if !cc.currentLocked(op) || op.Dropped {
		cc.forgetLocked(op)
		cc.mu.Unlock()
		return
	}
	op.fromError(err)
	cc.finishAndUnlock(op)
}

// finishAndUnlock completes a terminal |op|: it notifies the caller
// through their callback, if any, and then wakes waiters. Called
// with cc.mu held; releases it.
func (cc *ClusterComm) finishAndUnlock(op *Result) {
	requestsFinishedCounter.WithLabelValues(op.Status.String()).Inc()
	cc.mu.Unlock()
	cc.assertCallback(op)
	cc.broadcast()
}

// assertCallback fires |op|'s callback, if any. The operation stays
// tracked; a waiter or drop collects it.
func (cc *ClusterComm) assertCallback(op *Result) {
	if op.callback == nil {
		return
	}
	if !op.callback(op) {
		log.WithField("operation", op.OperationID).
			Error("operation callback refused a terminal result")
	}
}

// currentLocked reports whether |op| is still the tracked record of
// its operation ID.
func (cc *ClusterComm) currentLocked(op *Result) bool {
	return cc.responses[op.OperationID] == op
}

func (cc *ClusterComm) insertLocked(op *Result) {
	cc.responses[op.OperationID] = op
	trackedGauge.Inc()
}

func (cc *ClusterComm) removeLocked(id OperationID) {
	if _, ok := cc.responses[id]; ok {
		delete(cc.responses, id)
		trackedGauge.Dec()
	}
}

func (cc *ClusterComm) forgetLocked(op *Result) {
	if cc.currentLocked(op) {
		cc.removeLocked(op.OperationID)
	}
}

func (cc *ClusterComm) broadcastLocked() {
	close(cc.received)
	cc.received = make(chan struct{})
}

func (cc *ClusterComm) broadcast() {
	cc.mu.Lock()
	cc.broadcastLocked()
	cc.mu.Unlock()
}
