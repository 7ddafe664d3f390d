package clustercomm

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tesserdb/tesser/go/topology"
)

// tcpEndpoint rewrites an httptest server URL into the cluster's
// tcp:// endpoint form.
func tcpEndpoint(server *httptest.Server) string {
	return strings.Replace(server.URL, "http://", "tcp://", 1)
}

func TestShardRoutedRequest(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/x", r.URL.Path)
			require.NotEmpty(t, r.Header.Get("Authorization"))
			require.NotEmpty(t, r.Header.Get(HeaderHLC))
			_, _ = w.Write([]byte("ok"))
		}))
	defer server.Close()

	var topo = topology.NewStatic()
	topo.SetShard("s0001", "PRMR-a")
	topo.SetServer("PRMR-a", tcpEndpoint(server))

	var cc = testComm(t, topo)

	var callbackFired atomic.Bool
	var id = cc.AsyncRequest("", 0, "shard:s0001", "GET", "/x", nil, nil,
		func(r *Result) bool {
			callbackFired.Store(true)
			return true
		}, 5*time.Second, false, -1)
	require.NotZero(t, id)

	var res = cc.Wait("", 0, id, "", 5*time.Second)
	require.Equal(t, StatusReceived, res.Status)
	require.Equal(t, []byte("ok"), res.Response.Body)
	require.Equal(t, "s0001", res.ShardID)
	require.Equal(t, "PRMR-a", res.ServerID)
	require.Equal(t, server.URL, res.Endpoint)
	require.True(t, callbackFired.Load())

	// The operation was consumed; it is no longer tracked.
	require.Equal(t, StatusDropped, cc.Enquire(id).Status)
}

func TestUnknownShardFailsImmediately(t *testing.T) {
	var cc = testComm(t, topology.NewStatic())

	var callbackFired bool
	var id = cc.AsyncRequest("", 0, "shard:s0002", "GET", "/x", nil, nil,
		func(r *Result) bool {
			// Invoked synchronously, before AsyncRequest returns.
			callbackFired = true
			require.Equal(t, StatusBackendUnavailable, r.Status)
			return true
		}, 5*time.Second, false, -1)

	require.True(t, callbackFired)

	var res = cc.Wait("", 0, id, "", time.Second)
	require.Equal(t, StatusBackendUnavailable, res.Status)
	require.Contains(t, res.ErrorMessage, "cannot find responsible server for shard 's0002'")
}

func TestDirectEndpointSyncRequest(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "POST", r.Method)
			require.Empty(t, r.Header.Get(HeaderAsync))
			w.WriteHeader(201)
			_, _ = w.Write([]byte(`{"created":true}`))
		}))
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())

	var res = cc.SyncRequest("", 0, tcpEndpoint(server), "POST", "/doc", []byte(`{}`), nil, 5*time.Second)
	require.Equal(t, StatusReceived, res.Status)
	require.True(t, res.Single)
	require.Equal(t, 201, res.AnswerCode)
	require.Equal(t, server.URL, res.Endpoint)

	// SyncRequest consumes its own tracking entry.
	require.Equal(t, StatusDropped, cc.Enquire(res.OperationID).Status)
}

func TestSyncRequestConnectFailure(t *testing.T) {
	var server = httptest.NewServer(http.NotFoundHandler())
	var endpoint = tcpEndpoint(server)
	server.Close()

	var cc = testComm(t, topology.NewStatic())

	var res = cc.SyncRequest("", 0, endpoint, "GET", "/x", nil, nil, 3*time.Second)
	require.Equal(t, StatusBackendUnavailable, res.Status)
	require.NotEmpty(t, res.ErrorMessage)
}

func TestWaitWildcardMatching(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) }))
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())
	var coordTransactionID = cc.NextCoordTransactionID()

	var first = cc.AsyncRequest("ctx", coordTransactionID, tcpEndpoint(server),
		"GET", "/a", nil, nil, nil, 5*time.Second, true, -1)
	var second = cc.AsyncRequest("ctx", coordTransactionID, tcpEndpoint(server),
		"GET", "/b", nil, nil, nil, 5*time.Second, true, -1)

	var seen = map[OperationID]bool{}
	for i := 0; i != 2; i++ {
		var res = cc.Wait("ctx", coordTransactionID, 0, "", 5*time.Second)
		require.Equal(t, StatusReceived, res.Status)
		seen[res.OperationID] = true
	}
	require.True(t, seen[first])
	require.True(t, seen[second])

	// Nothing matches any more.
	var res = cc.Wait("ctx", coordTransactionID, 0, "", time.Second)
	require.Equal(t, StatusDropped, res.Status)

	// A filter matching nothing reports Dropped as well.
	res = cc.Wait("other", 0, 0, "", 100*time.Millisecond)
	require.Equal(t, StatusDropped, res.Status)
}

func TestTicketsAreUniqueAndIncreasing(t *testing.T) {
	var cc = testComm(t, topology.NewStatic())

	var mu sync.Mutex
	var all []OperationID

	var wg sync.WaitGroup
	for g := 0; g != 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []OperationID
			for i := 0; i != 50; i++ {
				// Unresolvable destinations never touch the network.
				local = append(local, cc.AsyncRequest("", 0, "bogus", "GET", "/", nil, nil, nil, time.Second, true, -1))
			}
			// Submissions of one goroutine observe increasing tickets.
			for i := 1; i < len(local); i++ {
				require.Greater(t, local[i], local[i-1])
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var seen = make(map[OperationID]struct{}, len(all))
	for _, id := range all {
		var _, dup = seen[id]
		require.False(t, dup, "duplicate ticket %d", id)
		seen[id] = struct{}{}
	}
}

func TestDropIsIdempotent(t *testing.T) {
	var cc = testComm(t, topology.NewStatic())

	var id = cc.AsyncRequest("", 0, "shard:gone", "GET", "/x", nil, nil, nil, time.Second, true, -1)
	require.Equal(t, StatusBackendUnavailable, cc.Enquire(id).Status)

	cc.Drop("", 0, id, "")
	require.Equal(t, StatusDropped, cc.Enquire(id).Status)

	// Dropping again, or waiting, is a clean no-op.
	cc.Drop("", 0, id, "")
	require.Equal(t, StatusDropped, cc.Enquire(id).Status)
	require.Equal(t, StatusDropped, cc.Wait("", 0, id, "", time.Second).Status)
}

func TestDropWhileInFlight(t *testing.T) {
	var release = make(chan struct{})
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			<-release
			_, _ = w.Write([]byte("late"))
		}))
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())

	var id = cc.AsyncRequest("", 0, tcpEndpoint(server), "GET", "/x", nil, nil, nil, 10*time.Second, true, -1)

	// Let the transport begin I/O, then drop.
	require.Eventually(t, func() bool {
		var status = cc.Enquire(id).Status
		return status == StatusSending || status == StatusSubmitted
	}, 5*time.Second, 10*time.Millisecond)
	cc.Drop("", 0, id, "")
	close(release)

	// Once the exchange resolves, the dropped operation is forgotten
	// rather than surfaced.
	require.Eventually(t, func() bool {
		return cc.Enquire(id).Status == StatusDropped
	}, 10*time.Second, 25*time.Millisecond)
}

func TestStatusIsMonotonicPerTicket(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) }))
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())

	var order = map[Status]int{
		StatusSubmitted: 0,
		StatusSending:   1,
		StatusSent:      2,
		StatusReceived:  3,
	}

	for i := 0; i != 20; i++ {
		var id = cc.AsyncRequest("", 0, tcpEndpoint(server), "GET", "/x", nil, nil, nil, 5*time.Second, true, -1)

		var last = -1
		for {
			var r = cc.Enquire(id)
			if r.Status == StatusDropped {
				break // Never tracked any more; nothing to observe.
			}
			var rank, ok = order[r.Status]
			require.True(t, ok, "unexpected status %v", r.Status)
			require.GreaterOrEqual(t, rank, last)
			last = rank
			if r.Status.Terminal() {
				break
			}
		}
		var res = cc.Wait("", 0, id, "", 5*time.Second)
		require.True(t, res.Status.Terminal())
	}
}

func TestStopRejectsNewSubmissions(t *testing.T) {
	var cc = testComm(t, topology.NewStatic())
	cc.Stop()

	var res *Result
	var id = cc.AsyncRequest("", 0, "tcp://h:1", "GET", "/x", nil, nil,
		func(r *Result) bool { res = r; return true }, time.Second, true, -1)
	require.NotZero(t, id)
	require.NotNil(t, res)
	require.Equal(t, StatusBackendUnavailable, res.Status)
	require.Contains(t, res.ErrorMessage, "shutting down")

	// Stop is idempotent; the test cleanup calls it again.
	cc.Stop()
}
