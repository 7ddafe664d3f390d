package clustercomm

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tesserdb/tesser/go/topology"
)

// storeBackend answers 202 to requests carrying the async-store
// header, capturing their correlation header, as a database server
// deferring its response does.
func storeBackend(t *testing.T, coordHeader *atomic.Pointer[string]) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "store", r.Header.Get(HeaderAsync))
			var value = r.Header.Get(HeaderCoordinator)
			require.NotEmpty(t, value)
			coordHeader.Store(&value)
			w.WriteHeader(202)
		}))
}

func TestAnswerCorrelation(t *testing.T) {
	var coordHeader atomic.Pointer[string]
	var server = storeBackend(t, &coordHeader)
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())

	var id = cc.AsyncRequest("ctx", 42, tcpEndpoint(server), "GET", "/x", nil, nil, nil,
		5*time.Second, false, -1)

	// The store leg completes and the operation awaits its answer.
	require.Eventually(t, func() bool {
		return cc.Enquire(id).Status == StatusSent
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, coordHeader.Load())

	// A waiter blocks until the answer arrives out of band.
	var waited = make(chan *Result, 1)
	go func() { waited <- cc.Wait("ctx", 42, 0, "", 10*time.Second) }()

	var errMsg = cc.ProcessAnswer(*coordHeader.Load(), &Answer{
		Method: "PUT",
		Path:   AnswerPath,
		Header: http.Header{HeaderResponseCode: {"200"}},
		Body:   []byte(`{"result":"done"}`),
	})
	require.Equal(t, "", errMsg)

	var res = <-waited
	require.Equal(t, StatusReceived, res.Status)
	require.Equal(t, id, res.OperationID)
	require.Equal(t, 200, res.AnswerCode)
	require.Equal(t, []byte(`{"result":"done"}`), res.Answer.Body)
}

func TestAnswerCallbackConsumesOperation(t *testing.T) {
	var coordHeader atomic.Pointer[string]
	var server = storeBackend(t, &coordHeader)
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())

	var got atomic.Pointer[Result]
	var id = cc.AsyncRequest("", 0, tcpEndpoint(server), "GET", "/x", nil, nil,
		func(r *Result) bool {
			got.Store(r)
			return true
		}, 5*time.Second, false, -1)

	require.Eventually(t, func() bool {
		return cc.Enquire(id).Status == StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, "", cc.ProcessAnswer(*coordHeader.Load(), &Answer{
		Method: "PUT",
		Header: http.Header{HeaderResponseCode: {"201"}},
	}))

	require.NotNil(t, got.Load())
	require.Equal(t, StatusReceived, got.Load().Status)
	require.Equal(t, 201, got.Load().AnswerCode)

	// The consuming callback ended tracking.
	require.Equal(t, StatusDropped, cc.Enquire(id).Status)
}

func TestProcessAnswerFailures(t *testing.T) {
	var cc = testComm(t, topology.NewStatic())

	// Malformed headers are rejected with a description.
	require.NotEmpty(t, cc.ProcessAnswer("nodelimiter", &Answer{Header: http.Header{}}))
	require.NotEmpty(t, cc.ProcessAnswer("me:notanumber", &Answer{Header: http.Header{}}))

	// An unknown ticket means the sender already gave up.
	require.Equal(t, "operation was already dropped by sender",
		cc.ProcessAnswer("me:123456789", &Answer{Header: http.Header{}}))
}

func TestAnswerHandler(t *testing.T) {
	var coordHeader atomic.Pointer[string]
	var server = storeBackend(t, &coordHeader)
	defer server.Close()

	var cc = testComm(t, topology.NewStatic())
	var handler = cc.AnswerHandler(nil)

	var id = cc.AsyncRequest("", 0, tcpEndpoint(server), "GET", "/x", nil, nil, nil,
		5*time.Second, false, -1)
	require.Eventually(t, func() bool {
		return cc.Enquire(id).Status == StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	// The answering server PUTs the stored response to the coordinator.
	var req = httptest.NewRequest("PUT", AnswerPath, bytes.NewReader([]byte(`{"ok":true}`)))
	req.Header.Set(HeaderCoordinator, *coordHeader.Load())
	req.Header.Set(HeaderResponseCode, "200")
	var rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["error"])

	var res = cc.Wait("", 0, id, "", 5*time.Second)
	require.Equal(t, StatusReceived, res.Status)
	require.Equal(t, []byte(`{"ok":true}`), res.Answer.Body)

	// A replay of the same answer is now unmatched.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("PUT", AnswerPath, nil))
	require.Equal(t, 400, rec.Code) // No correlation header at all.

	var replay = httptest.NewRequest("PUT", AnswerPath, nil)
	replay.Header.Set(HeaderCoordinator, *coordHeader.Load())
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, replay)
	require.Equal(t, 404, rec.Code)

	// Methods other than PUT and POST are refused.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", AnswerPath, nil))
	require.Equal(t, 405, rec.Code)
}

func TestAsyncAnswerDelivery(t *testing.T) {
	var received = make(chan *http.Request, 1)
	var coordinator = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var clone = r.Clone(r.Context())
			received <- clone
			w.WriteHeader(200)
		}))
	defer coordinator.Close()

	var topo = topology.NewStatic()
	topo.SetServer("CRDN-peer", tcpEndpoint(coordinator))

	var cc = testComm(t, topo)

	cc.AsyncAnswer("CRDN-peer:77:ctx:42", 200, http.Header{"Content-Type": {"application/json"}},
		[]byte(`{"result":[]}`))

	select {
	case r := <-received:
		require.Equal(t, "PUT", r.Method)
		require.Equal(t, AnswerPath, r.URL.Path)
		require.Equal(t, "CRDN-peer:77:ctx:42", r.Header.Get(HeaderCoordinator))
		require.Equal(t, "200", r.Header.Get(HeaderResponseCode))
		require.Equal(t, "bearer test-token", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get(HeaderHLC))
	case <-time.After(5 * time.Second):
		t.Fatal("answer was never delivered")
	}
}

func TestAsyncAnswerUnknownCoordinator(t *testing.T) {
	var cc = testComm(t, topology.NewStatic())

	// Logged, never propagated.
	cc.AsyncAnswer("CRDN-gone:77", 200, nil, nil)
	cc.AsyncAnswer("malformed", 200, nil, nil)
}
