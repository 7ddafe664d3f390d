package clustercomm

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/tesserdb/tesser/go/hlc"
)

// ProcessAnswer correlates an inbound answer with its operation.
// |coordHeader| is the request's HeaderCoordinator value. It returns
// "" on success, or a description of why the answer could not be
// matched; the answering server treats a non-empty return as 404.
func (cc *ClusterComm) ProcessAnswer(coordHeader string, answer *Answer) string {
	var _, ticket, err = parseCoordinatorHeader(coordHeader)
	if err != nil {
		answersCounter.WithLabelValues("malformed").Inc()
		log.WithFields(log.Fields{"header": coordHeader, "err": err}).
			Warn("rejecting malformed answer")
		return err.Error()
	}

	// Fold the peer's clock into ours before matching, so local ticks
	// order after everything the answer has seen.
	if v := answer.Header.Get(HeaderHLC); v != "" {
		if tick, err := hlc.DecodeTimeStamp(v); err == nil {
			cc.clock.Observe(tick)
		}
	}

	var code = http.StatusOK
	if v := answer.Header.Get(HeaderResponseCode); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			code = parsed
		}
	}

	cc.mu.Lock()
	var op, ok = cc.responses[ticket]
	if !ok || op.Dropped || op.Status.Terminal() {
		cc.mu.Unlock()
		answersCounter.WithLabelValues("dropped").Inc()
		log.WithField("operation", ticket).Debug("answer arrived for a forgotten operation")
		return "operation was already dropped by sender"
	}

	op.Answer = answer
	op.AnswerCode = code
	op.Status = StatusReceived
	cc.mu.Unlock()

	answersCounter.WithLabelValues("matched").Inc()
	requestsFinishedCounter.WithLabelValues(StatusReceived.String()).Inc()

	// A callback which consumes the result ends tracking here, before
	// waiters wake; a waiter otherwise collects and removes the
	// operation.
	if op.callback != nil && op.callback(op) {
		cc.mu.Lock()
		cc.forgetLocked(op)
		cc.mu.Unlock()
	}
	cc.broadcast()
	return ""
}

// AsyncAnswer delivers this server's stored response of an operation
// back to the coordinator named by |coordHeader|. It is used on the
// database-server side of the out-of-band pattern. Failures are
// logged and never propagated; the operation's sender will time out
// and retry as its own policy dictates.
func (cc *ClusterComm) AsyncAnswer(coordHeader string, responseCode int, header http.Header, body []byte) {
	var serverID, _, err = parseCoordinatorHeader(coordHeader)
	if err != nil {
		log.WithFields(log.Fields{"header": coordHeader, "err": err}).
			Error("cannot answer: malformed coordinator header")
		return
	}

	var endpoint = cc.coordinatorEndpoint(serverID)
	if endpoint == "" {
		log.WithField("server", serverID).Error("cannot answer: unknown coordinator endpoint")
		return
	}

	req, err := http.NewRequest("PUT", endpointToURL(endpoint)+AnswerPath, bytes.NewReader(body))
	if err != nil {
		log.WithFields(log.Fields{"endpoint": endpoint, "err": err}).
			Error("cannot answer: building request")
		return
	}
	for name, values := range header {
		req.Header[name] = append([]string(nil), values...)
	}
	req.Header.Set(HeaderCoordinator, coordHeader)
	req.Header.Set(HeaderResponseCode, strconv.Itoa(responseCode))
	req.Header.Set("Authorization", cc.ident.Authorization())
	req.Header.Set(HeaderHLC, hlc.EncodeTimeStamp(cc.clock.Now()))

	resp, err := cc.answerClient.Do(req)
	if err != nil {
		// The cached endpoint may be stale; resolve afresh next time.
		cc.answerEndpoints.Remove(serverID)
		log.WithFields(log.Fields{"server": serverID, "endpoint": endpoint, "err": err}).
			Error("delivering answer failed")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{
			"server": serverID,
			"status": resp.StatusCode,
		}).Warn(fmt.Sprintf("coordinator rejected answer with HTTP %d", resp.StatusCode))
	}
}

// coordinatorEndpoint resolves |serverID| through a small cache in
// front of the topology, as answers to the same coordinator arrive in
// bursts.
func (cc *ClusterComm) coordinatorEndpoint(serverID string) string {
	if endpoint, ok := cc.answerEndpoints.Get(serverID); ok {
		return endpoint
	}
	var endpoint = cc.topo.ServerEndpoint(serverID)
	if endpoint != "" {
		cc.answerEndpoints.Add(serverID, endpoint)
	}
	return endpoint
}
