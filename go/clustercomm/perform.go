package clustercomm

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// FanOutRequest is one sub-request of PerformRequests. Result and
// Done are filled as sub-requests finish.
type FanOutRequest struct {
	Destination string
	Method      string
	Path        string
	Body        []byte
	Header      http.Header

	Result *Result
	Done   bool
}

// Bounds of the fan-out retry backoff.
const (
	retryDelayMin = 200 * time.Millisecond
	retryDelayMax = 10 * time.Second
)

// PerformRequests submits all of |reqs| concurrently and collects
// their results within |timeout|. Sub-requests which fail to connect,
// or whose send did not complete before their deadline, are retried
// with exponential backoff until the overall timeout; HTTP-level
// failures are not retried.
//
// It returns the number of sub-requests answered with HTTP 200, 201
// or 202, and the number which finished at all (successfully or
// permanently failed).
func (cc *ClusterComm) PerformRequests(reqs []*FanOutRequest, timeout time.Duration) (nrGood, nrDone int) {
	if len(reqs) == 0 || timeout <= 0 {
		return 0, 0
	}
	if len(reqs) == 1 {
		return cc.performSingleRequest(reqs[0], timeout)
	}

	var coordTransactionID = cc.NextCoordTransactionID()
	var startTime = time.Now()
	var endTime = startTime.Add(timeout)

	var dueTime = make([]time.Time, len(reqs))
	for i := range dueTime {
		dueTime[i] = startTime
	}
	var indexOf = make(map[OperationID]int)

	// Anything still in flight on exit is discarded in bulk.
	defer cc.Drop("", coordTransactionID, 0, "")

	for time.Now().Before(endTime) && nrDone < len(reqs) {
		var now = time.Now()
		for i, r := range reqs {
			if r.Done || now.Before(dueTime[i]) {
				continue
			}
			var localTimeout = endTime.Sub(now)
			var localInitTimeout = clampDuration(now.Sub(startTime), time.Second, retryDelayMax)
			if localInitTimeout > localTimeout {
				localInitTimeout = localTimeout
			}
			// Nothing re-submits unless a retry below reschedules it.
			dueTime[i] = endTime.Add(10 * time.Second)

			var id = cc.AsyncRequest("", coordTransactionID, r.Destination,
				r.Method, r.Path, r.Body, r.Header, nil, localTimeout, true, localInitTimeout)
			indexOf[id] = i
		}

		var actionNeeded = endTime
		for i, r := range reqs {
			if !r.Done && dueTime[i].Before(actionNeeded) {
				actionNeeded = dueTime[i]
			}
		}

	inner:
		for {
			var remaining = time.Until(actionNeeded)
			if remaining <= 0 {
				break inner
			}
			var res = cc.Wait("", coordTransactionID, 0, "", remaining)

			switch {
			case res.Status == StatusTimeout && res.OperationID == 0:
				// The wait slice elapsed with nothing arriving.
				break inner

			case res.Status == StatusDropped:
				// Nothing is in flight; nap briefly (at most 500ms).
				var nap = 500 * time.Millisecond
				if until := time.Until(endTime); until < nap {
					nap = until
				}
				if nap > 0 {
					time.Sleep(nap)
				}
				break inner

			case res.Status == StatusReceived:
				var i, ok = indexOf[res.OperationID]
				if !ok || reqs[i].Done {
					continue
				}
				reqs[i].Result, reqs[i].Done = res, true
				nrDone++
				if res.AnswerCode == 200 || res.AnswerCode == 201 || res.AnswerCode == 202 {
					nrGood++
				}

			case res.Status == StatusBackendUnavailable ||
				(res.Status == StatusTimeout && !res.SendWasComplete):
				var i, ok = indexOf[res.OperationID]
				if !ok || reqs[i].Done {
					continue
				}
				retriesCounter.Inc()
				var delay = clampDuration(2*time.Since(startTime), retryDelayMin, retryDelayMax)
				dueTime[i] = time.Now().Add(delay)

				if !dueTime[i].Before(endTime) {
					// The retry cannot fit; give up on this one.
					reqs[i].Result, reqs[i].Done = res, true
					nrDone++
				} else {
					retriesCounter.Inc()
					log.WithFields(log.Fields{
						"destination": reqs[i].Destination,
						"delay":       delay,
					}).Debug("rescheduling unreachable sub-request")
				}
				break inner // Recompute actionNeeded.

			default:
				// Any other terminal outcome is permanent.
				var i, ok = indexOf[res.OperationID]
				if !ok || reqs[i].Done {
					continue
				}
				reqs[i].Result, reqs[i].Done = res, true
				nrDone++
			}
		}
	}
	return nrGood, nrDone
}

// performSingleRequest is the size-one fast path: one synchronous
// exchange whose HTTP response is materialized as the answer.
func (cc *ClusterComm) performSingleRequest(r *FanOutRequest, timeout time.Duration) (nrGood, nrDone int) {
	var res = cc.SyncRequest("", cc.NextCoordTransactionID(), r.Destination,
		r.Method, r.Path, r.Body, r.Header, timeout)

	if res.Status == StatusReceived && res.Response != nil {
		res.Answer = &Answer{
			Method: "PUT",
			Path:   AnswerPath,
			Header: http.Header{"Content-Type": {"application/json; charset=utf-8"}},
			Body:   res.Response.Body,
		}
		res.AnswerCode = res.Response.StatusCode
	}
	if res.AnswerCode == http.StatusServiceUnavailable {
		res.Status = StatusBackendUnavailable
	}

	r.Result, r.Done = res, true
	nrDone = 1
	if res.Status == StatusReceived &&
		(res.AnswerCode == 200 || res.AnswerCode == 201 || res.AnswerCode == 202) {
		nrGood = 1
	}
	return nrGood, nrDone
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
