package clustercomm

import (
	"net/http"
	"time"

	"github.com/tesserdb/tesser/go/transport"
)

// OperationID names one tracked operation. IDs are process-unique,
// strictly increasing, and never zero. The ID doubles as the ticket
// which correlates out-of-band answers.
type OperationID uint64

// Callback is invoked with an operation's final Result. For an
// out-of-band answer handled by ProcessAnswer, a true return tells the
// dispatcher the caller has consumed the result and the operation is
// forgotten. On every other path the callback must return true (a
// false return is logged as an error) and the operation stays tracked
// until a Wait or Drop collects it.
type Callback func(*Result) bool

// Answer is an inbound HTTP request carrying the out-of-band answer
// of an earlier operation.
type Answer struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Result is the tracked state of one operation. The dispatcher
// mutates it as the operation progresses; callers receive it from
// Wait, SyncRequest, Enquire, or their Callback.
type Result struct {
	ClientTransactionID string
	CoordTransactionID  uint64
	OperationID         OperationID

	// Resolved destination.
	ShardID  string
	ServerID string
	Endpoint string

	// Single marks a request whose HTTP response is the answer, with
	// no out-of-band inbound leg.
	Single bool

	Status       Status
	Dropped      bool
	ErrorMessage string
	// SendWasComplete is true once the request was fully written to
	// the peer.
	SendWasComplete bool

	// Response of the completed HTTP exchange, if any.
	Response *transport.Response
	// Answer and its response code, for the out-of-band pattern.
	Answer     *Answer
	AnswerCode int

	callback   Callback
	submitTime time.Time
	deadline   time.Time
}

// fromResponse folds a completed exchange into the Result. A 202 of
// a non-single operation means the peer stored its response for
// later out-of-band delivery; anything else is the answer itself.
func (r *Result) fromResponse(resp *transport.Response) {
	r.Response = resp
	r.SendWasComplete = true
	if !r.Single && resp.StatusCode == 202 {
		r.Status = StatusSent
	} else {
		r.Status = StatusReceived
		r.AnswerCode = resp.StatusCode
	}
}

// fromError folds a failed exchange into the Result.
func (r *Result) fromError(err *transport.Error) {
	r.ErrorMessage = err.Message
	r.SendWasComplete = err.SendComplete

	switch err.Code {
	case transport.CodeConnectFailed:
		r.Status = StatusBackendUnavailable
	case transport.CodeTimeout:
		r.Status = StatusTimeout
	default:
		r.Status = StatusError
		if err.Response != nil {
			r.Response = err.Response
			r.AnswerCode = err.Response.StatusCode
		}
	}
}

// matches applies the wildcard rule: an empty client transaction ID,
// a zero coordinator transaction ID, and an empty shard ID each match
// anything; all supplied filters must match.
func (r *Result) matches(clientTransactionID string, coordTransactionID uint64, shardID string) bool {
	if clientTransactionID != "" && r.ClientTransactionID != clientTransactionID {
		return false
	}
	if coordTransactionID != 0 && r.CoordTransactionID != coordTransactionID {
		return false
	}
	if shardID != "" && r.ShardID != shardID {
		return false
	}
	return true
}
