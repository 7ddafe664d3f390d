package clustercomm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/tesserdb/tesser/go/hlc"
	"github.com/tesserdb/tesser/go/transport"
)

// Headers of the inter-node protocol.
const (
	// HeaderCoordinator correlates an out-of-band answer with its
	// operation: <serverID>:<ticket>:<clientTransactionID>:<coordTransactionID>.
	HeaderCoordinator = "X-Arango-Coordinator"
	// HeaderAsync asks the peer to store its response and deliver it
	// as an independent inbound request.
	HeaderAsync = "X-Arango-Async"
	// HeaderNolock names a shard the peer must not lock for this request.
	HeaderNolock = "X-Arango-Nolock"
	// HeaderHLC carries the sender's hybrid-logical-clock timestamp.
	HeaderHLC = "X-Arango-HLC"
	// HeaderResponseCode carries the HTTP status of an answered
	// operation on its inbound leg.
	HeaderResponseCode = "X-Arango-Response-Code"
)

// AnswerPath is the coordinator endpoint which receives answers.
const AnswerPath = "/_api/shard-comm"

// Shards registered here cause HeaderNolock to be set on requests
// addressed to them. The set is process-wide: a transaction which
// already holds a shard's lock registers it so nested requests do not
// deadlock against it.
var (
	nolockMu     sync.Mutex
	nolockShards = make(map[string]struct{})
)

// AddNolockShard registers |shardID| for nolock headers.
func AddNolockShard(shardID string) {
	nolockMu.Lock()
	defer nolockMu.Unlock()
	nolockShards[shardID] = struct{}{}
}

// RemoveNolockShard unregisters |shardID|.
func RemoveNolockShard(shardID string) {
	nolockMu.Lock()
	defer nolockMu.Unlock()
	delete(nolockShards, shardID)
}

func hasNolockShard(shardID string) bool {
	nolockMu.Lock()
	defer nolockMu.Unlock()
	var _, ok = nolockShards[shardID]
	return ok
}

// buildCoordinatorHeader renders the answer-correlation header value.
func buildCoordinatorHeader(serverID string, ticket OperationID, clientTransactionID string, coordTransactionID uint64) string {
	return fmt.Sprintf("%s:%d:%s:%d", serverID, ticket, clientTransactionID, coordTransactionID)
}

// parseCoordinatorHeader extracts the sending server and ticket from
// a correlation header. At least two ':'-separated fields are
// required, and the ticket must be unsigned decimal.
func parseCoordinatorHeader(value string) (serverID string, ticket OperationID, err error) {
	var parts = strings.Split(value, ":")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("header %s with value '%s' is malformed", HeaderCoordinator, value)
	}
	raw, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("header %s carries invalid ticket '%s'", HeaderCoordinator, parts[1])
	}
	return parts[0], OperationID(raw), nil
}

// prepareRequest builds the outbound transport request of |op|.
// Caller headers are copied before mutation. The destination must
// have resolved.
func (cc *ClusterComm) prepareRequest(dest *Destination, method, path string, body []byte, header http.Header, op *Result) *transport.Request {
	var copied = make(http.Header, len(header)+4)
	for name, values := range header {
		copied[name] = append([]string(nil), values...)
	}

	copied.Set("Authorization", cc.ident.Authorization())
	copied.Set(HeaderHLC, hlc.EncodeTimeStamp(cc.clock.Now()))

	if dest.ShardID != "" && hasNolockShard(dest.ShardID) {
		copied.Set(HeaderNolock, dest.ShardID)
	}
	if !op.Single {
		copied.Set(HeaderAsync, "store")
		copied.Set(HeaderCoordinator, buildCoordinatorHeader(
			cc.ident.ServerID(), op.OperationID, op.ClientTransactionID, op.CoordTransactionID))
	}

	return &transport.Request{
		Method: method,
		URL:    endpointToURL(dest.Endpoint),
		Path:   path,
		Header: copied,
		Body:   body,
	}
}
