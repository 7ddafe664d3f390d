package clustercomm

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tesserdb/tesser/go/topology"
)

// Destination is a resolved addressing value. Accepted forms are
// shard:<shardID>, server:<serverID>, tcp://host:port, and
// ssl://host:port.
type Destination struct {
	Raw      string
	ShardID  string
	ServerID string
	Endpoint string

	// ErrorMessage is non-empty when resolution failed; such a
	// destination is never submitted to the transport.
	ErrorMessage string
}

// OK returns true if the destination resolved to an endpoint.
func (d *Destination) OK() bool { return d.ErrorMessage == "" }

// resolveDestination parses |destination| and fills shard, server and
// endpoint through |topo|. |logQuietly| lowers the log level of
// resolution failures, for callers probing servers which may
// legitimately be gone.
func resolveDestination(topo topology.Topology, destination string, logQuietly bool) Destination {
	var d = Destination{Raw: destination}

	switch {
	case strings.HasPrefix(destination, "shard:"):
		d.ShardID = destination[len("shard:"):]
		var servers = topo.ResponsibleServers(d.ShardID)
		if len(servers) == 0 {
			d.ErrorMessage = fmt.Sprintf("cannot find responsible server for shard '%s'", d.ShardID)
			logResolutionFailure(d.ErrorMessage, logQuietly)
			return d
		}
		d.ServerID = servers[0]
	case strings.HasPrefix(destination, "server:"):
		d.ServerID = destination[len("server:"):]
	case strings.HasPrefix(destination, "tcp://"), strings.HasPrefix(destination, "ssl://"):
		d.Endpoint = destination
		return d
	default:
		d.ErrorMessage = fmt.Sprintf("did not understand destination '%s'", destination)
		logResolutionFailure(d.ErrorMessage, logQuietly)
		return d
	}

	d.Endpoint = topo.ServerEndpoint(d.ServerID)
	if d.Endpoint == "" {
		d.ErrorMessage = fmt.Sprintf("did not find endpoint of server '%s'", d.ServerID)
		logResolutionFailure(d.ErrorMessage, logQuietly)
	}
	return d
}

func logResolutionFailure(msg string, quietly bool) {
	if quietly {
		log.Debug(msg)
	} else {
		log.Error(msg)
	}
}

// endpointToURL translates a cluster endpoint to the scheme the HTTP
// engine speaks: tcp:// becomes http:// and ssl:// becomes https://.
func endpointToURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "tcp://") {
		return "http://" + endpoint[len("tcp://"):]
	}
	if strings.HasPrefix(endpoint, "ssl://") {
		return "https://" + endpoint[len("ssl://"):]
	}
	return endpoint
}
