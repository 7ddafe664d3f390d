package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Mirror is a Topology which is a local mirror of cluster state kept
// in Etcd. Shard assignments live under |prefix|/shards/<shardID> as
// a JSON array of server IDs, leader first, and server endpoints
// under |prefix|/servers/<serverID> as the raw endpoint string.
//
// The mirror loads a consistent snapshot and then applies watched
// updates until Stop is called.
type Mirror struct {
	prefix string
	cancel context.CancelFunc

	mu      sync.RWMutex
	shards  map[string][]string
	servers map[string]string
}

// NewMirror loads a Mirror of |prefix| and begins watching for updates.
// |ctx| bounds the initial load; cancelling it afterwards does not end
// the watch.
func NewMirror(ctx context.Context, etcd *clientv3.Client, prefix string) (*Mirror, error) {
	if prefix != path.Clean(prefix) {
		return nil, fmt.Errorf("%q is not a clean path", prefix)
	}

	var m = &Mirror{
		prefix:  prefix,
		shards:  make(map[string][]string),
		servers: make(map[string]string),
	}

	resp, err := etcd.Get(ctx, prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("initial load of %q: %w", prefix, err)
	}
	for _, kv := range resp.Kvs {
		if err = m.apply(string(kv.Key), kv.Value, false); err != nil {
			return nil, err
		}
	}

	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	var watchCh = etcd.Watch(ctx, prefix+"/",
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	go m.watch(watchCh)
	return m, nil
}

// Stop ends the mirror's watch. The last-observed topology remains
// readable.
func (m *Mirror) Stop() { m.cancel() }

func (m *Mirror) watch(ch clientv3.WatchChan) {
	for resp := range ch {
		if err := resp.Err(); err != nil {
			log.WithFields(log.Fields{"err": err, "prefix": m.prefix}).
				Warn("topology watch error")
			continue
		}
		for _, ev := range resp.Events {
			var err = m.apply(string(ev.Kv.Key), ev.Kv.Value, ev.Type == clientv3.EventTypeDelete)
			if err != nil {
				log.WithFields(log.Fields{"err": err, "key": string(ev.Kv.Key)}).
					Warn("ignoring malformed topology update")
			}
		}
	}
}

func (m *Mirror) apply(key string, value []byte, deleted bool) error {
	var rest = strings.TrimPrefix(key, m.prefix+"/")

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.HasPrefix(rest, "shards/"):
		var shardID = rest[len("shards/"):]
		if deleted {
			delete(m.shards, shardID)
			return nil
		}
		var servers []string
		if err := json.Unmarshal(value, &servers); err != nil {
			return fmt.Errorf("shard %q assignment: %w", shardID, err)
		}
		m.shards[shardID] = servers
	case strings.HasPrefix(rest, "servers/"):
		var serverID = rest[len("servers/"):]
		if deleted {
			delete(m.servers, serverID)
			return nil
		}
		m.servers[serverID] = string(value)
	default:
		return fmt.Errorf("unexpected topology key %q", key)
	}
	return nil
}

func (m *Mirror) ResponsibleServers(shardID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.shards[shardID]...)
}

func (m *Mirror) ServerEndpoint(serverID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[serverID]
}
