// Package topology resolves shards and servers of the cluster to the
// endpoints which serve them.
package topology

import "sync"

// Topology answers where shards and servers of the cluster live.
type Topology interface {
	// ResponsibleServers returns the servers responsible for |shardID|,
	// leader first. The result is empty if the shard is unknown.
	ResponsibleServers(shardID string) []string
	// ServerEndpoint returns the advertised endpoint of |serverID|,
	// or "" if the server is unknown.
	ServerEndpoint(serverID string) string
}

// Static is a fixed, mutable Topology. It serves single-process
// setups and tests.
type Static struct {
	mu      sync.RWMutex
	shards  map[string][]string
	servers map[string]string
}

// NewStatic returns an empty Static topology.
func NewStatic() *Static {
	return &Static{
		shards:  make(map[string][]string),
		servers: make(map[string]string),
	}
}

// SetShard maps |shardID| to its responsible |servers|, leader first.
func (s *Static) SetShard(shardID string, servers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[shardID] = append([]string(nil), servers...)
}

// SetServer maps |serverID| to its advertised |endpoint|.
func (s *Static) SetServer(serverID, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[serverID] = endpoint
}

// RemoveServer forgets |serverID|.
func (s *Static) RemoveServer(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, serverID)
}

func (s *Static) ResponsibleServers(shardID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.shards[shardID]...)
}

func (s *Static) ServerEndpoint(serverID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[serverID]
}
