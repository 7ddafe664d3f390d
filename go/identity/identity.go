// Package identity provides the identity of this server within the
// cluster, and the Authorization header values used to authenticate
// inter-node requests.
package identity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider names this server and mints Authorization values for
// requests it issues to peers.
type Provider interface {
	// ServerID is the cluster-unique identifier of this server.
	ServerID() string
	// Authorization returns a value for the Authorization header.
	Authorization() string
}

// tokenValidity bounds how long a minted cluster token may be used.
// Tokens are re-minted once less than half of this remains.
const tokenValidity = time.Hour

type claims struct {
	ServerID string `json:"server_id"`
	jwt.RegisteredClaims
}

// JWTProvider mints HS256 cluster tokens signed with the shared
// cluster secret.
type JWTProvider struct {
	serverID string
	secret   []byte

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTProvider returns a Provider for |serverID| signing with |secret|.
func NewJWTProvider(serverID string, secret []byte) *JWTProvider {
	return &JWTProvider{serverID: serverID, secret: secret}
}

func (p *JWTProvider) ServerID() string { return p.serverID }

func (p *JWTProvider) Authorization() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var now = time.Now()
	if p.token != "" && now.Before(p.expires.Add(-tokenValidity/2)) {
		return p.token
	}

	var cl = claims{
		ServerID: p.serverID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.serverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenValidity)),
		},
	}
	var token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, &cl).SignedString(p.secret)
	if err != nil {
		// HS256 signing of a well-formed claim set cannot fail.
		panic(fmt.Sprintf("signing cluster token: %v", err))
	}
	p.token = "bearer " + token
	p.expires = cl.ExpiresAt.Time

	return p.token
}

// VerifyAuthorization checks an Authorization value presented by a
// peer and returns the peer's server ID.
func VerifyAuthorization(value string, secret []byte) (string, error) {
	var lowered = strings.ToLower(value)
	if !strings.HasPrefix(lowered, "bearer ") {
		return "", fmt.Errorf("authorization is not a bearer token")
	}
	var raw = strings.TrimSpace(value[len("bearer "):])

	var cl claims
	var _, err = jwt.ParseWithClaims(raw, &cl, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("verifying cluster token: %w", err)
	}
	if cl.ServerID == "" {
		return "", fmt.Errorf("cluster token names no server")
	}
	return cl.ServerID, nil
}

// Static is a fixed Provider, for tests and single-node setups.
type Static struct {
	ID    string
	Value string
}

func (s Static) ServerID() string      { return s.ID }
func (s Static) Authorization() string { return s.Value }
