package main

import (
	"fmt"
	"math/rand"
	"strings"
)

// rotationMarker is the provider's literal username suffix that requests a
// rotating (per-request) egress IP. Sticky sessions must never send it.
const rotationMarker = "-rotate"

// ProxyConfig holds the residential proxy settings shared by all workers.
type ProxyConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	PoolSize int
}

// ProxySession is a sticky proxy identity for exactly one browser instance.
// It is immutable for the browser's lifetime and discarded with it.
type ProxySession struct {
	SessionID int
	Host      string
	Port      string
	Username  string
	Password  string
}

// URL returns the proxy server address for the Chrome --proxy-server flag.
// Credentials are supplied separately through the auth challenge handler.
func (s *ProxySession) URL() string {
	return fmt.Sprintf("http://%s:%s", s.Host, s.Port)
}

// AuthURL returns the credentialed proxy URL for clients that carry
// credentials in-band (the preflight probe).
func (s *ProxySession) AuthURL() string {
	if s.Username == "" {
		return s.URL()
	}
	return fmt.Sprintf("http://%s:%s@%s:%s", s.Username, s.Password, s.Host, s.Port)
}

// Display returns host:port for logging, without credentials.
func (s *ProxySession) Display() string {
	return fmt.Sprintf("%s:%s (session %d)", s.Host, s.Port, s.SessionID)
}

// ProxySessionManager derives sticky-session proxy identities. The draw
// function is injectable so tests can pin the session id.
type ProxySessionManager struct {
	config *ProxyConfig
	intn   func(n int) int
}

func NewProxySessionManager(config *ProxyConfig) *ProxySessionManager {
	return &ProxySessionManager{
		config: config,
		intn:   rand.Intn,
	}
}

// Derive creates a new sticky session with a uniformly random session id in
// [1, poolSize]. Two concurrent sessions may draw the same id and share an
// egress IP; the pool provider permits this, so it is accepted rather than
// prevented.
func (m *ProxySessionManager) Derive() *ProxySession {
	username, sessionID := DeriveStickyUsername(m.config.Username, m.config.PoolSize, m.intn)
	return &ProxySession{
		SessionID: sessionID,
		Host:      m.config.Host,
		Port:      m.config.Port,
		Username:  username,
		Password:  m.config.Password,
	}
}

// DeriveStickyUsername strips the literal rotation marker from baseUsername
// if present, draws a session id in [1, poolSize], and appends "-{id}".
func DeriveStickyUsername(baseUsername string, poolSize int, intn func(n int) int) (string, int) {
	if poolSize < 1 {
		poolSize = 1
	}
	if intn == nil {
		intn = rand.Intn
	}

	base := strings.ReplaceAll(baseUsername, rotationMarker, "")
	sessionID := intn(poolSize) + 1

	return fmt.Sprintf("%s-%d", base, sessionID), sessionID
}
