// Package nats runs an embedded NATS server with JetStream enabled. Tests
// and single-binary deployments get durable queues without an external
// broker.
package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const defaultReadyTimeout = 10 * time.Second

// EmbeddedServer is an in-process NATS server.
type EmbeddedServer struct {
	srv *server.Server
}

// EmbeddedOption configures the embedded server.
type EmbeddedOption func(*server.Options)

// WithPort pins the listen port. Defaults to a random free port.
func WithPort(port int) EmbeddedOption {
	return func(o *server.Options) { o.Port = port }
}

// WithStoreDir sets the JetStream storage directory. Defaults to a
// temporary directory.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) { o.StoreDir = dir }
}

// StartEmbedded starts an embedded server and waits until it accepts
// connections.
func StartEmbedded(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	options := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}
	for _, opt := range opts {
		opt(options)
	}

	srv, err := server.NewServer(options)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(defaultReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready within %s", defaultReadyTimeout)
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients connect to.
func (s *EmbeddedServer) ClientURL() string { return s.srv.ClientURL() }

// Connect opens a client connection to the embedded server.
func (s *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(s.srv.ClientURL(), opts...)
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
}
