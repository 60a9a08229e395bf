package bus

import (
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

type EmbeddedConfig struct {
	Host string
	// Port 0 picks the default NATS port, -1 a random free port.
	Port int
	// ReadyTimeout bounds how long StartEmbedded waits for the server.
	ReadyTimeout time.Duration
}

// EmbeddedServer is an in-process NATS server for single-host
// deployments and tests.
type EmbeddedServer struct {
	ns *server.Server
}

func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	opts := &server.Options{
		ServerName: "maproom",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go ns.Start()

	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server not ready in time")
	}

	return &EmbeddedServer{ns: ns}, nil
}

func (s *EmbeddedServer) ClientURL() string {
	return s.ns.ClientURL()
}

func (s *EmbeddedServer) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
