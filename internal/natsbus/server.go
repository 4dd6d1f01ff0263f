package natsbus

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const (
	defaultHost  = "127.0.0.1"
	readyTimeout = 5 * time.Second
)

// Bus is the embedded NATS server that carries lifecycle events, learning
// ingestion and hive.control requests. It listens on loopback unless the
// config names another host.
type Bus struct {
	server *natsserver.Server
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "hive",
		Host:       host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		StoreDir:   cfg.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}
	slog.Debug("nats listening", "url", ns.ClientURL())
	return &Bus{server: ns}, nil
}

// ClientURL is the address in-process clients connect to.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Close stops accepting connections and waits for the server to exit.
func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
	slog.Debug("nats stopped")
}
