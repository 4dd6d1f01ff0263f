package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/control"
)

// dial connects to the control interface of a running server.
func dial(g *globalFlags) (*control.Client, error) {
	url := g.natsURL
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		url = localURL(cfg.NATS)
	}
	c, err := control.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("is hive serve running? %w", err)
	}
	return c, nil
}

// localURL is where a server started with cfg accepts local clients.
func localURL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "nats://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// call performs one control request.
func call(g *globalFlags, typ string, payload, out any) error {
	c, err := dial(g)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(typ, payload, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
