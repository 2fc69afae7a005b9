package device

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/relaypilot/relaypilot/pkg/log"
)

// shellyService is the mDNS service Shelly devices announce on the LAN.
const shellyService = "_shelly._tcp"

// Discovered is one device found on the local network.
type Discovered struct {
	Instance string
	Host     string
	Addr     net.IP
	Port     int
}

// Discover browses mDNS for relay devices for up to wait. It is best-effort:
// intended for the discover CLI subcommand and for logging hints when a
// configured device host cannot be reached.
func Discover(ctx context.Context, wait time.Duration) ([]Discovered, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var found []Discovered
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			d := Discovered{
				Instance: entry.Instance,
				Host:     entry.HostName,
				Port:     entry.Port,
			}
			if len(entry.AddrIPv4) > 0 {
				d.Addr = entry.AddrIPv4[0]
			}
			found = append(found, d)
			log.Ctx(ctx).DebugContext(ctx, "discovered device",
				slog.String("instance", d.Instance),
				slog.String("host", d.Host),
				slog.Int("port", d.Port))
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := resolver.Browse(browseCtx, shellyService, "local.", entries); err != nil {
		return nil, fmt.Errorf("failed to browse for devices: %w", err)
	}
	<-browseCtx.Done()
	<-done
	return found, nil
}
