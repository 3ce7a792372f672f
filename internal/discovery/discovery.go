// Package discovery announces relays on the local network over mDNS and
// lets agents find them without configuration.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service type of a relay.
	DefaultService = "_collabtext._tcp"
	domain         = "local."
)

// ErrNotFound is returned by Lookup when no relay answered in time.
var ErrNotFound = errors.New("discovery: no relay found")

// Announcement is a registered mDNS service.
type Announcement struct {
	server *zeroconf.Server
}

// Shutdown withdraws the service.
func (a *Announcement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Announce registers a relay listening on port.
func Announce(service string, port int, logger zerolog.Logger) (*Announcement, error) {
	if service == "" {
		service = DefaultService
	}
	host, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", "CollabText", host)
	server, err := zeroconf.Register(instance, service, domain, port, []string{"txtv=0", "role=relay"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: register")
	}
	logger.Info().Str("service", service).Str("instance", instance).Int("port", port).Msg("mDNS service registered")
	return &Announcement{server: server}, nil
}

// Lookup browses for service until ctx is done and returns the address of
// the first relay that answers.
func Lookup(ctx context.Context, service string, logger zerolog.Logger) (string, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "discovery: resolver")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", errors.Wrap(err, "discovery: browse")
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr := Address(entry); addr != "" {
				logger.Info().Str("instance", entry.Instance).Str("addr", addr).Msg("mDNS discovered relay")
				return addr, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// Address returns host:port of entry, preferring IPv4.
func Address(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port == 0 {
		return ""
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
}
