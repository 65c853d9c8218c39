package api

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_trmnlpush._tcp"
	mdnsDomain      = "local."
)

// Advertiser announces the API on the local network
type Advertiser struct {
	server *zeroconf.Server
	logger *log.Logger
}

// Advertise registers the service for port. Call Shutdown to withdraw it.
func Advertise(port int, version string, logger *log.Logger) (*Advertiser, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "trmnlpush"
	}

	instance := mdnsInstanceName(fmt.Sprintf("TRMNL Push (%s)", hostname))
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"version=" + version,
		"path=/api",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, err
	}

	logger = logger.WithPrefix("mdns")
	logger.Infof("Advertising %q as %s on port %d", instance, mdnsServiceType, port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown withdraws the advertisement
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS advertisement stopped")
}

// mdnsInstanceName makes name safe as a DNS-SD instance label
func mdnsInstanceName(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "TRMNL Push"
	}
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
