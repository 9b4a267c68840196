// Package mdns advertises the relay's control API on the local network
// and finds other relays.
//
// Advertisement is opt-in. It only reveals that a relay is listening;
// the terminal channel still needs its token.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type relays register under.
const ServiceType = "_codexrelay._tcp"

// ProtocolVersion is bumped when the control API changes incompatibly.
const ProtocolVersion = "1"

const domain = "local."

// Config describes what to advertise.
type Config struct {
	// Port is the control API port.
	Port int

	// TerminalPort is the terminal channel port; zero when it is disabled.
	TerminalPort int

	// Name is the instance name. Defaults to the hostname.
	Name string
}

// Advertiser registers the relay with DNS-SD.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an Advertiser. Nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling it again while registered is a
// no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := instanceName(a.config.Name)
	server, err := zeroconf.Register(name, ServiceType, domain, a.config.Port, txtRecords(name, a.config), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

func instanceName(name string) string {
	if name != "" {
		return name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "codexrelay"
}

// txtRecords builds the TXT strings. Each must stay under 255 bytes.
func txtRecords(name string, cfg Config) []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"api=/api",
	}
	if cfg.TerminalPort > 0 {
		txt = append(txt, "terminal="+strconv.Itoa(cfg.TerminalPort))
	}
	return txt
}

// Relay is a relay found by Discover.
type Relay struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	TerminalPort int    `json:"terminalPort,omitempty"`
	Version      string `json:"version,omitempty"`
}

// relayFromEntry converts a resolved entry, preferring an IPv4 address.
func relayFromEntry(instance string, port int, ipv4, ipv6 []string, text []string) Relay {
	relay := Relay{Name: instance, Port: port}
	if len(ipv4) > 0 {
		relay.Host = ipv4[0]
	} else if len(ipv6) > 0 {
		relay.Host = ipv6[0]
	}

	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			relay.Name = value
		case "version":
			relay.Version = value
		case "terminal":
			if n, err := strconv.Atoi(value); err == nil {
				relay.TerminalPort = n
			}
		}
	}
	return relay
}

// Discover browses for relays until ctx is done.
func Discover(ctx context.Context) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		relays []Relay
		wg     sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			var ipv4, ipv6 []string
			for _, ip := range entry.AddrIPv4 {
				ipv4 = append(ipv4, ip.String())
			}
			for _, ip := range entry.AddrIPv6 {
				ipv6 = append(ipv6, ip.String())
			}
			relays = append(relays, relayFromEntry(entry.Instance, entry.Port, ipv4, ipv6, entry.Text))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The resolver closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()

	return relays, nil
}
