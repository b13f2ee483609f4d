// ABOUTME: mDNS service discovery for datstream outputs
// ABOUTME: Advertises each network target and browses for other servers' targets
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD type every output is advertised under
const ServiceType = "_datstream._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	ServerID    string
}

// Endpoint is one advertised output
type Endpoint struct {
	Proto string // "tcp" or "ws"
	Port  int
	Delay int // sample units
	Path  string
}

// ServerInfo describes a discovered output
type ServerInfo struct {
	Name     string
	Host     string
	Port     int
	Proto    string
	Delay    int
	ServerID string
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo

	mu       sync.Mutex
	shutdown []func() error
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise publishes every endpoint. Endpoints that fail are reported in
// the returned error; the rest stay advertised.
func (m *Manager) Advertise(endpoints []Endpoint) error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	var errs []error
	for _, ep := range endpoints {
		instance := fmt.Sprintf("%s %s-%d", m.config.ServiceName, ep.Proto, ep.Port)

		service, err := mdns.NewMDNSService(
			instance,
			ServiceType,
			"",
			"",
			ep.Port,
			ips,
			TXT(ep, m.config.ServerID),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create service %s: %w", instance, err))
			continue
		}

		server, err := mdns.NewServer(&mdns.Config{Zone: service})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create mdns server for %s: %w", instance, err))
			continue
		}

		m.mu.Lock()
		m.shutdown = append(m.shutdown, server.Shutdown)
		m.mu.Unlock()

		log.Printf("Advertising mDNS service: %s on port %d (type: %s)", instance, ep.Port, ServiceType)
	}

	go func() {
		<-m.ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, shutdown := range m.shutdown {
			shutdown()
		}
		m.shutdown = nil
	}()

	return errors.Join(errs...)
}

// TXT builds the TXT records for an endpoint
func TXT(ep Endpoint, serverID string) []string {
	txt := []string{
		"proto=" + ep.Proto,
		"delay=" + strconv.Itoa(ep.Delay),
	}
	if ep.Path != "" {
		txt = append(txt, "path="+ep.Path)
	}
	if serverID != "" {
		txt = append(txt, "id="+serverID)
	}
	return txt
}

// parseTXT fills the TXT-derived fields of info. Unknown keys are ignored.
func parseTXT(info *ServerInfo, fields []string) {
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "proto":
			info.Proto = value
		case "delay":
			if d, err := strconv.Atoi(value); err == nil {
				info.Delay = d
			}
		case "id":
			info.ServerID = value
		}
	}
}

// Browse searches for datstream outputs until Stop is called
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop continuously browses for outputs
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			close(m.servers)
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := &ServerInfo{
					Name: entry.Name,
					Port: entry.Port,
				}
				if entry.AddrV4 != nil {
					server.Host = entry.AddrV4.String()
				}
				parseTXT(server, entry.InfoFields)

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: ServiceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done
	}
}

// Servers returns the channel of discovered outputs. It is closed after Stop.
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop withdraws advertisements and ends browsing
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
