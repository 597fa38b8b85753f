// Package discovery advertises and locates the coordinator on the local
// network via mDNS, so peers can join the mesh without being handed the
// coordinator's address.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"meshshare/pkg/logger"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type of the coordinator's control
	// channel. The control channel is UDP, hence the _udp suffix.
	ServiceType = "_mesh-share._udp"
	Domain      = "local."
)

// ServiceInfo describes one discovered coordinator.
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// ControlAddr returns the first usable "host:port" control address of the
// discovered coordinator.
func (s *ServiceInfo) ControlAddr() (string, bool) {
	if len(s.IPs) == 0 {
		return "", false
	}
	return fmt.Sprintf("%s:%d", s.IPs[0], s.Port), true
}

// Advertiser broadcasts the coordinator's presence.
type Advertiser struct {
	server *zeroconf.Server
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting the coordinator's control port.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "mesh-share-coordinator"
		} else {
			instanceName = fmt.Sprintf("mesh-share-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txtRecords,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops broadcasting.
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Resolver browses for coordinators.
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for coordinators until the context is canceled, delivering
// each discovery on the returned channel.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}

				info := &ServiceInfo{
					InstanceName: entry.Instance,
					HostName:     entry.HostName,
					Port:         entry.Port,
					IPs:          make([]string, 0),
					Meta:         make(map[string]string),
				}
				for _, ip := range entry.AddrIPv4 {
					info.IPs = append(info.IPs, ip.String())
				}
				for _, record := range entry.Text {
					parts := strings.SplitN(record, "=", 2)
					if len(parts) == 2 {
						info.Meta[parts[0]] = parts[1]
					}
				}

				if len(info.IPs) > 0 {
					logger.Sugar.Infof("[Discovery] discovered coordinator: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
					results <- info
				}
			}
		}
	}()

	return results, nil
}

// FindCoordinator browses until one coordinator is found or the context
// expires, returning its control address.
func FindCoordinator(ctx context.Context) (string, error) {
	resolver, err := NewResolver()
	if err != nil {
		return "", err
	}
	results, err := resolver.Browse(ctx)
	if err != nil {
		return "", err
	}
	for info := range results {
		if addr, ok := info.ControlAddr(); ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no coordinator found before deadline")
}
