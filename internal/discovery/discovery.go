// Package discovery implements mDNS advertisement (coordinator) and
// browsing (agent) for the "_cuemesh._tcp" service type, via
// github.com/grandcat/zeroconf.
//
// Grounded on original_source/controller/discovery.py (advertise) and
// original_source/client/discovery_browser.py (browse).
package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"

	"cuemesh/internal/logging"
)

// ServiceType is the mDNS service type CueMesh coordinators advertise.
const ServiceType = "_cuemesh._tcp"

// Domain is the mDNS domain all CueMesh service records live under.
const Domain = "local."

// Advertisement owns a registered mDNS service record for a running
// coordinator. Call Shutdown to unregister on coordinator exit.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers a "_cuemesh._tcp.local." service record for a
// coordinator, with TXT {controller_id, show_title, version} (spec §4.6).
// Failure semantics: if multicast is unavailable, Advertise returns a
// non-nil error and the caller proceeds without discovery — manual
// host:port entry remains functional.
func Advertise(instance string, port int, controllerID, showTitle string) (*Advertisement, error) {
	txt := []string{
		"controller_id=" + controllerID,
		"show_title=" + showTitle,
		"version=1",
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mDNS service: %w", err)
	}
	logging.L("discovery").Info("mDNS advertisement started", "instance", instance, "port", port)
	return &Advertisement{server: server}, nil
}

// Shutdown unregisters the service record.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Found is one resolved coordinator service record surfaced to an agent's
// caller (spec §4.6).
type Found struct {
	Name         string
	Host         string
	Port         int
	ControllerID string
	ShowTitle    string
}

// Browse resolves "_cuemesh._tcp.local." entries until ctx is canceled,
// invoking onFound for each resolved record. Failure semantics: if
// multicast is unavailable, Browse returns a non-nil error immediately.
func Browse(ctx context.Context, onFound func(Found)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				logging.L("discovery").Warn("service entry has no address", "name", entry.Instance)
				continue
			}
			found := Found{
				Name: entry.Instance,
				Host: entry.AddrIPv4[0].String(),
				Port: entry.Port,
			}
			for _, kv := range entry.Text {
				found.applyTXT(kv)
			}
			logging.L("discovery").Info("controller discovered",
				"controller_id", found.ControllerID, "host", found.Host, "port", found.Port)
			onFound(found)
		}
	}()

	// grandcat/zeroconf resolves each entry's addresses before emitting it,
	// so the per-record resolve bound (spec §4.6) is the library's own
	// internal query timeout; Browse itself runs for the caller's ctx.
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("discovery: browse: %w", err)
	}

	<-ctx.Done()
	return nil
}

func (f *Found) applyTXT(kv string) {
	key, value, ok := splitTXT(kv)
	if !ok {
		return
	}
	switch key {
	case "controller_id":
		f.ControllerID = value
	case "show_title":
		f.ShowTitle = value
	}
}

func splitTXT(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
