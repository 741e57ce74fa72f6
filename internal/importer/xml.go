package importer

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/berylliumsec/nebula-watcher/internal/cve"
	"github.com/berylliumsec/nebula-watcher/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

// Scope selects which identifiers end up in Target.Vulnerabilities.
type Scope int

const (
	// ScopeHost assigns a host only the identifiers found inside its own
	// <host> element.
	ScopeHost Scope = iota
	// ScopeGlobal assigns every host all identifiers of the document.
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "host"
}

// XML imports nmap XML output (-oX).
type XML struct {
	scope Scope
}

func NewXML(scope Scope) XML {
	return XML{scope: scope}
}

func (XML) Name() string {
	return "nmap-xml"
}

func (XML) Match(path string, head []byte) bool {
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		return true
	}
	return bytes.Contains(head, []byte("<nmaprun"))
}

// Import reads the document twice: once into nmap.Run for hosts and ports
// and once as a raw token stream collecting CVE identifiers from the whole
// document and from every host subtree.
func (x XML) Import(ctx context.Context, path string, r io.Reader) ([]model.Target, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("empty document: %w", model.ErrNoReports)
	}

	var run nmap.Run
	if err := xml.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("parsing nmap xml: %w", err)
	}

	perHost := make(map[int]cve.Set, len(run.Hosts))
	global, err := cve.ScanXML(bytes.NewReader(b), cve.Scope{
		Element: "host",
		Depth:   2,
		Found: func(index int, ids cve.Set) {
			perHost[index] = ids
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scanning for vulnerabilities: %w", err)
	}

	targets := make([]model.Target, 0, len(run.Hosts))
	for idx, host := range run.Hosts {
		target, ok := hostToTarget(host)
		if !ok {
			slog.DebugContext(ctx, "host without an address: ignoring", "index", idx)
			continue
		}
		target.Source = path

		ids := perHost[idx]
		if x.scope == ScopeGlobal {
			ids = global
		}
		if ids == nil {
			ids = make(cve.Set)
		}
		target.Vulnerabilities = ids.Sorted()
		targets = append(targets, target)
	}
	return targets, nil
}

func hostToTarget(host nmap.Host) (model.Target, bool) {
	addr := primaryAddress(host)
	if addr == "" {
		return model.Target{}, false
	}

	target := model.Target{
		IP:       addr,
		Ports:    []string{},
		Services: []string{},
	}
	if len(host.Hostnames) > 0 {
		target.Hostname = host.Hostnames[0].Name
	}

	for _, port := range host.Ports {
		if port.State.State != "open" {
			continue
		}
		target.AddPort(model.PortString(port.ID), port.Service.Name)
	}
	return target, true
}

// primaryAddress prefers an IPv4 address, then IPv6, then whatever comes
// first. MAC addresses never match a socket, so they are the last resort.
func primaryAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}
