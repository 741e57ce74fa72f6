// Package diagram turns targets and their coverage into a coverage diagram:
// the operator, one cluster per host and one node per open port, with edges
// colored by engagement status.
package diagram

import (
	"context"
	"fmt"
	"slices"

	"github.com/berylliumsec/nebula-watcher/internal/model"
	"github.com/berylliumsec/nebula-watcher/internal/state"
)

const (
	OperatorLabel = "User"
	DevicesLabel  = "Devices"
	CVELabel      = "CVE(s) Present"

	ColorEngaged    = "green"
	ColorNotEngaged = "red"
)

// Renderer draws a Request. Rendering is best effort, callers only log
// the error.
type Renderer interface {
	Render(ctx context.Context, req Request) error
}

// Request is everything a Renderer needs to draw one diagram.
type Request struct {
	Name  string
	Hosts []Host
}

type Host struct {
	IP              string
	Hostname        string
	Status          model.Status
	Vulnerabilities []string
	Ports           []Port
}

func (h Host) Vulnerable() bool {
	return len(h.Vulnerabilities) > 0
}

type Port struct {
	Port    string
	Service string
	Status  model.Status
}

// Label is the text of a port node, like "ssh (22)".
func (p Port) Label() string {
	service := p.Service
	if service == "" {
		service = "unknown"
	}
	return fmt.Sprintf("%s (%s)", service, p.Port)
}

// Color maps status to the color of an edge.
func Color(s model.Status) string {
	if s == model.Engaged {
		return ColorEngaged
	}
	return ColorNotEngaged
}

// Build aggregates targets by IP and attaches the status of every host
// and port from cov. Entries missing in cov are NotEngaged. Hosts keep the
// order of their first appearance in targets.
func Build(name string, targets []model.Target, cov state.Coverage) Request {
	var order []string
	byIP := make(map[string]*model.Target, len(targets))
	for _, t := range targets {
		agg, ok := byIP[t.IP]
		if !ok {
			agg = &model.Target{IP: t.IP, Hostname: t.Hostname}
			byIP[t.IP] = agg
			order = append(order, t.IP)
		}
		if agg.Hostname == "" {
			agg.Hostname = t.Hostname
		}
		for i, port := range t.Ports {
			var service string
			if i < len(t.Services) {
				service = t.Services[i]
			}
			agg.AddPort(port, service)
		}
		for _, id := range t.Vulnerabilities {
			if !slices.Contains(agg.Vulnerabilities, id) {
				agg.Vulnerabilities = append(agg.Vulnerabilities, id)
			}
		}
	}

	req := Request{
		Name:  name,
		Hosts: make([]Host, 0, len(order)),
	}
	for _, ip := range order {
		t := byIP[ip]
		h := cov[ip]
		host := Host{
			IP:              ip,
			Hostname:        t.Hostname,
			Status:          h.Connection,
			Vulnerabilities: t.Vulnerabilities,
			Ports:           make([]Port, 0, len(t.Ports)),
		}
		for i, port := range t.Ports {
			host.Ports = append(host.Ports, Port{
				Port:    port,
				Service: t.Services[i],
				Status:  h.Ports[port],
			})
		}
		req.Hosts = append(req.Hosts, host)
	}
	return req
}
