package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// Target is one host found by a reconnaissance scan.
// Ports and Services are positional: Services[i] runs on Ports[i].
type Target struct {
	IP              string   `json:"ip"`
	Hostname        string   `json:"hostname,omitempty"`
	Ports           []string `json:"ports"`
	Services        []string `json:"services"`
	Vulnerabilities []string `json:"vulnerabilities"`
	Source          string   `json:"source,omitempty"`
}

// HasPort reports whether port is one of the open ports of t.
func (t Target) HasPort(port string) bool {
	return slices.Contains(t.Ports, port)
}

// AddPort appends port with its service unless the port is already known.
// It returns false for duplicates.
func (t *Target) AddPort(port, service string) bool {
	if t.HasPort(port) {
		return false
	}
	t.Ports = append(t.Ports, port)
	t.Services = append(t.Services, ServiceName(service))
	return true
}

// ServiceName normalizes the nmap service names shown to the operator.
func ServiceName(name string) string {
	switch name {
	case "domain":
		return "dns"
	default:
		return name
	}
}

// PortString is the textual form ports are stored and matched in.
func PortString[T uint16 | uint32 | int](port T) string {
	return strconv.FormatUint(uint64(port), 10)
}

// Status is an engagement status of a host or a port.
type Status int

const (
	NotEngaged Status = iota
	Engaged
)

func (s Status) String() string {
	switch s {
	case Engaged:
		return "engaged"
	default:
		return "not_engaged"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the status names and the red/green colors older
// state files were written with.
func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	st, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "engaged", "green":
		return Engaged, nil
	case "not_engaged", "red", "":
		return NotEngaged, nil
	default:
		return NotEngaged, fmt.Errorf("unknown status %q", s)
	}
}

// Connection is one entry of the OS connection table.
type Connection struct {
	Family uint32
	Type   string // tcp | udp
	Laddr  Endpoint
	Raddr  Endpoint
	Status string
	Pid    int32
}

type Endpoint struct {
	IP   string
	Port uint32
}

// Remote reports whether the connection has a fully specified remote endpoint
// and a local one. Listening and unconnected sockets do not.
func (c Connection) Remote() bool {
	return c.Laddr.IP != "" && c.Raddr.IP != "" && c.Raddr.Port != 0
}
