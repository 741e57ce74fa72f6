// Package netscan reads the table of internet sockets of the local host.
package netscan

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"syscall"

	"github.com/berylliumsec/nebula-watcher/internal/model"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Source enumerates TCP and UDP sockets, IPv4 and IPv6.
type Source interface {
	Connections(ctx context.Context) ([]model.Connection, error)
}

// New returns a source reading the socket table in the best possible way
// on linux: netlink sock_diag, if the kernel lets us use it
// elsewhere: gopsutil
func New(ctx context.Context) Source {
	if runtime.GOOS == "linux" {
		nl := Netlink{}
		_, err := nl.Connections(ctx)
		if err == nil {
			slog.DebugContext(ctx, "using netlink connection source")
			return nl
		}
		slog.WarnContext(ctx, "netlink access failed, using fallback method", "err", err)
	}
	return Psutil{}
}

// Psutil reads the socket table using github.com/shirou/gopsutil.
type Psutil struct{}

func (Psutil) Connections(ctx context.Context) ([]model.Connection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("gopsutil connections: %w", err)
	}
	ret := make([]model.Connection, 0, len(stats))
	for _, s := range stats {
		ret = append(ret, model.Connection{
			Family: s.Family,
			Type:   sockType(s.Type),
			Laddr:  endpoint(s.Laddr.IP, s.Laddr.Port),
			Raddr:  endpoint(s.Raddr.IP, s.Raddr.Port),
			Status: s.Status,
			Pid:    s.Pid,
		})
	}
	return ret, nil
}

func sockType(t uint32) string {
	switch t {
	case syscall.SOCK_STREAM:
		return "tcp"
	case syscall.SOCK_DGRAM:
		return "udp"
	default:
		return ""
	}
}

// endpoint returns IPv4-mapped IPv6 addresses of dual stack sockets in the
// dotted form scan reports use.
func endpoint(ip string, port uint32) model.Endpoint {
	if addr, err := netip.ParseAddr(ip); err == nil {
		ip = addr.Unmap().WithZone("").String()
	}
	return model.Endpoint{IP: ip, Port: port}
}
