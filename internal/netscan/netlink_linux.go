package netscan

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/berylliumsec/nebula-watcher/internal/model"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Netlink dumps sockets directly from Linux kernel via netlink interface.
type Netlink struct{}

func (Netlink) Connections(ctx context.Context) ([]model.Connection, error) {
	var ret []model.Connection
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		for _, proto := range []uint8{unix.IPPROTO_TCP, unix.IPPROTO_UDP} {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			conns, err := ss(family, proto)
			if err != nil {
				return nil, fmt.Errorf("dump socket statistics (family %d, protocol %d): %w", family, proto, err)
			}
			ret = append(ret, conns...)
		}
	}
	return ret, nil
}

// Constants from linux headers.
const (
	// Netlink family for socket diagnostics.
	NETLINK_SOCK_DIAG = 4

	// Message type: request sockets by family.
	SOCK_DIAG_BY_FAMILY = 20

	// inet_diag_req_v2 idiag_states bitmask: all states
	allStates = 0xffffffff

	// sizeof(struct inet_diag_msg)
	inetDiagMsgLen = 72
)

// TCP socket states from include/net/tcp_states.h in the Linux kernel.
var tcpStates = map[uint8]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
}

// inet_diag_req_v2 structure (from linux/inet_diag.h).
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

func ss(family, proto uint8) ([]model.Connection, error) {
	// Open a NETLINK_SOCK_DIAG connection.
	c, err := netlink.Dial(NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = c.Close() //nolint errcheck
	}()

	// Build request: inet_diag_req_v2
	req := inetDiagReqV2{
		Family:   family,
		Protocol: proto,
		States:   allStates,
		// ID is zeroed: wildcard (match all).
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal req: %w", err)
	}

	// Send netlink message
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  SOCK_DIAG_BY_FAMILY,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	}
	msgs, err := c.Execute(msg)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]model.Connection, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done {
			continue
		}
		conn, ok := parseDiagMsg(m.Data, proto)
		if !ok {
			continue
		}
		ret = append(ret, conn)
	}
	return ret, nil
}

// parseDiagMsg decodes struct inet_diag_msg. Ports are in network byte
// order, addresses are 4 or 16 bytes depending on the family.
func parseDiagMsg(data []byte, proto uint8) (model.Connection, bool) {
	if len(data) < inetDiagMsgLen {
		return model.Connection{}, false
	}
	family := data[0]
	iplen := 4
	if family == unix.AF_INET6 {
		iplen = 16
	}

	src, ok := netip.AddrFromSlice(data[8 : 8+iplen])
	if !ok {
		return model.Connection{}, false
	}
	dst, ok := netip.AddrFromSlice(data[24 : 24+iplen])
	if !ok {
		return model.Connection{}, false
	}
	sport := binary.BigEndian.Uint16(data[4:6])
	dport := binary.BigEndian.Uint16(data[6:8])

	conn := model.Connection{
		Family: uint32(family),
		Laddr:  addrEndpoint(src, sport),
		Raddr:  addrEndpoint(dst, dport),
	}
	switch proto {
	case unix.IPPROTO_TCP:
		conn.Type = "tcp"
		conn.Status = tcpStates[data[1]]
	case unix.IPPROTO_UDP:
		conn.Type = "udp"
	}
	return conn, true
}

// addrEndpoint maps the wildcard address of unconnected sockets to an empty
// endpoint, like gopsutil does.
func addrEndpoint(addr netip.Addr, port uint16) model.Endpoint {
	if addr.IsUnspecified() && port == 0 {
		return model.Endpoint{}
	}
	return model.Endpoint{IP: addr.Unmap().String(), Port: uint32(port)}
}
