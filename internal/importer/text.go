package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/berylliumsec/nebula-watcher/internal/cve"
	"github.com/berylliumsec/nebula-watcher/internal/model"
)

// Delimiter starts a report of one host in nmap normal output.
const Delimiter = "Nmap scan report for "

var (
	// optional hostname followed by a dotted quad, which is parenthesized
	// when the hostname is present
	reHost = regexp.MustCompile(`^\s*(?:([\w.-]+)\s+)?\(?(\d{1,3}(?:\.\d{1,3}){3})\)?`)
	rePort = regexp.MustCompile(`(?m)^(\d+)/(tcp|udp|sctp)\s+(\S+)\s+(\S+)`)
)

// Text imports nmap normal output (-oN) and anything, which embeds it.
type Text struct{}

func NewText() Text {
	return Text{}
}

func (Text) Name() string {
	return "nmap-text"
}

func (Text) Match(path string, head []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nmap", ".txt", ".log", ".out":
		return true
	}
	return bytes.Contains(head, []byte(Delimiter))
}

func (Text) Import(ctx context.Context, path string, r io.Reader) ([]model.Target, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(b)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty content: %w", model.ErrNoReports)
	}

	fragments := strings.Split(content, Delimiter)
	if len(fragments) < 2 {
		return nil, fmt.Errorf("delimiter %q not found: %w", strings.TrimSpace(Delimiter), model.ErrNoReports)
	}

	targets := make([]model.Target, 0, len(fragments)-1)
	// fragments[0] is the preamble before the first report
	for idx, fragment := range fragments[1:] {
		m := reHost.FindStringSubmatch(fragment)
		if m == nil {
			slog.DebugContext(ctx, "host report without an IPv4 address: ignoring", "index", idx)
			continue
		}
		target := model.Target{
			IP:       m[2],
			Hostname: m[1],
			Ports:    []string{},
			Services: []string{},
			Source:   path,
		}
		for _, pm := range rePort.FindAllStringSubmatch(fragment, -1) {
			if pm[3] != "open" {
				continue
			}
			target.AddPort(pm[1], pm[4])
		}
		ids := make(cve.Set)
		ids.AddText(fragment)
		target.Vulnerabilities = ids.Sorted()
		targets = append(targets, target)
	}
	return targets, nil
}
