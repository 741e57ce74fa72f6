// Package importer turns reconnaissance reports into a target inventory.
//
// Every report format is an Importer. Dir walks a results directory, picks
// the importer which understands a file and unions the targets of all files
// by IP address. Dir never fails because of a single file: missing
// directories, unknown files and malformed reports are logged and skipped.
package importer

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"net/netip"
	"os"
	"slices"

	"github.com/berylliumsec/nebula-watcher/internal/cve"
	"github.com/berylliumsec/nebula-watcher/internal/log"
	"github.com/berylliumsec/nebula-watcher/internal/model"
	"github.com/berylliumsec/nebula-watcher/internal/parallel"
	"github.com/berylliumsec/nebula-watcher/internal/walk"
)

// Importer parses one report format.
type Importer interface {
	// Name identifies the format in logs
	Name() string
	// Match tells if the importer understands the file, head are the
	// first bytes of it
	Match(path string, head []byte) bool
	Import(ctx context.Context, path string, r io.Reader) ([]model.Target, error)
}

const (
	headSize     = 4096
	skipIfBigger = 64 * 1024 * 1024
)

// Dir imports all reports found in a directory tree.
type Dir struct {
	workers   int
	importers []Importer
}

// NewDir returns a directory importer using the given importers in order of
// preference. With no importers it understands nmap XML with host scoped
// vulnerabilities and nmap normal output.
func NewDir(workers int, importers ...Importer) Dir {
	if len(importers) == 0 {
		importers = []Importer{NewXML(ScopeHost), NewText()}
	}
	return Dir{
		workers:   workers,
		importers: importers,
	}
}

// Import returns the union of all targets found under dir, sorted by IP.
// Only a canceled context is an error.
func (d Dir) Import(ctx context.Context, dir string) ([]model.Target, error) {
	ctx = log.ContextAttrs(ctx, slog.String("results_dir", dir))

	root, err := os.OpenRoot(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "results directory does not exist")
		} else {
			slog.WarnContext(ctx, "can't open results directory", "error", err)
		}
		return []model.Target{}, nil
	}
	defer func() {
		_ = root.Close()
	}()

	perFile := make(map[string][]model.Target)
	var files int
	m := parallel.NewMap(ctx, d.workers, d.importEntry)
	for r, err := range m.Iter(walk.Dir(ctx, root)) {
		files++
		path := "<unknown>"
		if r.In != nil {
			path = r.In.Path()
		}
		switch {
		case err == nil:
			perFile[path] = r.Out
		case errors.Is(err, model.ErrNoMatch):
			slog.DebugContext(ctx, "not a report: ignoring", "path", path)
		case errors.Is(err, model.ErrNoReports):
			slog.WarnContext(ctx, "no host reports in file: skipping", "path", path, "error", err)
		default:
			slog.WarnContext(ctx, "can't import file: skipping", "path", path, "error", err)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if files == 0 {
		slog.InfoContext(ctx, "no results found in the directory")
		return []model.Target{}, nil
	}

	var all []model.Target
	for _, path := range slices.Sorted(maps.Keys(perFile)) {
		all = append(all, perFile[path]...)
	}
	targets := Union(all)
	slog.DebugContext(ctx, "import finished", "files", files, "reports", len(perFile), "targets", len(targets))
	return targets, nil
}

func (d Dir) importEntry(ctx context.Context, entry walk.Entry) ([]model.Target, error) {
	ctx = log.ContextAttrs(ctx, slog.String("path", entry.Path()))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	info, err := entry.Stat()
	if err != nil {
		return nil, fmt.Errorf("import Stat: %w", err)
	}
	if info.Size() > skipIfBigger {
		return nil, fmt.Errorf("entry too big (%d bytes): %w", info.Size(), model.ErrNoMatch)
	}

	f, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("import Open: %w", err)
	}
	defer func() {
		_ = f.Close() // ignoring close error for CLI tool
	}()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("import ReadAll: %w", err)
	}

	head := b[:min(len(b), headSize)]
	for _, imp := range d.importers {
		if !imp.Match(entry.Path(), head) {
			continue
		}
		slog.DebugContext(ctx, "importing", "importer", imp.Name())
		targets, err := imp.Import(ctx, entry.Path(), bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", imp.Name(), err)
		}
		return targets, nil
	}
	return nil, model.ErrNoMatch
}

// Union merges targets sharing an IP address. Ports, services and
// vulnerabilities are unioned, the first seen hostname and source win.
// The result is sorted by IP address.
func Union(targets []model.Target) []model.Target {
	byIP := make(map[string]*model.Target, len(targets))
	vulns := make(map[string]cve.Set, len(targets))
	for _, t := range targets {
		if t.IP == "" {
			continue
		}
		u, ok := byIP[t.IP]
		if !ok {
			u = &model.Target{
				IP:       t.IP,
				Hostname: t.Hostname,
				Source:   t.Source,
				Ports:    []string{},
				Services: []string{},
			}
			byIP[t.IP] = u
			vulns[t.IP] = make(cve.Set)
		}
		if u.Hostname == "" {
			u.Hostname = t.Hostname
		}
		for i, port := range t.Ports {
			var service string
			if i < len(t.Services) {
				service = t.Services[i]
			}
			u.AddPort(port, service)
		}
		vulns[t.IP].Add(t.Vulnerabilities...)
	}

	ret := make([]model.Target, 0, len(byIP))
	for ip, u := range byIP {
		u.Vulnerabilities = vulns[ip].Sorted()
		ret = append(ret, *u)
	}
	slices.SortFunc(ret, func(a, b model.Target) int {
		return compareIP(a.IP, b.IP)
	})
	return ret
}

// compareIP orders addresses numerically, anything which is not an
// address goes last in lexical order.
func compareIP(a, b string) int {
	aa, aerr := netip.ParseAddr(a)
	ba, berr := netip.ParseAddr(b)
	switch {
	case aerr == nil && berr == nil:
		return aa.Compare(ba)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}
