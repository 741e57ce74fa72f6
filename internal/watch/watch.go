// Package watch correlates live connections of this host with imported
// targets and keeps the coverage state and diagram up to date.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/berylliumsec/nebula-watcher/internal/diagram"
	"github.com/berylliumsec/nebula-watcher/internal/log"
	"github.com/berylliumsec/nebula-watcher/internal/model"
	"github.com/berylliumsec/nebula-watcher/internal/netscan"
	"github.com/berylliumsec/nebula-watcher/internal/state"

	"github.com/google/uuid"
)

const (
	DefaultPoll     = 500 * time.Millisecond
	DefaultReimport = 60 * time.Second
)

// Importer produces the target inventory of a results directory.
// importer.Dir is the production implementation.
type Importer interface {
	Import(ctx context.Context, dir string) ([]model.Target, error)
}

type Options struct {
	ResultsDir  string
	DiagramName string
	Poll        time.Duration
	Reimport    time.Duration
	Notify      bool
}

// OptionsFrom reads the watcher options from the configuration.
func OptionsFrom(cfg model.Config) (Options, error) {
	poll, err := cfg.Watch.PollInterval()
	if err != nil {
		return Options{}, err
	}
	reimport, err := cfg.Watch.ReimportInterval()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ResultsDir:  cfg.ResultsDir,
		DiagramName: cfg.DiagramName,
		Poll:        poll,
		Reimport:    reimport,
		Notify:      cfg.Watch.Notify,
	}, nil
}

// Match is a connection to an open port of a known target.
type Match struct {
	IP      string
	Port    string
	Service string
	Local   model.Endpoint
}

// Watcher is the correlation loop. Each Watcher has its own set of already
// seen matches, so every ip:port is acted upon once per instance.
type Watcher struct {
	opts     Options
	importer Importer
	store    *state.Store
	source   netscan.Source
	renderer diagram.Renderer

	mx         sync.Mutex
	targets    []model.Target
	index      map[string]map[string]string // ip -> port -> service
	seen       map[string]struct{}
	lastImport time.Time
}

func New(opts Options, importer Importer, store *state.Store, source netscan.Source, renderer diagram.Renderer) *Watcher {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Reimport <= 0 {
		opts.Reimport = DefaultReimport
	}
	return &Watcher{
		opts:     opts,
		importer: importer,
		store:    store,
		source:   source,
		renderer: renderer,
		index:    make(map[string]map[string]string),
		seen:     make(map[string]struct{}),
	}
}

// Run imports the results directory, renders the diagram and then polls
// connections until ctx is done. Canceling ctx is the normal way to stop and
// returns nil. A failure of the connection source on the first poll is
// returned as model.ErrConnectionSource, later failures are only logged.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("run_id", uuid.NewString()))
	slog.InfoContext(ctx, "watching for activity",
		"results_dir", w.opts.ResultsDir,
		"poll", w.opts.Poll.String(),
		"reimport", w.opts.Reimport.String(),
	)

	if _, err := w.reimport(ctx); err != nil {
		if ctx.Err() != nil {
			return w.stop(ctx)
		}
		slog.WarnContext(ctx, "import failed: no targets", "error", err)
	}
	w.update(ctx)

	var changed <-chan struct{}
	if w.opts.Notify {
		notifier, err := NewNotifier(w.opts.ResultsDir)
		if err != nil {
			slog.WarnContext(ctx, "results directory is not watched for changes", "error", err)
		} else {
			nctx, cancel := context.WithCancel(ctx)
			var wg sync.WaitGroup
			wg.Go(func() { notifier.Run(nctx) })
			defer func() {
				cancel()
				wg.Wait()
			}()
			changed = notifier.Changed()
		}
	}

	if err := w.Poll(ctx); err != nil {
		if ctx.Err() != nil {
			return w.stop(ctx)
		}
		return fmt.Errorf("%w: %w", model.ErrConnectionSource, err)
	}

	ticker := time.NewTicker(w.opts.Poll)
	defer ticker.Stop()
	var early bool
	for {
		select {
		case <-ctx.Done():
			return w.stop(ctx)
		case <-changed:
			early = true
		case <-ticker.C:
			if early || w.importDue() {
				early = false
				if err := w.Import(ctx); err != nil && ctx.Err() == nil {
					slog.WarnContext(ctx, "reimport failed", "error", err)
				}
			}
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "reading connections failed", "error", err)
			}
		}
	}
}

func (w *Watcher) stop(ctx context.Context) error {
	slog.InfoContext(ctx, "interrupted: watcher stopped", "cause", context.Cause(ctx))
	return nil
}

// Import re-reads the results directory and merges new targets into the
// coverage. The diagram and state are updated when new entries appeared.
func (w *Watcher) Import(ctx context.Context) error {
	changed, err := w.reimport(ctx)
	if changed {
		w.update(ctx)
	}
	return err
}

func (w *Watcher) reimport(ctx context.Context) (bool, error) {
	targets, err := w.importer.Import(ctx, w.opts.ResultsDir)

	w.mx.Lock()
	defer w.mx.Unlock()
	w.lastImport = time.Now()
	if err != nil {
		return false, fmt.Errorf("importing %s: %w", w.opts.ResultsDir, err)
	}

	w.targets = targets
	clear(w.index)
	for _, t := range targets {
		ports, ok := w.index[t.IP]
		if !ok {
			ports = make(map[string]string, len(t.Ports))
			w.index[t.IP] = ports
		}
		for i, port := range t.Ports {
			if _, ok := ports[port]; ok {
				continue
			}
			var service string
			if i < len(t.Services) {
				service = t.Services[i]
			}
			ports[port] = service
		}
	}
	slog.DebugContext(ctx, "targets imported", "targets", len(targets))
	return w.store.Merge(targets), nil
}

func (w *Watcher) importDue() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return time.Since(w.lastImport) >= w.opts.Reimport
}

// Poll reads the connection table once and correlates it.
func (w *Watcher) Poll(ctx context.Context) error {
	conns, err := w.source.Connections(ctx)
	if err != nil {
		return err
	}
	w.Correlate(ctx, conns)
	return nil
}

// Correlate matches the remote endpoints of conns with the known targets.
// A connection matches when its remote IP equals the target IP and its
// remote port is one of the target's open ports. Every ip:port is reported
// only the first time it is seen. The matches are marked engaged, and if that
// changed the coverage, the diagram is rendered and the state saved.
func (w *Watcher) Correlate(ctx context.Context, conns []model.Connection) []Match {
	var matches []Match

	w.mx.Lock()
	for _, c := range conns {
		if !c.Remote() {
			continue
		}
		ports, ok := w.index[c.Raddr.IP]
		if !ok {
			continue
		}
		port := model.PortString(c.Raddr.Port)
		service, ok := ports[port]
		if !ok {
			continue
		}
		key := net.JoinHostPort(c.Raddr.IP, port)
		if _, ok := w.seen[key]; ok {
			continue
		}
		w.seen[key] = struct{}{}
		matches = append(matches, Match{
			IP:      c.Raddr.IP,
			Port:    port,
			Service: service,
			Local:   c.Laddr,
		})
	}
	w.mx.Unlock()

	var changed bool
	for _, m := range matches {
		slog.InfoContext(ctx, "activity detected",
			"ip", m.IP,
			"port", m.Port,
			"service", m.Service,
			"local", net.JoinHostPort(m.Local.IP, model.PortString(m.Local.Port)),
		)
		if w.store.MarkEngaged(m.IP, m.Port) {
			changed = true
		}
	}
	if changed {
		w.update(ctx)
	}
	return matches
}

// update renders the diagram and saves the state. The state is saved even
// when rendering fails.
func (w *Watcher) update(ctx context.Context) {
	w.mx.Lock()
	targets := slices.Clone(w.targets)
	w.mx.Unlock()

	req := diagram.Build(w.opts.DiagramName, targets, w.store.Snapshot())
	if err := w.renderer.Render(ctx, req); err != nil {
		level := slog.LevelError
		if errors.Is(err, model.ErrAssetMissing) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "rendering diagram failed", "error", err)
	}
	if err := w.store.Save(ctx); err != nil {
		slog.ErrorContext(ctx, "saving state failed", "error", err)
	}
}
