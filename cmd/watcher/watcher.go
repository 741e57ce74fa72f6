package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/berylliumsec/nebula-watcher/internal/diagram"
	"github.com/berylliumsec/nebula-watcher/internal/importer"
	"github.com/berylliumsec/nebula-watcher/internal/log"
	"github.com/berylliumsec/nebula-watcher/internal/netscan"
	"github.com/berylliumsec/nebula-watcher/internal/state"
	"github.com/berylliumsec/nebula-watcher/internal/watch"

	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = commandContext(ctx, "run")

	opts, err := watch.OptionsFrom(config)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, flagClearState)
	if err != nil {
		return err
	}

	w := watch.New(
		opts,
		importer.NewDir(config.Watch.Workers),
		store,
		netscan.New(ctx),
		newRenderer(),
	)
	return w.Run(ctx)
}

func doImport(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd.Context(), "import")

	targets, err := importer.NewDir(config.Watch.Workers).Import(ctx, config.ResultsDir)
	if err != nil {
		return err
	}

	if flagMerge {
		store, err := openStore(ctx, false)
		if err != nil {
			return err
		}
		if store.Merge(targets) {
			if err := store.Save(ctx); err != nil {
				return err
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(targets)
}

func doRender(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd.Context(), "render")

	targets, err := importer.NewDir(config.Watch.Workers).Import(ctx, config.ResultsDir)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, false)
	if err != nil {
		return err
	}
	store.Merge(targets)

	req := diagram.Build(config.DiagramName, targets, store.Snapshot())
	if err := newRenderer().Render(ctx, req); err != nil {
		return fmt.Errorf("rendering %s: %w", config.DiagramName, err)
	}
	slog.InfoContext(ctx, "diagram rendered", "name", config.DiagramName, "hosts", len(req.Hosts))
	return nil
}

func doClear(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd.Context(), "clear")
	if _, err := openStore(ctx, true); err != nil {
		return err
	}
	slog.InfoContext(ctx, "state cleared", "path", config.StatePath())
	return nil
}

func commandContext(ctx context.Context, name string) context.Context {
	attrs := slog.Group("watcher",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(ctx, attrs)
}

// openStore opens the configured state backend and loads the saved
// coverage. With fresh the saved coverage is removed instead.
func openStore(ctx context.Context, fresh bool) (*state.Store, error) {
	backend, err := state.Open(config)
	if err != nil {
		return nil, err
	}
	store := state.New(backend)
	if fresh {
		if err := store.Clear(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newRenderer() diagram.DOT {
	return diagram.NewDOT(".", diagram.NewAssets(config.Assets.Dir))
}
