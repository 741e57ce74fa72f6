package watch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/berylliumsec/nebula-watcher/internal/diagram"
	"github.com/berylliumsec/nebula-watcher/internal/model"
	"github.com/berylliumsec/nebula-watcher/internal/state"
	"github.com/berylliumsec/nebula-watcher/internal/watch"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ssh = model.Target{
	IP:       "10.0.0.5",
	Ports:    []string{"22"},
	Services: []string{"ssh"},
}

var web = model.Target{
	IP:              "10.0.0.7",
	Ports:           []string{"80", "443"},
	Services:        []string{"http", "https"},
	Vulnerabilities: []string{"CVE-2021-41773"},
}

func TestCorrelate(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    model.Connection
		then     []watch.Match
	}{
		{
			scenario: "match",
			given:    conn("10.0.0.5", 22),
			then: []watch.Match{
				{IP: "10.0.0.5", Port: "22", Service: "ssh", Local: model.Endpoint{IP: "10.0.0.2", Port: 41000}},
			},
		},
		{
			scenario: "port not open",
			given:    conn("10.0.0.5", 80),
		},
		{
			scenario: "unknown ip",
			given:    conn("10.0.0.6", 22),
		},
		{
			scenario: "no textual normalization",
			given:    conn("010.000.000.005", 22),
		},
		{
			scenario: "listening socket",
			given: model.Connection{
				Type:   "tcp",
				Laddr:  model.Endpoint{IP: "0.0.0.0", Port: 22},
				Status: "LISTEN",
			},
		},
		{
			scenario: "remote port zero",
			given:    conn("10.0.0.5", 0),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, ssh)
			require.NoError(t, e.watcher.Import(t.Context()))
			renders := e.renderer.Count()

			got := e.watcher.Correlate(t.Context(), []model.Connection{tc.given})
			require.Equal(t, tc.then, got)
			if len(tc.then) == 0 {
				require.Equal(t, renders, e.renderer.Count())
			}
		})
	}
}

func TestCorrelate_Dedup(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	e := newEnv(t, ssh, web)
	require.NoError(t, e.watcher.Import(ctx))
	require.Equal(t, 1, e.renderer.Count())

	conns := []model.Connection{conn("10.0.0.5", 22), conn("10.0.0.5", 22)}
	require.Len(t, e.watcher.Correlate(ctx, conns), 1)
	for range 5 {
		require.Empty(t, e.watcher.Correlate(ctx, conns))
	}
	require.Equal(t, 2, e.renderer.Count())

	st, _ := e.store.Status("10.0.0.5", "")
	require.Equal(t, model.Engaged, st)
	st, _ = e.store.Status("10.0.0.5", "22")
	require.Equal(t, model.Engaged, st)
	st, _ = e.store.Status("10.0.0.7", "")
	require.Equal(t, model.NotEngaged, st)

	last := e.renderer.Last()
	require.Equal(t, "activity", last.Name)
	require.Equal(t, model.Engaged, last.Hosts[0].Ports[0].Status)
}

func TestCorrelate_AlreadyEngaged(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	e := newEnv(t, ssh)
	require.NoError(t, e.watcher.Import(ctx))
	e.store.MarkEngaged("10.0.0.5", "22")

	// first sighting is reported, but the coverage does not change
	require.Len(t, e.watcher.Correlate(ctx, []model.Connection{conn("10.0.0.5", 22)}), 1)
	require.Equal(t, 1, e.renderer.Count())
}

func TestCorrelate_RenderFailureStillSaves(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	e := newEnv(t, ssh)
	e.renderer.err = model.ErrAssetMissing
	require.NoError(t, e.watcher.Import(ctx))

	require.Len(t, e.watcher.Correlate(ctx, []model.Connection{conn("10.0.0.5", 22)}), 1)
	require.Equal(t, 2, e.renderer.Count())

	cov, err := state.NewJSONFile(e.path).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Engaged, cov["10.0.0.5"].Ports["22"])
}

func TestRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, ssh, web)

		ctx, cancel := context.WithCancel(t.Context())
		errs := make(chan error, 1)
		go func() {
			errs <- e.watcher.Run(ctx)
		}()

		synctest.Wait()
		require.Equal(t, 1, e.importer.Calls())
		require.Equal(t, 1, e.renderer.Count())
		st, ok := e.store.Status("10.0.0.7", "443")
		require.True(t, ok)
		require.Equal(t, model.NotEngaged, st)

		e.source.Set(conn("10.0.0.5", 22))
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, 2, e.renderer.Count())
		st, _ = e.store.Status("10.0.0.5", "22")
		require.Equal(t, model.Engaged, st)

		// the connection stays open, no more transitions
		time.Sleep(10 * time.Second)
		synctest.Wait()
		require.Equal(t, 2, e.renderer.Count())
		require.Equal(t, 1, e.importer.Calls())

		time.Sleep(50 * time.Second)
		synctest.Wait()
		require.Equal(t, 2, e.importer.Calls())

		cancel()
		require.NoError(t, <-errs)
	})
}

func TestRun_ConnectionSourceFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, ssh)
	e.source.Fail(errors.New("permission denied"))

	err := e.watcher.Run(t.Context())
	require.ErrorIs(t, err, model.ErrConnectionSource)
	require.Equal(t, 1, e.renderer.Count())
}

func TestRun_LaterFailuresAreLogged(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, ssh)

		ctx, cancel := context.WithCancel(t.Context())
		errs := make(chan error, 1)
		go func() {
			errs <- e.watcher.Run(ctx)
		}()
		synctest.Wait()
		e.source.Fail(errors.New("transient"))
		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.GreaterOrEqual(t, e.source.Calls(), 4)

		cancel()
		require.NoError(t, <-errs)
	})
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()
	e := newEnv(t, ssh)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, e.watcher.Run(ctx))
}

func TestRun_Notify(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	imp := &fakeImporter{targets: []model.Target{ssh}}
	store := state.New(state.NewJSONFile(filepath.Join(t.TempDir(), "state.json")))
	w := watch.New(watch.Options{
		ResultsDir:  dir,
		DiagramName: "activity",
		Poll:        10 * time.Millisecond,
		Reimport:    time.Hour,
		Notify:      true,
	}, imp, store, &fakeSource{}, &fakeRenderer{})

	ctx, cancel := context.WithCancel(t.Context())
	errs := make(chan error, 1)
	go func() {
		errs <- w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return imp.Calls() == 1 }, 5*time.Second, 10*time.Millisecond)
	imp.Set(ssh, web)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.xml"), []byte("<nmaprun/>"), 0o644))
	require.Eventually(t, func() bool { return imp.Calls() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := store.Status("10.0.0.7", "80")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errs)
}

func TestOptionsFrom(t *testing.T) {
	t.Parallel()
	opts, err := watch.OptionsFrom(model.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, watch.Options{
		ResultsDir:  "./results",
		DiagramName: "ethical_hacking_activity",
		Poll:        watch.DefaultPoll,
		Reimport:    watch.DefaultReimport,
		Notify:      true,
	}, opts)
}

func conn(ip string, port uint32) model.Connection {
	return model.Connection{
		Type:   "tcp",
		Laddr:  model.Endpoint{IP: "10.0.0.2", Port: 41000},
		Raddr:  model.Endpoint{IP: ip, Port: port},
		Status: "ESTABLISHED",
	}
}

type env struct {
	watcher  *watch.Watcher
	store    *state.Store
	importer *fakeImporter
	source   *fakeSource
	renderer *fakeRenderer
	path     string
}

func newEnv(t *testing.T, targets ...model.Target) *env {
	t.Helper()
	e := &env{
		importer: &fakeImporter{targets: targets},
		source:   &fakeSource{},
		renderer: &fakeRenderer{},
		path:     filepath.Join(t.TempDir(), "state.json"),
	}
	e.store = state.New(state.NewJSONFile(e.path))
	e.watcher = watch.New(watch.Options{
		ResultsDir:  t.TempDir(),
		DiagramName: "activity",
	}, e.importer, e.store, e.source, e.renderer)
	return e
}

type fakeImporter struct {
	mx      sync.Mutex
	targets []model.Target
	calls   int
}

func (f *fakeImporter) Import(context.Context, string) ([]model.Target, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls++
	return append([]model.Target(nil), f.targets...), nil
}

func (f *fakeImporter) Set(targets ...model.Target) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.targets = targets
}

func (f *fakeImporter) Calls() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.calls
}

type fakeSource struct {
	mx    sync.Mutex
	conns []model.Connection
	err   error
	calls int
}

func (f *fakeSource) Connections(context.Context) ([]model.Connection, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Connection(nil), f.conns...), nil
}

func (f *fakeSource) Set(conns ...model.Connection) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.conns = conns
}

func (f *fakeSource) Fail(err error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.err = err
}

func (f *fakeSource) Calls() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.calls
}

type fakeRenderer struct {
	mx   sync.Mutex
	reqs []diagram.Request
	err  error
}

func (f *fakeRenderer) Render(_ context.Context, req diagram.Request) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeRenderer) Count() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.reqs)
}

func (f *fakeRenderer) Last() diagram.Request {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.reqs[len(f.reqs)-1]
}
