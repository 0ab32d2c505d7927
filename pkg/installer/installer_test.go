package installer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, dir, name string, args []string) ([]byte, error) {
	ret := m.Called(ctx, dir, name, args)
	out, _ := ret.Get(0).([]byte)
	return out, ret.Error(1)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestInstaller(t *testing.T, opts Options) *Installer {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.Runner == nil {
		opts.Runner = &mockRunner{}
	}
	if opts.LookPath == nil {
		opts.LookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	in, err := New(&opts)
	require.NoError(t, err)
	return in
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func waitTerminal(t *testing.T, in *Installer, id string) Progress {
	t.Helper()
	var p Progress
	require.Eventually(t, func() bool {
		var ok bool
		p, ok = in.GetInstallationProgress(id)
		return ok && p.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return p
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLocalInstallMissingPathNeverRuns(t *testing.T) {
	runner := &mockRunner{}
	in := newTestInstaller(t, Options{Runner: runner, DisableProbes: true})
	ctx := context.Background()

	v := in.ValidateInstallation(ctx, Config{Source: SourceLocal})
	assert.False(t, v.Valid)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, mcperr.KindConfiguration, v.Errors[0].Kind)
	assert.Equal(t, "path", v.Errors[0].Field)

	id, _, err := in.InstallServer(ctx, Config{Source: SourceLocal}, "local", "")
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Equal(t, mcperr.KindConfiguration, mcperr.KindOf(err))
	assert.Empty(t, in.ListInstallations())
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestValidateInstallation_StaticChecks(t *testing.T) {
	in := newTestInstaller(t, Options{DisableProbes: true})
	file := filepath.Join(t.TempDir(), "server.js")
	require.NoError(t, os.WriteFile(file, []byte("//"), 0o644))

	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"no source", Config{}, "source"},
		{"unknown source", Config{Source: "ftp"}, "source"},
		{"npm missing name", Config{Source: SourceNPM}, "packageName"},
		{"npm bad name", Config{Source: SourceNPM, PackageName: "Bad Name"}, "packageName"},
		{"npm bad version", Config{Source: SourceNPM, PackageName: "left-pad", Version: "1 2"}, "version"},
		{"github missing repo", Config{Source: SourceGitHub}, "repository"},
		{"github bad repo", Config{Source: SourceGitHub, Repository: "noslash"}, "repository"},
		{"github branch and tag", Config{Source: SourceGitHub, Repository: "acme/weather", Branch: "main", Tag: "v1"}, "tag"},
		{"github escaping subpath", Config{Source: SourceGitHub, Repository: "acme/weather", SubPath: "../x"}, "subPath"},
		{"local missing dir", Config{Source: SourceLocal, Path: filepath.Join(t.TempDir(), "nope")}, "path"},
		{"local file", Config{Source: SourceLocal, Path: file}, "path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := in.ValidateInstallation(context.Background(), tc.cfg)
			assert.False(t, v.Valid)
			require.NotEmpty(t, v.Errors)
			assert.Equal(t, tc.field, v.Errors[0].Field)
			assert.Equal(t, mcperr.KindConfiguration, v.Errors[0].Kind)
		})
	}

	v := in.ValidateInstallation(context.Background(), Config{Source: SourceNPM, PackageName: "@modelcontextprotocol/server-memory"})
	assert.True(t, v.Valid)
	assert.Equal(t, []string{"node", "npm"}, v.Dependencies)
}

func TestValidateInstallation_MissingToolIsWarning(t *testing.T) {
	in := newTestInstaller(t, Options{
		DisableProbes: true,
		LookPath:      func(string) (string, error) { return "", errors.New("not found") },
	})
	v := in.ValidateInstallation(context.Background(), Config{Source: SourceGitHub, Repository: "acme/weather"})
	assert.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0].Message, "git was not found")
}

func TestValidateInstallation_NPMRegistryProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/left-pad":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"dist-tags":{"latest":"1.3.0","next":"2.0.0-rc.1"},"versions":{"1.3.0":{},"2.0.0-rc.1":{}}}`))
		case "/flaky":
			http.Error(w, "upstream down", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	in := newTestInstaller(t, Options{NPMRegistry: srv.URL})
	ctx := context.Background()

	v := in.ValidateInstallation(ctx, Config{Source: SourceNPM, PackageName: "left-pad"})
	assert.True(t, v.Valid)

	v = in.ValidateInstallation(ctx, Config{Source: SourceNPM, PackageName: "left-pad", Version: "1.3.0"})
	assert.True(t, v.Valid)

	v = in.ValidateInstallation(ctx, Config{Source: SourceNPM, PackageName: "left-pad", Version: "next"})
	assert.True(t, v.Valid)

	v = in.ValidateInstallation(ctx, Config{Source: SourceNPM, PackageName: "left-pad", Version: "9.9.9"})
	assert.False(t, v.Valid)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, "version", v.Errors[0].Field)
	assert.Equal(t, mcperr.KindNotFound, v.Errors[0].Kind)

	v = in.ValidateInstallation(ctx, Config{Source: SourceNPM, PackageName: "no-such-package"})
	assert.False(t, v.Valid)
	assert.Equal(t, mcperr.KindNotFound, v.Errors[0].Kind)

	v = in.ValidateInstallation(ctx, Config{Source: SourceNPM, PackageName: "flaky"})
	assert.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0].Message, "502")
}

func TestValidateInstallation_GitHubProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/weather":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"full_name":"acme/weather","archived":true}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	defer srv.Close()

	in := newTestInstaller(t, Options{GitHubBaseURL: srv.URL})
	ctx := context.Background()

	v := in.ValidateInstallation(ctx, Config{Source: SourceGitHub, Repository: "acme/weather"})
	assert.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0].Message, "archived")

	v = in.ValidateInstallation(ctx, Config{Source: SourceGitHub, Repository: "acme/missing"})
	assert.False(t, v.Valid)
	assert.Equal(t, mcperr.KindNotFound, v.Errors[0].Kind)
}

func TestInstallLocal_CompletesAndPersists(t *testing.T) {
	src := t.TempDir()
	writeJSON(t, filepath.Join(src, "package.json"), map[string]any{
		"name": "weather-server",
		"bin":  map[string]string{"weather": "build/index.js"},
	})
	st := newTestStore(t)
	runner := &mockRunner{}
	in := newTestInstaller(t, Options{Runner: runner, Store: st, DisableProbes: true})
	ctx := context.Background()

	id, first, err := in.InstallServer(ctx, Config{Source: SourceLocal, Path: src}, "Weather Server", "forecasts")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "inst_"))
	assert.Equal(t, StageValidating, first.Stage)
	assert.Equal(t, 5, first.Progress)

	updates, stop, err := in.Watch(id)
	require.NoError(t, err)
	defer stop()

	last := -1
	var final Progress
	for p := range updates {
		assert.GreaterOrEqual(t, p.Progress, last, "progress went backwards")
		last = p.Progress
		final = p
	}
	assert.Equal(t, StatusCompleted, final.Status)

	p := waitTerminal(t, in, id)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, StageCompleted, p.Stage)
	assert.Equal(t, 100, p.Progress)
	require.NotNil(t, p.CompletedAt)
	require.NotNil(t, p.Result)
	assert.Equal(t, "weather-server", p.ServerID)
	assert.Equal(t, "node", p.Result.Command)
	assert.Equal(t, []string{filepath.Join(src, "build", "index.js")}, p.Result.Args)

	seen := map[Stage]bool{}
	for _, entry := range p.Logs {
		seen[entry.Stage] = true
	}
	for _, stage := range []Stage{StageValidating, StageDownloading, StageExtracting, StageInstalling, StageCompleted} {
		assert.True(t, seen[stage], "no log entry for %s", stage)
	}
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	installed, err := in.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "forecasts", installed[0].Description)
	assert.Equal(t, "node", installed[0].Definition.Command)

	rec, err := in.Uninstall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "weather-server", rec.ServerID)
	assert.DirExists(t, src)
	installed, err = in.ListInstalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestInstallNPM_UsesRunnerAndResolvesBin(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, "npm", mock.MatchedBy(func(args []string) bool {
		return len(args) > 1 && args[0] == "install" && args[1] == "@acme/mcp-weather@1.2.0"
	})).Return([]byte("added 12 packages in 2s\n"), nil).Run(func(args mock.Arguments) {
		prefix := args.String(1)
		writeJSON(t, filepath.Join(prefix, "node_modules", "@acme", "mcp-weather", "package.json"), map[string]any{
			"name": "@acme/mcp-weather",
			"bin":  map[string]string{"other": "bin/other.js", "mcp-weather": "dist/index.js"},
		})
	})

	st := newTestStore(t)
	in := newTestInstaller(t, Options{Runner: runner, Store: st, DisableProbes: true})
	ctx := context.Background()

	id, _, err := in.InstallServer(ctx, Config{Source: SourceNPM, PackageName: "@acme/mcp-weather", Version: "1.2.0"}, "", "")
	require.NoError(t, err)
	p := waitTerminal(t, in, id)
	require.Equal(t, StatusCompleted, p.Status, p.ErrorMessage)
	assert.Equal(t, "acme-mcp-weather", p.ServerID)

	want := filepath.Join(in.opts.Dir, "npm", "acme-mcp-weather", "node_modules", "@acme", "mcp-weather", "dist", "index.js")
	assert.Equal(t, []string{want}, p.Result.Args)

	var logged bool
	for _, entry := range p.Logs {
		if entry.Message == "added 12 packages in 2s" {
			logged = true
		}
	}
	assert.True(t, logged, "command output not logged")
	runner.AssertExpectations(t)

	rec, err := st.GetInstall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", rec.Version)

	_, err = in.Uninstall(ctx, id)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(in.opts.Dir, "npm", "acme-mcp-weather"))
}

func TestInstallFailureKeepsStage(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, "npm", mock.Anything).
		Return([]byte("npm ERR! 404 Not Found - left-pad@7.0.0\n"), errors.New("exit status 1"))

	in := newTestInstaller(t, Options{Runner: runner, DisableProbes: true})
	id, _, err := in.InstallServer(context.Background(), Config{Source: SourceNPM, PackageName: "left-pad", Version: "7.0.0"}, "", "")
	require.NoError(t, err)

	p := waitTerminal(t, in, id)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, StageDownloading, p.Stage)
	assert.Equal(t, 20, p.Progress)
	require.NotNil(t, p.FailedAt)
	require.NotNil(t, p.Error)
	assert.Equal(t, mcperr.KindInstallation, p.ErrorKind)
	assert.Equal(t, string(StageDownloading), p.Error.Stage)
	assert.Contains(t, p.ErrorMessage, "404 Not Found")
	assert.Nil(t, p.Result)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(in.opts.Dir, "npm", "left-pad"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInstallGitHub_ClonesThenInstallsDependencies(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, "git", mock.MatchedBy(func(args []string) bool {
		return len(args) == 7 && args[0] == "clone" && strings.Join(args[1:5], " ") == "--depth 1 --branch v2" &&
			args[5] == "https://github.com/acme/weather.git"
	})).Return([]byte("Cloning into 'acme-weather'...\n"), nil).Run(func(args mock.Arguments) {
		target := args.Get(3).([]string)[6]
		writeJSON(t, filepath.Join(target, "package.json"), map[string]any{
			"name":    "weather",
			"main":    "dist/index.js",
			"scripts": map[string]string{"build": "tsc"},
		})
	})
	runner.On("Run", mock.Anything, mock.Anything, "npm", []string{"install", "--no-audit", "--no-fund"}).Return([]byte(nil), nil)
	runner.On("Run", mock.Anything, mock.Anything, "npm", []string{"run", "build"}).Return([]byte(nil), nil)

	in := newTestInstaller(t, Options{Runner: runner, DisableProbes: true})
	id, _, err := in.InstallServer(context.Background(), Config{Source: SourceGitHub, Repository: "acme/weather", Tag: "v2"}, "Weather", "")
	require.NoError(t, err)

	p := waitTerminal(t, in, id)
	require.Equal(t, StatusCompleted, p.Status, p.ErrorMessage)
	assert.Equal(t, "node", p.Result.Command)
	assert.Equal(t, filepath.Join(in.opts.Dir, "github", "acme-weather", "dist", "index.js"), p.Result.Args[0])
	runner.AssertExpectations(t)
}

func TestCancelInstallation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, "npm", mock.Anything).Return([]byte(nil), nil).Run(func(mock.Arguments) {
		close(started)
		<-release
	})

	in := newTestInstaller(t, Options{Runner: runner, DisableProbes: true})
	id, _, err := in.InstallServer(context.Background(), Config{Source: SourceNPM, PackageName: "left-pad"}, "", "")
	require.NoError(t, err)

	<-started
	assert.True(t, in.CancelInstallation(id))
	assert.False(t, in.CancelInstallation(id))
	assert.False(t, in.CancelInstallation("inst_unknown"))
	close(release)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(in.opts.Dir, "npm", "left-pad"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 5*time.Millisecond)

	p, ok := in.GetInstallationProgress(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Equal(t, StageDownloading, p.Stage)
	assert.Equal(t, 20, p.Progress)
	require.NotNil(t, p.CancelledAt)
	for _, entry := range p.Logs {
		assert.NotEqual(t, StageExtracting, entry.Stage)
	}
}

func TestCleanupAndRetention(t *testing.T) {
	src := t.TempDir()
	writeJSON(t, filepath.Join(src, "package.json"), map[string]any{"name": "x", "main": "index.js"})

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	in := newTestInstaller(t, Options{DisableProbes: true})
	in.now = clock.Now

	id, _, err := in.InstallServer(context.Background(), Config{Source: SourceLocal, Path: src}, "x", "")
	require.NoError(t, err)
	waitTerminal(t, in, id)

	assert.Zero(t, in.PurgeExpired())
	clock.Advance(in.opts.Retention + time.Second)
	assert.Equal(t, 1, in.PurgeExpired())
	_, ok := in.GetInstallationProgress(id)
	assert.False(t, ok)

	id, _, err = in.InstallServer(context.Background(), Config{Source: SourceLocal, Path: src}, "x", "")
	require.NoError(t, err)
	waitTerminal(t, in, id)
	assert.True(t, in.CleanupInstallation(id))
	assert.False(t, in.CleanupInstallation(id))

	_, _, err = in.Watch(id)
	assert.Equal(t, mcperr.KindNotFound, mcperr.KindOf(err))
}

func TestRetentionTimerPurges(t *testing.T) {
	src := t.TempDir()
	writeJSON(t, filepath.Join(src, "package.json"), map[string]any{"name": "x", "main": "index.js"})
	in := newTestInstaller(t, Options{DisableProbes: true, Retention: 20 * time.Millisecond})

	id, _, err := in.InstallServer(context.Background(), Config{Source: SourceLocal, Path: src}, "x", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := in.GetInstallationProgress(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManifestEntry(t *testing.T) {
	cases := []struct {
		name string
		m    packageManifest
		pkg  string
		want string
	}{
		{"string bin", packageManifest{Bin: json.RawMessage(`"cli.js"`), Main: "index.js"}, "x", "cli.js"},
		{"bin named after package", packageManifest{Bin: json.RawMessage(`{"a":"a.js","server-x":"x.js"}`)}, "@scope/server-x", "x.js"},
		{"first bin by name", packageManifest{Bin: json.RawMessage(`{"b":"b.js","a":"a.js"}`)}, "other", "a.js"},
		{"main fallback", packageManifest{Main: "lib/main.js"}, "x", "lib/main.js"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.m.entry(tc.pkg))
		})
	}
}

func TestServerIDFor(t *testing.T) {
	assert.Equal(t, "weather-server", serverIDFor("Weather Server!", Config{}))
	assert.Equal(t, "acme-mcp-x", serverIDFor("", Config{Source: SourceNPM, PackageName: "@acme/mcp-x"}))
	assert.Equal(t, "server", serverIDFor("!!!", Config{Source: SourceLocal, Path: "/"}))
}
