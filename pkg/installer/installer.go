// Package installer fetches MCP servers from npm, GitHub or a local
// directory and turns them into stdio server definitions.
//
// Installations run in the background. InstallServer validates the
// configuration, records the installation and returns at once; callers
// follow it with GetInstallationProgress or Watch. Finished installations
// stay queryable for a retention period and are then purged.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v69/github"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/metrics"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

// MetadataStore persists completed installations. *store.Store implements
// it.
type MetadataStore interface {
	SaveInstall(ctx context.Context, rec store.InstallRecord) error
	GetInstall(ctx context.Context, id string) (store.InstallRecord, error)
	ListInstalls(ctx context.Context) ([]store.InstallRecord, error)
	DeleteInstall(ctx context.Context, id string) error
}

// Options configures an Installer.
type Options struct {
	// Dir is the root under which npm and GitHub sources are installed.
	Dir string
	// StageTimeout bounds each pipeline stage.
	StageTimeout time.Duration
	// Retention is how long finished installations stay queryable.
	Retention time.Duration

	NPMRegistry   string
	GitHubToken   string
	GitHubBaseURL string
	// DisableProbes skips the registry and GitHub reachability checks.
	DisableProbes bool

	HTTPClient *http.Client
	Runner     CommandRunner
	LookPath   func(string) (string, error)
	Store      MetadataStore
	Logger     *slog.Logger
}

const (
	defaultStageTimeout = 5 * time.Minute
	defaultRetention    = 5 * time.Minute
	defaultNPMRegistry  = "https://registry.npmjs.org"
	watchBuffer         = 32
	logTail             = 20
)

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "mcphub", "servers")
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaultStageTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.NPMRegistry == "" {
		opts.NPMRegistry = defaultNPMRegistry
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: probeTimeout}
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Installer runs installations and tracks their progress.
type Installer struct {
	opts       Options
	logger     *slog.Logger
	httpClient *http.Client
	github     *gogithub.Client
	now        func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	progress Progress
	cfg      Config
	dir      string
	// createdDir is set when this installation created dir, so an
	// abandoned installation may remove it.
	createdDir bool
	saved      bool
	hasPackage bool
	root       string

	watchers    map[int]chan Progress
	nextWatcher int
	purge       *time.Timer
}

// New creates an Installer.
func New(opts *Options) (*Installer, error) {
	o := opts.withDefaults()

	gh := gogithub.NewClient(o.HTTPClient)
	if o.GitHubToken != "" {
		gh = gh.WithAuthToken(o.GitHubToken)
	}
	if o.GitHubBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(o.GitHubBaseURL, "/") + "/")
		if err != nil {
			return nil, mcperr.Newf(mcperr.KindConfiguration, "installer: invalid GitHub base url %q", o.GitHubBaseURL)
		}
		gh.BaseURL = base
	}

	return &Installer{
		opts:       o,
		logger:     o.Logger,
		httpClient: o.HTTPClient,
		github:     gh,
		now:        time.Now,
		records:    make(map[string]*record),
	}, nil
}

// InstallServer validates cfg and starts the installation in the
// background. An invalid configuration is a ConfigurationError and nothing
// is started.
func (in *Installer) InstallServer(ctx context.Context, cfg Config, name, description string) (string, Progress, error) {
	v := in.ValidateInstallation(ctx, cfg)
	if !v.Valid {
		msgs := make([]string, 0, len(v.Errors))
		for _, issue := range v.Errors {
			msgs = append(msgs, issue.Message)
		}
		return "", Progress{}, &mcperr.Error{
			Kind:    mcperr.KindConfiguration,
			Op:      "install",
			Stage:   string(StageValidating),
			Message: strings.Join(msgs, "; "),
		}
	}

	suffix, err := gonanoid.New()
	if err != nil {
		return "", Progress{}, mcperr.Wrap(mcperr.KindInternal, "install", err)
	}
	id := "inst_" + suffix
	if name == "" {
		name = defaultName(cfg)
	}

	now := in.now()
	rec := &record{
		cfg: cfg,
		dir: in.installDir(cfg),
		progress: Progress{
			InstallID: id,
			ServerID:  serverIDFor(name, cfg),
			Name:      name,
			Source:    cfg.Source,
			Status:    StatusInProgress,
			Stage:     StageValidating,
			Progress:  stageProgress[StageValidating],
			Message:   "configuration validated",
			StartedAt: now,
		},
		watchers: make(map[int]chan Progress),
	}
	rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: StageValidating, Level: "info", Message: "configuration validated"})
	for _, w := range v.Warnings {
		rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: StageValidating, Level: "warn", Message: w.Message})
	}

	in.mu.Lock()
	in.records[id] = rec
	snap := rec.progress.clone()
	in.mu.Unlock()

	in.logger.Info("installation started", "install", id, "server", snap.ServerID, "source", cfg.Source)
	go in.run(id, rec, description)
	return id, snap, nil
}

// GetInstallationProgress returns a snapshot of the installation.
func (in *Installer) GetInstallationProgress(id string) (Progress, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	rec, ok := in.records[id]
	if !ok {
		return Progress{}, false
	}
	return rec.progress.clone(), true
}

// ListInstallations returns snapshots of every tracked installation,
// oldest first.
func (in *Installer) ListInstallations() []Progress {
	in.mu.Lock()
	out := make([]Progress, 0, len(in.records))
	for _, rec := range in.records {
		out = append(out, rec.progress.clone())
	}
	in.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].InstallID < out[j].InstallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelInstallation cancels an in-progress installation. It returns true
// the first time and false for unknown or finished installations. The
// pipeline stops at the next stage boundary.
func (in *Installer) CancelInstallation(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	rec, ok := in.records[id]
	if !ok || rec.progress.Status != StatusInProgress {
		return false
	}
	now := in.now()
	rec.progress.Status = StatusCancelled
	rec.progress.CancelledAt = &now
	rec.progress.Message = "installation cancelled"
	rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: rec.progress.Stage, Level: "warn", Message: "installation cancelled"})
	in.finishLocked(id, rec)
	in.logger.Info("installation cancelled", "install", id, "stage", rec.progress.Stage)
	return true
}

// CleanupInstallation forgets the installation. Watchers are closed.
func (in *Installer) CleanupInstallation(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	rec, ok := in.records[id]
	if !ok {
		return false
	}
	in.dropLocked(id, rec)
	return true
}

// PurgeExpired removes finished installations older than the retention
// period and returns how many were removed.
func (in *Installer) PurgeExpired() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	cutoff := in.now().Add(-in.opts.Retention)
	removed := 0
	for id, rec := range in.records {
		if !rec.progress.Terminal() {
			continue
		}
		if ended := rec.progress.endedAt(); !ended.After(cutoff) {
			in.dropLocked(id, rec)
			removed++
		}
	}
	return removed
}

// Watch subscribes to progress updates. The current snapshot is delivered
// first; the channel is closed once the installation finishes or cancel is
// called. A slow reader loses intermediate snapshots, never the latest.
func (in *Installer) Watch(id string) (<-chan Progress, func(), error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	rec, ok := in.records[id]
	if !ok {
		return nil, nil, mcperr.Newf(mcperr.KindNotFound, "installation %q not found", id)
	}

	ch := make(chan Progress, watchBuffer)
	ch <- rec.progress.clone()
	if rec.progress.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	key := rec.nextWatcher
	rec.nextWatcher++
	rec.watchers[key] = ch
	cancel := func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if w, ok := rec.watchers[key]; ok {
			delete(rec.watchers, key)
			close(w)
		}
	}
	return ch, cancel, nil
}

// ListInstalled returns the persisted installations, newest first.
func (in *Installer) ListInstalled(ctx context.Context) ([]store.InstallRecord, error) {
	if in.opts.Store == nil {
		return []store.InstallRecord{}, nil
	}
	return in.opts.Store.ListInstalls(ctx)
}

// Uninstall removes a persisted installation. npm and GitHub sources have
// their install directory deleted; local sources are left untouched.
func (in *Installer) Uninstall(ctx context.Context, id string) (store.InstallRecord, error) {
	if in.opts.Store == nil {
		return store.InstallRecord{}, mcperr.Newf(mcperr.KindNotFound, "installation %q not found", id)
	}
	rec, err := in.opts.Store.GetInstall(ctx, id)
	if err != nil {
		return store.InstallRecord{}, err
	}
	if Source(rec.Source) != SourceLocal && rec.InstallDir != "" {
		if !within(in.opts.Dir, rec.InstallDir) {
			return store.InstallRecord{}, mcperr.Newf(mcperr.KindInstallation, "refusing to remove %s outside %s", rec.InstallDir, in.opts.Dir)
		}
		if err := os.RemoveAll(rec.InstallDir); err != nil {
			return store.InstallRecord{}, &mcperr.Error{Kind: mcperr.KindInstallation, Op: "uninstall", ServerID: rec.ServerID, Message: "remove install directory", Err: err}
		}
	}
	if err := in.opts.Store.DeleteInstall(ctx, id); err != nil {
		return store.InstallRecord{}, err
	}
	in.logger.Info("server uninstalled", "install", id, "server", rec.ServerID)
	return rec, nil
}

// advance moves the installation to stage. It returns false when the
// installation was cancelled or forgotten and the pipeline must stop.
func (in *Installer) advance(id string, rec *record, stage Stage, msg string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.records[id] != rec || rec.progress.Status != StatusInProgress {
		return false
	}
	now := in.now()
	rec.progress.Stage = stage
	rec.progress.Progress = stageProgress[stage]
	rec.progress.Message = msg
	rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: stage, Level: "info", Message: msg})
	in.notifyLocked(rec)
	return true
}

func (in *Installer) appendLogs(rec *record, level string, lines []string) {
	if len(lines) == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	now := in.now()
	for _, line := range lines {
		rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: rec.progress.Stage, Level: level, Message: line})
	}
}

func (in *Installer) fail(id string, rec *record, stage Stage, err error) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.records[id] != rec || rec.progress.Status != StatusInProgress {
		return false
	}
	now := in.now()
	ierr := &mcperr.Error{
		Kind:     mcperr.KindInstallation,
		Op:       "install",
		ServerID: rec.progress.ServerID,
		Stage:    string(stage),
		Message:  fmt.Sprintf("%s failed: %s", stage, mcperr.Message(err)),
		Err:      err,
	}
	rec.progress.Status = StatusFailed
	rec.progress.FailedAt = &now
	rec.progress.Message = ierr.Message
	rec.progress.Error = ierr
	rec.progress.ErrorKind = ierr.Kind
	rec.progress.ErrorMessage = ierr.Message
	rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: stage, Level: "error", Message: ierr.Message})
	in.finishLocked(id, rec)
	in.logger.Warn("installation failed", "install", id, "stage", stage, "error", err)
	return true
}

func (in *Installer) complete(id string, rec *record, def mcpmgr.ServerDefinition) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.records[id] != rec || rec.progress.Status != StatusInProgress {
		return false
	}
	now := in.now()
	rec.progress.Status = StatusCompleted
	rec.progress.Stage = StageCompleted
	rec.progress.Progress = stageProgress[StageCompleted]
	rec.progress.CompletedAt = &now
	rec.progress.Result = &def
	rec.progress.Message = "installation completed"
	rec.progress.Logs = append(rec.progress.Logs, LogEntry{Time: now, Stage: StageCompleted, Level: "info", Message: "installation completed"})
	in.finishLocked(id, rec)
	in.logger.Info("installation completed", "install", id, "server", rec.progress.ServerID)
	return true
}

// finishLocked publishes a terminal snapshot, closes watchers and arms the
// retention timer.
func (in *Installer) finishLocked(id string, rec *record) {
	metrics.InstallationsTotal.WithLabelValues(string(rec.cfg.Source), string(rec.progress.Status)).Inc()
	in.notifyLocked(rec)
	for key, ch := range rec.watchers {
		delete(rec.watchers, key)
		close(ch)
	}
	rec.purge = time.AfterFunc(in.opts.Retention, func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if in.records[id] == rec {
			delete(in.records, id)
		}
	})
}

func (in *Installer) notifyLocked(rec *record) {
	snap := rec.progress.clone()
	for _, ch := range rec.watchers {
		select {
		case ch <- snap:
		default:
			// Drop the oldest queued snapshot; only this goroutine sends,
			// so the second send cannot block.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (in *Installer) dropLocked(id string, rec *record) {
	if rec.purge != nil {
		rec.purge.Stop()
	}
	for key, ch := range rec.watchers {
		delete(rec.watchers, key)
		close(ch)
	}
	delete(in.records, id)
}

func (in *Installer) installDir(cfg Config) string {
	switch cfg.Source {
	case SourceNPM:
		name := strings.ReplaceAll(strings.TrimPrefix(cfg.PackageName, "@"), "/", "-")
		return filepath.Join(in.opts.Dir, "npm", name)
	case SourceGitHub:
		return filepath.Join(in.opts.Dir, "github", strings.ReplaceAll(cfg.Repository, "/", "-"))
	default:
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return cfg.Path
		}
		return abs
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

func defaultName(cfg Config) string {
	switch cfg.Source {
	case SourceNPM:
		return cfg.PackageName
	case SourceGitHub:
		return cfg.Repository
	default:
		return filepath.Base(filepath.Clean(cfg.Path))
	}
}

// serverIDFor derives a stable server id: the lower-cased name with runs
// of other characters collapsed to '-'.
func serverIDFor(name string, cfg Config) string {
	id := slug(name)
	if id == "" {
		id = slug(defaultName(cfg))
	}
	if id == "" {
		id = "server"
	}
	return id
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

var errNoEntry = errors.New("no entry point found")
