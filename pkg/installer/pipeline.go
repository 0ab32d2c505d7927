package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

type step struct {
	stage Stage
	msg   string
	fn    func(ctx context.Context) error
}

// run drives one installation through its stages. Cancellation is
// checked at every stage boundary.
func (in *Installer) run(id string, rec *record, description string) {
	var def mcpmgr.ServerDefinition

	steps := []step{
		{StageDownloading, downloadMessage(rec.cfg), func(ctx context.Context) error {
			return in.download(ctx, rec)
		}},
		{StageExtracting, "locating entry point", func(ctx context.Context) error {
			var err error
			def, err = in.resolve(rec)
			return err
		}},
		{StageInstalling, "installing dependencies", func(ctx context.Context) error {
			if err := in.installDependencies(ctx, rec, def); err != nil {
				return err
			}
			def.Description = description
			return in.saveMetadata(ctx, id, rec, def)
		}},
	}

	for _, s := range steps {
		if !in.advance(id, rec, s.stage, s.msg) {
			in.abandon(id, rec)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), in.opts.StageTimeout)
		err := s.fn(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", in.opts.StageTimeout, err)
		}
		cancel()
		if err != nil {
			in.fail(id, rec, s.stage, err)
			in.abandon(id, rec)
			return
		}
	}

	if !in.complete(id, rec, def) {
		in.abandon(id, rec)
	}
}

func downloadMessage(cfg Config) string {
	switch cfg.Source {
	case SourceNPM:
		return "downloading " + packageSpec(cfg)
	case SourceGitHub:
		return "cloning " + cfg.Repository
	default:
		return "using local directory " + cfg.Path
	}
}

func packageSpec(cfg Config) string {
	version := cfg.Version
	if version == "" {
		version = "latest"
	}
	return cfg.PackageName + "@" + version
}

func (in *Installer) download(ctx context.Context, rec *record) error {
	cfg := rec.cfg
	switch cfg.Source {
	case SourceNPM:
		if _, err := os.Stat(rec.dir); errors.Is(err, os.ErrNotExist) {
			rec.createdDir = true
		}
		if err := os.MkdirAll(rec.dir, 0o755); err != nil {
			return fmt.Errorf("create install directory: %w", err)
		}
		args := []string{"install", packageSpec(cfg), "--prefix", rec.dir, "--no-audit", "--no-fund"}
		if cfg.Registry != "" {
			args = append(args, "--registry", cfg.Registry)
		}
		return in.runTool(ctx, rec, rec.dir, "npm", args)

	case SourceGitHub:
		if err := os.RemoveAll(rec.dir); err != nil {
			return fmt.Errorf("clear install directory: %w", err)
		}
		parent := filepath.Dir(rec.dir)
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create install directory: %w", err)
		}
		rec.createdDir = true
		args := []string{"clone", "--depth", "1"}
		if ref := firstNonEmpty(cfg.Branch, cfg.Tag); ref != "" {
			args = append(args, "--branch", ref)
		}
		args = append(args, "https://github.com/"+cfg.Repository+".git", rec.dir)
		return in.runTool(ctx, rec, parent, "git", args)

	default:
		info, err := os.Stat(rec.dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", rec.dir)
		}
		return nil
	}
}

func (in *Installer) runTool(ctx context.Context, rec *record, dir, name string, args []string) error {
	out, err := in.opts.Runner.Run(ctx, dir, name, args)
	lines := outputLines(out, logTail)
	if err != nil {
		in.appendLogs(rec, "error", lines)
		if len(lines) > 0 {
			return fmt.Errorf("%s %s: %w: %s", name, args[0], err, lines[len(lines)-1])
		}
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	in.appendLogs(rec, "debug", lines)
	return nil
}

// packageManifest is the part of package.json used to find the entry
// point.
type packageManifest struct {
	Name    string            `json:"name"`
	Main    string            `json:"main"`
	Bin     json.RawMessage   `json:"bin"`
	Scripts map[string]string `json:"scripts"`
}

func (m packageManifest) entry(pkgName string) string {
	if len(m.Bin) > 0 {
		var single string
		if json.Unmarshal(m.Bin, &single) == nil && single != "" {
			return single
		}
		var many map[string]string
		if json.Unmarshal(m.Bin, &many) == nil && len(many) > 0 {
			base := pkgName
			if i := strings.LastIndex(base, "/"); i >= 0 {
				base = base[i+1:]
			}
			if e, ok := many[base]; ok {
				return e
			}
			keys := make([]string, 0, len(many))
			for k := range many {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return many[keys[0]]
		}
	}
	return m.Main
}

func readManifest(root string) (packageManifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if errors.Is(err, os.ErrNotExist) {
		return packageManifest{}, false, nil
	}
	if err != nil {
		return packageManifest{}, false, err
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return packageManifest{}, false, fmt.Errorf("parse package.json: %w", err)
	}
	return m, true, nil
}

// resolve finds the package root and its entry point and builds the stdio
// definition that runs it.
func (in *Installer) resolve(rec *record) (mcpmgr.ServerDefinition, error) {
	cfg := rec.cfg
	root := rec.dir
	switch cfg.Source {
	case SourceNPM:
		root = filepath.Join(rec.dir, "node_modules", filepath.FromSlash(cfg.PackageName))
	case SourceGitHub:
		if cfg.SubPath != "" {
			root = filepath.Join(rec.dir, filepath.FromSlash(cfg.SubPath))
		}
	}
	rec.root = root

	manifest, hasManifest, err := readManifest(root)
	if err != nil {
		return mcpmgr.ServerDefinition{}, err
	}
	rec.hasPackage = hasManifest

	entry := cfg.Entry
	if entry == "" && hasManifest {
		entry = manifest.entry(firstNonEmpty(manifest.Name, cfg.PackageName))
	}
	if entry == "" {
		for _, candidate := range []string{"dist/index.js", "build/index.js", "index.js"} {
			if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
				entry = candidate
				break
			}
		}
	}

	def := mcpmgr.ServerDefinition{
		ID:        rec.progress.ServerID,
		Name:      rec.progress.Name,
		Transport: mcpmgr.TransportStdio,
		Env:       cfg.Env,
		Cwd:       root,
	}
	switch {
	case entry != "":
		path := filepath.Join(root, filepath.FromSlash(entry))
		switch strings.ToLower(filepath.Ext(path)) {
		case ".js", ".mjs", ".cjs", "":
			def.Command = "node"
			def.Args = []string{path}
		default:
			def.Command = path
		}
		in.appendLogs(rec, "info", []string{"entry point " + path})
	case cfg.Source == SourceNPM:
		def.Command = "npx"
		def.Args = []string{"--prefix", rec.dir, "-y", packageSpec(cfg)}
		in.appendLogs(rec, "info", []string{"no entry point in package.json, falling back to npx"})
	default:
		return mcpmgr.ServerDefinition{}, fmt.Errorf("%w in %s", errNoEntry, root)
	}
	return def, nil
}

func (in *Installer) installDependencies(ctx context.Context, rec *record, def mcpmgr.ServerDefinition) error {
	if rec.cfg.Source != SourceGitHub || !rec.hasPackage {
		in.appendLogs(rec, "info", []string{"no dependencies to install"})
		return nil
	}
	if err := in.runTool(ctx, rec, rec.root, "npm", []string{"install", "--no-audit", "--no-fund"}); err != nil {
		return err
	}
	manifest, _, err := readManifest(rec.root)
	if err != nil {
		return err
	}
	if _, ok := manifest.Scripts["build"]; ok && len(def.Args) > 0 {
		if _, err := os.Stat(def.Args[0]); errors.Is(err, os.ErrNotExist) {
			return in.runTool(ctx, rec, rec.root, "npm", []string{"run", "build"})
		}
	}
	return nil
}

func (in *Installer) saveMetadata(ctx context.Context, id string, rec *record, def mcpmgr.ServerDefinition) error {
	if in.opts.Store == nil {
		return nil
	}
	err := in.opts.Store.SaveInstall(ctx, store.InstallRecord{
		ID:          id,
		ServerID:    rec.progress.ServerID,
		Name:        rec.progress.Name,
		Description: def.Description,
		Source:      string(rec.cfg.Source),
		Package:     firstNonEmpty(rec.cfg.PackageName, rec.cfg.Repository),
		Version:     firstNonEmpty(rec.cfg.Version, rec.cfg.Tag, rec.cfg.Branch),
		InstallDir:  rec.dir,
		Definition:  def,
		InstalledAt: in.now(),
	})
	if err != nil {
		return fmt.Errorf("save install metadata: %w", err)
	}
	rec.saved = true
	return nil
}

// abandon removes what a cancelled or failed installation left behind.
func (in *Installer) abandon(id string, rec *record) {
	if rec.saved && in.opts.Store != nil {
		if err := in.opts.Store.DeleteInstall(context.Background(), id); err != nil {
			in.logger.Warn("remove install metadata", "install", id, "error", err)
		}
	}
	if rec.createdDir && rec.cfg.Source != SourceLocal && within(in.opts.Dir, rec.dir) {
		if err := os.RemoveAll(rec.dir); err != nil {
			in.logger.Warn("remove install directory", "install", id, "dir", rec.dir, "error", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
