package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/vikashloomba/mcphub-go/pkg/httpkit"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

var (
	npmNamePattern = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)
	repoPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+/[A-Za-z0-9_.-]+$`)
)

const probeTimeout = 10 * time.Second

// ValidateInstallation checks cfg without changing anything on disk.
// Reachability probes run only for configurations that pass the static
// checks.
func (in *Installer) ValidateInstallation(ctx context.Context, cfg Config) ValidationResult {
	v := ValidationResult{Errors: []Issue{}, Warnings: []Issue{}, Dependencies: []string{}}

	switch cfg.Source {
	case SourceNPM:
		v.Dependencies = []string{"node", "npm"}
		switch {
		case cfg.PackageName == "":
			v.errorf(mcperr.KindConfiguration, "packageName", "npm installs need a package name")
		case !npmNamePattern.MatchString(cfg.PackageName):
			v.errorf(mcperr.KindConfiguration, "packageName", fmt.Sprintf("invalid npm package name %q", cfg.PackageName))
		case strings.ContainsAny(cfg.Version, " \t\n"):
			v.errorf(mcperr.KindConfiguration, "version", fmt.Sprintf("invalid version %q", cfg.Version))
		case !in.opts.DisableProbes:
			in.probeNPM(ctx, cfg, &v)
		}
		in.checkTool("npm", &v)

	case SourceGitHub:
		v.Dependencies = []string{"git", "node", "npm"}
		switch {
		case cfg.Repository == "":
			v.errorf(mcperr.KindConfiguration, "repository", "github installs need a repository")
		case !repoPattern.MatchString(cfg.Repository):
			v.errorf(mcperr.KindConfiguration, "repository", fmt.Sprintf("repository %q must look like owner/name", cfg.Repository))
		case cfg.Branch != "" && cfg.Tag != "":
			v.errorf(mcperr.KindConfiguration, "tag", "branch and tag are mutually exclusive")
		case strings.Contains(cfg.SubPath, ".."):
			v.errorf(mcperr.KindConfiguration, "subPath", "subPath must stay inside the repository")
		case !in.opts.DisableProbes:
			in.probeGitHub(ctx, cfg, &v)
		}
		in.checkTool("git", &v)

	case SourceLocal:
		v.Dependencies = []string{"node"}
		if cfg.Path == "" {
			v.errorf(mcperr.KindConfiguration, "path", "local installs need a path")
			break
		}
		info, err := os.Stat(cfg.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			v.errorf(mcperr.KindConfiguration, "path", fmt.Sprintf("path %s does not exist", cfg.Path))
		case err != nil:
			v.errorf(mcperr.KindConfiguration, "path", fmt.Sprintf("path %s: %v", cfg.Path, err))
		case !info.IsDir():
			v.errorf(mcperr.KindConfiguration, "path", fmt.Sprintf("path %s is not a directory", cfg.Path))
		}

	case "":
		v.errorf(mcperr.KindConfiguration, "source", "missing installation source")
	default:
		v.errorf(mcperr.KindConfiguration, "source", fmt.Sprintf("unsupported installation source %q", cfg.Source))
	}

	v.Valid = len(v.Errors) == 0
	return v
}

func (in *Installer) checkTool(name string, v *ValidationResult) {
	if _, err := in.opts.LookPath(name); err != nil {
		v.warn("", fmt.Sprintf("%s was not found on PATH", name))
	}
}

// npmDocument is the subset of a registry packument we look at.
type npmDocument struct {
	DistTags map[string]string          `json:"dist-tags"`
	Versions map[string]json.RawMessage `json:"versions"`
}

func (in *Installer) probeNPM(ctx context.Context, cfg Config, v *ValidationResult) {
	registry := cfg.Registry
	if registry == "" {
		registry = in.opts.NPMRegistry
	}
	name := cfg.PackageName
	if strings.HasPrefix(name, "@") {
		name = strings.Replace(name, "/", "%2f", 1)
	}
	url := strings.TrimRight(registry, "/") + "/" + name

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		v.warn("registry", fmt.Sprintf("invalid registry url: %v", err))
		return
	}
	req.Header.Set("Accept", "application/vnd.npm.install-v1+json")
	resp, err := in.httpClient.Do(req)
	if err != nil {
		v.warn("packageName", fmt.Sprintf("could not reach npm registry: %v", err))
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		v.errorf(mcperr.KindNotFound, "packageName", fmt.Sprintf("package %s not found in registry", cfg.PackageName))
		return
	case resp.StatusCode >= 300:
		v.warn("packageName", fmt.Sprintf("npm registry returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256)))
		return
	}

	version := cfg.Version
	if version == "" || version == "latest" {
		return
	}
	var doc npmDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		v.warn("version", fmt.Sprintf("could not read package document: %v", err))
		return
	}
	if _, ok := doc.Versions[version]; ok {
		return
	}
	if _, ok := doc.DistTags[version]; ok {
		return
	}
	// Ranges like ^1.2.0 are resolved by npm itself.
	if strings.ContainsAny(version, "^~<>=*x| ") {
		return
	}
	v.errorf(mcperr.KindNotFound, "version", fmt.Sprintf("version %s of %s is not published", version, cfg.PackageName))
}

func (in *Installer) probeGitHub(ctx context.Context, cfg Config, v *ValidationResult) {
	owner, repo, _ := strings.Cut(cfg.Repository, "/")

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	r, _, err := in.github.Repositories.Get(ctx, owner, repo)
	if err != nil {
		var ghErr *gogithub.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			v.errorf(mcperr.KindNotFound, "repository", fmt.Sprintf("repository %s not found", cfg.Repository))
			return
		}
		v.warn("repository", fmt.Sprintf("could not reach GitHub: %v", err))
		return
	}
	if r.GetArchived() {
		v.warn("repository", fmt.Sprintf("repository %s is archived", cfg.Repository))
	}
}
