package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/vikashloomba/mcphub-go/pkg/httpkit"
)

// Lookup is an external source of catalog entries.
type Lookup interface {
	Name() string
	Fetch(ctx context.Context) ([]Entry, error)
}

// NPMLookup searches the npm registry.
type NPMLookup struct {
	Registry string
	// Text is the registry search text. Defaults to "keywords:mcp".
	Text   string
	Size   int
	Client *http.Client
}

func (l *NPMLookup) Name() string { return "npm" }

type npmSearchResponse struct {
	Objects []struct {
		Package struct {
			Name        string    `json:"name"`
			Version     string    `json:"version"`
			Description string    `json:"description"`
			Keywords    []string  `json:"keywords"`
			Date        time.Time `json:"date"`
			Links       struct {
				Homepage   string `json:"homepage"`
				Repository string `json:"repository"`
			} `json:"links"`
			Author struct {
				Name string `json:"name"`
			} `json:"author"`
			Publisher struct {
				Username string `json:"username"`
			} `json:"publisher"`
		} `json:"package"`
		Downloads struct {
			Monthly int `json:"monthly"`
			Weekly  int `json:"weekly"`
		} `json:"downloads"`
	} `json:"objects"`
}

func (l *NPMLookup) Fetch(ctx context.Context) ([]Entry, error) {
	registry := l.Registry
	if registry == "" {
		registry = "https://registry.npmjs.org"
	}
	text := l.Text
	if text == "" {
		text = "keywords:mcp"
	}
	size := l.Size
	if size <= 0 || size > 250 {
		size = 100
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	q := url.Values{"text": {text}, "size": {strconv.Itoa(size)}}
	endpoint := strings.TrimRight(registry, "/") + "/-/v1/search?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: npm search request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: npm search: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: npm search returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	var body npmSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("catalog: decode npm search: %w", err)
	}

	out := make([]Entry, 0, len(body.Objects))
	for _, obj := range body.Objects {
		pkg := obj.Package
		if !mcpRelated(pkg.Name, pkg.Keywords...) {
			continue
		}
		e := Entry{
			ID:            pkg.Name,
			Name:          pkg.Name,
			Description:   pkg.Description,
			Source:        SourceNPM,
			PackageName:   pkg.Name,
			Version:       pkg.Version,
			Author:        firstNonEmpty(pkg.Author.Name, pkg.Publisher.Username),
			Homepage:      pkg.Links.Homepage,
			Documentation: pkg.Links.Repository,
			Downloads:     obj.Downloads.Monthly,
			Verified:      isCurated(pkg.Name),
			Tags:          append([]string{}, pkg.Keywords...),
		}
		if !pkg.Date.IsZero() {
			d := pkg.Date
			e.LastUpdated = &d
		}
		out = append(out, e)
	}
	return out, nil
}

// GitHubLookup searches GitHub repositories.
type GitHubLookup struct {
	client  *gogithub.Client
	Query   string
	PerPage int
	Logger  *slog.Logger
}

// NewGitHubLookup builds a GitHub lookup. token and baseURL are optional.
func NewGitHubLookup(httpClient *http.Client, token, baseURL string) (*GitHubLookup, error) {
	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("catalog: invalid GitHub base url %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return &GitHubLookup{client: client, Query: "mcp-server topic:mcp", PerPage: 50}, nil
}

func (l *GitHubLookup) Name() string { return "github" }

func (l *GitHubLookup) Fetch(ctx context.Context) ([]Entry, error) {
	opts := &gogithub.SearchOptions{
		Sort:        "stars",
		ListOptions: gogithub.ListOptions{PerPage: l.PerPage},
	}
	result, resp, err := l.client.Search.Repositories(ctx, l.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("catalog: github search: %w", err)
	}
	l.checkRateLimit(resp)

	out := make([]Entry, 0, len(result.Repositories))
	for _, r := range result.Repositories {
		owner := r.GetOwner().GetLogin()
		name := r.GetName()
		if owner == "" || name == "" {
			continue
		}
		desc := r.GetDescription()
		if !mcpRelated(name+" "+desc, r.Topics...) {
			continue
		}
		full := owner + "/" + name
		e := Entry{
			ID:            full,
			Name:          name,
			Description:   desc,
			Source:        SourceGitHub,
			Repository:    full,
			Author:        owner,
			Homepage:      r.GetHTMLURL(),
			Documentation: r.GetHTMLURL(),
			Stars:         r.GetStargazersCount(),
			Tags:          mergeTags([]string{"github", "mcp"}, r.Topics),
		}
		if ts := r.GetUpdatedAt(); !ts.IsZero() {
			t := ts.Time
			e.LastUpdated = &t
		}
		out = append(out, e)
	}
	return out, nil
}

// checkRateLimit logs a warning when remaining API calls run low.
func (l *GitHubLookup) checkRateLimit(resp *gogithub.Response) {
	if resp == nil || l.Logger == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < resp.Rate.Limit/10 {
		l.Logger.Warn("github search rate limit low", "remaining", resp.Rate.Remaining, "limit", resp.Rate.Limit, "reset", resp.Rate.Reset.Time)
	}
}

func mcpRelated(text string, keywords ...string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "mcp") || strings.Contains(lower, "model context protocol") {
		return true
	}
	for _, k := range keywords {
		k = strings.ToLower(k)
		if strings.Contains(k, "mcp") || strings.Contains(k, "model-context-protocol") {
			return true
		}
	}
	return false
}

func mergeTags(base, extra []string) []string {
	out := append([]string{}, base...)
	for _, t := range extra {
		dup := false
		for _, have := range out {
			if strings.EqualFold(have, t) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
