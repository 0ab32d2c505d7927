package catalog

import (
	"strings"
	"time"
)

// Source is where a catalog entry can be installed from.
type Source string

const (
	SourceNPM    Source = "npm"
	SourceGitHub Source = "github"
)

// Entry is one server in the catalog. Entries are never modified after
// they are fetched; a rebuild replaces them.
type Entry struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Source        Source     `json:"source"`
	PackageName   string     `json:"packageName,omitempty"`
	Repository    string     `json:"repository,omitempty"`
	Version       string     `json:"version,omitempty"`
	Author        string     `json:"author,omitempty"`
	Homepage      string     `json:"homepage,omitempty"`
	Documentation string     `json:"documentation,omitempty"`
	Stars         int        `json:"stars,omitempty"`
	Downloads     int        `json:"downloads,omitempty"`
	LastUpdated   *time.Time `json:"lastUpdated,omitempty"`
	Verified      bool       `json:"verified"`
	Tags          []string   `json:"tags"`
}

func (e Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// score rates how well e matches the lower-cased query q. Zero means no
// match.
func (e Entry) score(q string) int {
	name := strings.ToLower(e.Name)
	id := strings.ToLower(e.ID)
	switch {
	case name == q || id == q:
		return 100
	case strings.HasPrefix(name, q) || strings.HasPrefix(id, q):
		return 75
	case strings.Contains(name, q) || strings.Contains(id, q):
		return 50
	case strings.Contains(strings.ToLower(e.Description), q):
		return 25
	}
	for _, t := range e.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return 20
		}
	}
	return 0
}

const officialPrefix = "@modelcontextprotocol/server-"

var curatedPackages = []string{
	"filesystem",
	"github",
	"postgres",
	"sqlite",
	"slack",
	"brave-search",
	"puppeteer",
	"memory",
	"fetch",
	"google-maps",
}

// Curated returns the built-in list of official servers.
func Curated() []Entry {
	out := make([]Entry, 0, len(curatedPackages))
	for _, name := range curatedPackages {
		pkg := officialPrefix + name
		out = append(out, Entry{
			ID:            pkg,
			Name:          strings.ToUpper(name[:1]) + name[1:],
			Description:   "Official MCP " + name + " server",
			Source:        SourceNPM,
			PackageName:   pkg,
			Homepage:      "https://github.com/modelcontextprotocol/servers",
			Documentation: "https://github.com/modelcontextprotocol/servers/tree/main/src/" + name,
			Verified:      true,
			Tags:          []string{"official", "mcp", name},
		})
	}
	return out
}

func isCurated(id string) bool {
	if !strings.HasPrefix(id, officialPrefix) {
		return false
	}
	name := strings.TrimPrefix(id, officialPrefix)
	for _, c := range curatedPackages {
		if c == name {
			return true
		}
	}
	return false
}
