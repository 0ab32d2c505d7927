package installer

import (
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

// Source is where an installation fetches the server from.
type Source string

const (
	SourceNPM    Source = "npm"
	SourceGitHub Source = "github"
	SourceLocal  Source = "local"
)

// Config describes one installation. Only the fields of the selected
// Source are consulted.
type Config struct {
	Source Source `json:"source" yaml:"source"`

	// npm
	PackageName string `json:"packageName,omitempty" yaml:"package_name,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Registry    string `json:"registry,omitempty" yaml:"registry,omitempty"`

	// github
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
	Branch     string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Tag        string `json:"tag,omitempty" yaml:"tag,omitempty"`
	SubPath    string `json:"subPath,omitempty" yaml:"sub_path,omitempty"`

	// local
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Entry overrides entry point detection. Relative to the package root.
	Entry string            `json:"entry,omitempty" yaml:"entry,omitempty"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Status is the overall state of an installation.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Stage is a step of the installation pipeline. Stages only move forward.
type Stage string

const (
	StageValidating  Stage = "validating"
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageInstalling  Stage = "installing"
	StageCompleted   Stage = "completed"
)

var stageProgress = map[Stage]int{
	StageValidating:  5,
	StageDownloading: 20,
	StageExtracting:  50,
	StageInstalling:  75,
	StageCompleted:   100,
}

// LogEntry is one line of an installation log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Stage   Stage     `json:"stage"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Progress is a snapshot of an installation.
type Progress struct {
	InstallID   string     `json:"installId"`
	ServerID    string     `json:"serverId"`
	Name        string     `json:"name"`
	Source      Source     `json:"source"`
	Status      Status     `json:"status"`
	Stage       Stage      `json:"stage"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	Logs        []LogEntry `json:"logs"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	Error        *mcperr.Error `json:"-"`
	ErrorKind    mcperr.Kind   `json:"errorKind,omitempty"`
	ErrorMessage string        `json:"error,omitempty"`

	// Result is set once the installation completes.
	Result *mcpmgr.ServerDefinition `json:"result,omitempty"`
}

// Terminal reports whether the installation has finished one way or another.
func (p Progress) Terminal() bool {
	return p.Status != StatusInProgress
}

func (p Progress) endedAt() time.Time {
	switch {
	case p.CompletedAt != nil:
		return *p.CompletedAt
	case p.FailedAt != nil:
		return *p.FailedAt
	case p.CancelledAt != nil:
		return *p.CancelledAt
	}
	return time.Time{}
}

func (p Progress) clone() Progress {
	out := p
	out.Logs = append([]LogEntry(nil), p.Logs...)
	if p.Result != nil {
		def := *p.Result
		def.Args = append([]string(nil), p.Result.Args...)
		out.Result = &def
	}
	return out
}

// Issue is a single validation finding.
type Issue struct {
	Kind    mcperr.Kind `json:"kind"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
}

// ValidationResult is the outcome of ValidateInstallation. Warnings never
// make a configuration invalid.
type ValidationResult struct {
	Valid        bool     `json:"valid"`
	Errors       []Issue  `json:"errors"`
	Warnings     []Issue  `json:"warnings"`
	Dependencies []string `json:"dependencies"`
}

func (v *ValidationResult) errorf(kind mcperr.Kind, field, msg string) {
	v.Errors = append(v.Errors, Issue{Kind: kind, Field: field, Message: msg})
}

func (v *ValidationResult) warn(field, msg string) {
	v.Warnings = append(v.Warnings, Issue{Kind: mcperr.KindInstallation, Field: field, Message: msg})
}
