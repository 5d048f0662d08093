package checkpoint

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/forge/errdefs"
)

// ToolDir is the directory name used under the project and home directories.
const ToolDir = ".forge"

// StrategyKind selects where checkpoints live.
type StrategyKind string

const (
	// StrategyLocal stores under <project>/.forge/checkpoints.
	StrategyLocal StrategyKind = "local"
	// StrategyGlobal stores under ~/.forge/state/<repo>/checkpoints.
	StrategyGlobal StrategyKind = "global"
	// StrategySession stores under ~/.forge/state/<session>/checkpoints.
	StrategySession StrategyKind = "session"
	// StrategyUnifiedSession keeps exactly one checkpoint per session under
	// ~/.forge/sessions/<session>.
	StrategyUnifiedSession StrategyKind = "unified_session"
)

// Strategy resolves checkpoint paths. Resolution is a pure function of the
// strategy's fields: the same strategy and ID always give the same path.
type Strategy struct {
	Kind       StrategyKind `yaml:"kind" json:"kind"`
	ProjectDir string       `yaml:"project_dir" json:"project_dir,omitempty"`
	HomeDir    string       `yaml:"home_dir" json:"home_dir,omitempty"`
	Repo       string       `yaml:"repo" json:"repo,omitempty"`
	SessionID  string       `yaml:"session_id" json:"session_id,omitempty"`
}

func LocalStrategy(projectDir string) Strategy {
	return Strategy{Kind: StrategyLocal, ProjectDir: projectDir}
}

func GlobalStrategy(homeDir, repo string) Strategy {
	return Strategy{Kind: StrategyGlobal, HomeDir: homeDir, Repo: repo}
}

func SessionStrategy(homeDir, sessionID string) Strategy {
	return Strategy{Kind: StrategySession, HomeDir: homeDir, SessionID: sessionID}
}

func UnifiedSessionStrategy(homeDir, sessionID string) Strategy {
	return Strategy{Kind: StrategyUnifiedSession, HomeDir: homeDir, SessionID: sessionID}
}

// Validate checks that the fields the kind needs are set.
func (s Strategy) Validate() error {
	switch s.Kind {
	case StrategyLocal:
		if s.ProjectDir == "" {
			return errdefs.Config("local checkpoint strategy requires a project directory")
		}
	case StrategyGlobal:
		if s.HomeDir == "" || s.repoName() == "" {
			return errdefs.Config("global checkpoint strategy requires a home directory and repository name")
		}
	case StrategySession, StrategyUnifiedSession:
		if s.HomeDir == "" || s.SessionID == "" {
			return errdefs.Config("%s checkpoint strategy requires a home directory and session id", s.Kind)
		}
	default:
		return errdefs.Config("unknown checkpoint strategy %q", s.Kind)
	}
	return nil
}

func (s Strategy) repoName() string {
	if s.Repo != "" {
		return safeName(s.Repo)
	}
	if s.ProjectDir != "" {
		return safeName(filepath.Base(filepath.Clean(s.ProjectDir)))
	}
	return ""
}

// BaseDir is the directory holding every checkpoint of the strategy.
func (s Strategy) BaseDir() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	switch s.Kind {
	case StrategyLocal:
		return filepath.Join(s.ProjectDir, ToolDir, "checkpoints"), nil
	case StrategyGlobal:
		return filepath.Join(s.HomeDir, ToolDir, "state", s.repoName(), "checkpoints"), nil
	case StrategySession:
		return filepath.Join(s.HomeDir, ToolDir, "state", safeName(s.SessionID), "checkpoints"), nil
	default:
		return filepath.Join(s.HomeDir, ToolDir, "sessions", safeName(s.SessionID)), nil
	}
}

// Path is the canonical file holding the latest checkpoint for id. The
// unified session strategy ignores id.
func (s Strategy) Path(id string) (string, error) {
	base, err := s.BaseDir()
	if err != nil {
		return "", err
	}
	if s.Kind == StrategyUnifiedSession {
		return filepath.Join(base, "checkpoint.json"), nil
	}
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(base, id+".checkpoint.json"), nil
}

// VersionDir is the directory holding the versioned history and metadata
// for id.
func (s Strategy) VersionDir(id string) (string, error) {
	base, err := s.BaseDir()
	if err != nil {
		return "", err
	}
	if s.Kind == StrategyUnifiedSession {
		return filepath.Join(base, "checkpoints"), nil
	}
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(base, id), nil
}

func (s Strategy) String() string {
	base, err := s.BaseDir()
	if err != nil {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, base)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	return strings.Trim(unsafeName.ReplaceAllString(s, "-"), "-.")
}

func validateID(id string) error {
	if id == "" {
		return errdefs.Validation("workflow_id", "checkpoint id must not be empty")
	}
	if id != safeName(id) {
		return errdefs.Validation("workflow_id", "checkpoint id %q contains characters not allowed in file names", id)
	}
	return nil
}
