package store

import "time"

// Session is a working-directory-scoped container for runs (spec.md §3
// "Session"). Grounded on repositories.py's Session dataclass.
type Session struct {
	ID         string
	Name       string
	WorkingDir string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Config     map[string]any
	Status     string
}

// Run is a single child-process invocation within a session (spec.md §3
// "Run"). Grounded on repositories.py's Run dataclass.
type Run struct {
	ID                 string
	SessionID          string
	Prompt             string
	Status             string
	Model              string
	ParentRunID        string
	BranchPointEventID string
	TokensIn           int
	TokensOut          int
	CostUSD            float64
	DurationMs         int
	FinalOutput        string
	ErrorMessage       string
	Title              string
	CreatedAt          time.Time
	StartedAt          time.Time
	CompletedAt        time.Time
}

// GitSnapshot is a point-in-time git status capture attached to a run
// (spec.md §4.D "Git Tracker"). Grounded on repositories.py's
// GitSnapshotRepository, extended with UntrackedFiles/IsGitRepo per the
// fuller Git Tracker spec section.
type GitSnapshot struct {
	ID              string
	RunID           string
	SessionID       string
	CommitHash      string
	Branch          string
	DirtyFiles      []string
	StagedFiles     []string
	UntrackedFiles  []string
	DiffStat        string
	IsGitRepo       bool
	CreatedAt       time.Time
}

// Agent is a reusable agent template used by the Pattern Executor (spec.md
// §4.I). Grounded on repositories.py's Agent dataclass.
type Agent struct {
	ID            string
	Name          string
	Role          string
	Description   string
	Personality   string
	SystemPrompt  string
	Model         string
	Tools         []string
	Constraints   map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgentRun links an Agent to a point in a pattern's execution (spec.md
// §4.I). Grounded on repositories.py's AgentRun dataclass.
type AgentRun struct {
	ID               string
	AgentID          string
	RunID            string
	ParentAgentRunID string
	Pattern          string
	RoleInPattern    string
	Sequence         int
	Iteration        int
	Status           string
	InputText        string
	OutputText       string
	Metadata         map[string]any
	StartedAt        time.Time
	CompletedAt      time.Time
	CreatedAt        time.Time
}

// AgentPattern is a saved multi-agent workflow configuration (spec.md
// §4.I). Grounded on repositories.py's AgentPattern dataclass.
type AgentPattern struct {
	ID               string
	Name             string
	Description      string
	PatternType      string
	Config           map[string]any
	HumanInvolvement string
	MaxIterations    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionSnapshot is a structured resume-point summary for an ended
// interactive run (spec.md §4.C/§4.G). Grounded on repositories.py's
// SessionSnapshot dataclass.
type SessionSnapshot struct {
	ID           string
	RunID        string
	SessionID    string
	Goal         string
	Summary      map[string]any
	ResumePrompt string
	CreatedAt    time.Time
}

// RunMemoryEntry is the structured memory extracted from a completed run
// (spec.md §4.J "Memory/Context Packer"). Grounded on repositories.py's
// RunMemoryEntry dataclass.
type RunMemoryEntry struct {
	ID           string
	RunID        string
	SessionID    string
	Objective    string
	ShortSummary string
	Memory       map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
