package git

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// logFormat separates records with RS (0x1e) and fields with US (0x1f).
const logFormat = "%x1e%H%x1f%s%x1f%an <%ae>%x1f%aI"

// ChangeKind is the kind of modification made to a path.
type ChangeKind string

const (
	Added     ChangeKind = "added"
	Modified  ChangeKind = "modified"
	Deleted   ChangeKind = "deleted"
	Renamed   ChangeKind = "renamed"
	Untracked ChangeKind = "untracked"
)

// FileChange is one changed path.
type FileChange struct {
	Path     string     `json:"path"`
	OrigPath string     `json:"orig_path,omitempty"`
	Kind     ChangeKind `json:"kind"`
}

// Status is the parsed output of git status --porcelain.
type Status struct {
	Changes []FileChange `json:"changes"`
}

// IsClean reports whether the working tree has no changes.
func (s Status) IsClean() bool {
	return len(s.Changes) == 0
}

// Paths returns the sorted paths with the given kinds.
func (s Status) Paths(kinds ...ChangeKind) []string {
	want := map[ChangeKind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var out []string
	for _, c := range s.Changes {
		if want[c.Kind] {
			out = append(out, c.Path)
		}
	}
	sort.Strings(out)
	return out
}

// ParseStatus parses porcelain v1 status output.
func ParseStatus(out string) Status {
	var status Status
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		path := unquote(line[3:])
		change := FileChange{Path: path}
		switch {
		case x == '?' && y == '?':
			change.Kind = Untracked
		case x == 'R' || y == 'R':
			change.Kind = Renamed
			if from, to, ok := strings.Cut(path, " -> "); ok {
				change.OrigPath = unquote(from)
				change.Path = unquote(to)
			}
		case x == 'A' || y == 'A':
			change.Kind = Added
		case x == 'D' || y == 'D':
			change.Kind = Deleted
		default:
			change.Kind = Modified
		}
		status.Changes = append(status.Changes, change)
	}
	return status
}

// ParseNameStatus parses git diff --name-status output.
func ParseNameStatus(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		change := FileChange{Path: fields[len(fields)-1]}
		switch fields[0][0] {
		case 'A':
			change.Kind = Added
		case 'D':
			change.Kind = Deleted
		case 'R':
			change.Kind = Renamed
			if len(fields) == 3 {
				change.OrigPath = fields[1]
			}
		default:
			change.Kind = Modified
		}
		changes = append(changes, change)
	}
	return changes
}

// Commit is one parsed log entry.
type Commit struct {
	Hash       string    `json:"hash"`
	Subject    string    `json:"subject"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
	Files      []string  `json:"files"`
	Insertions int       `json:"insertions"`
	Deletions  int       `json:"deletions"`
}

// ParseLog parses output produced with logFormat and --numstat. Commits are
// returned oldest first.
func ParseLog(out string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(out, "\x1e") {
		record = strings.Trim(record, "\n")
		if record == "" {
			continue
		}
		lines := strings.Split(record, "\n")
		fields := strings.Split(lines[0], "\x1f")
		if len(fields) < 4 {
			continue
		}
		commit := Commit{
			Hash:    fields[0],
			Subject: fields[1],
			Author:  fields[2],
		}
		if ts, err := time.Parse(time.RFC3339, fields[3]); err == nil {
			commit.Timestamp = ts
		}
		for _, line := range lines[1:] {
			parts := strings.SplitN(line, "\t", 3)
			if len(parts) != 3 {
				continue
			}
			if n, err := strconv.Atoi(parts[0]); err == nil {
				commit.Insertions += n
			}
			if n, err := strconv.Atoi(parts[1]); err == nil {
				commit.Deletions += n
			}
			commit.Files = append(commit.Files, numstatPath(parts[2]))
		}
		commits = append(commits, commit)
	}
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits
}

// numstatPath resolves rename notation such as "dir/{a => b}.go" to the new path.
func numstatPath(p string) string {
	if open := strings.Index(p, "{"); open >= 0 {
		if close := strings.Index(p[open:], "}"); close >= 0 {
			inner := p[open+1 : open+close]
			if _, to, ok := strings.Cut(inner, " => "); ok {
				return strings.ReplaceAll(p[:open]+to+p[open+close+1:], "//", "/")
			}
		}
	}
	if _, to, ok := strings.Cut(p, " => "); ok {
		return to
	}
	return p
}

// WorktreeInfo is one entry of git worktree list --porcelain.
type WorktreeInfo struct {
	Path     string `json:"path"`
	Head     string `json:"head"`
	Branch   string `json:"branch"`
	Detached bool   `json:"detached"`
	Bare     bool   `json:"bare"`
}

// ParseWorktreeList parses git worktree list --porcelain output.
func ParseWorktreeList(out string) []WorktreeInfo {
	var list []WorktreeInfo
	var cur *WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			list = append(list, WorktreeInfo{Path: value})
			cur = &list[len(list)-1]
		case "HEAD":
			if cur != nil {
				cur.Head = value
			}
		case "branch":
			if cur != nil {
				cur.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "detached":
			if cur != nil {
				cur.Detached = true
			}
		case "bare":
			if cur != nil {
				cur.Bare = true
			}
		}
	}
	return list
}

func unquote(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if s, err := strconv.Unquote(p); err == nil {
			return s
		}
	}
	return p
}
