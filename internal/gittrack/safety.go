package gittrack

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// maxBinarySize is the threshold above which an added binary file triggers
// a warning.
const maxBinarySize = 500 * 1024 // 500 KB

// Issue is one safety finding surfaced for a run's working-tree changes.
type Issue struct {
	File   string
	Kind   string // "large_binary" or "secret"
	Detail string
}

// secretPattern pairs a compiled regexp with a human description. Pattern
// strings are split so the source itself doesn't trip its own scanner.
type secretPattern struct {
	re   *regexp.Regexp
	desc string
}

var secretPatterns = []*secretPattern{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`gh` + `o_[A-Za-z0-9_]{36}`), "GitHub OAuth token"},
	{regexp.MustCompile(`github` + `_pat_[A-Za-z0-9_]{22,}`), "GitHub fine-grained PAT"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

// ScanForIssues inspects the working tree's uncommitted changes for large
// added binaries and likely-secret material, so a checkpoint never silently
// stashes something the agent shouldn't have written. It is a best-effort
// pass over the current diff, not a historical audit.
func (t *Tracker) ScanForIssues(ctx context.Context) ([]Issue, error) {
	if !t.IsGitRepo(ctx) {
		return nil, nil
	}

	var issues []Issue

	changes, err := t.FileChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan for issues: %w", err)
	}
	for _, c := range changes {
		if c.ChangeType != "added" {
			continue
		}
		full := filepath.Join(t.workingDir, c.Path)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > maxBinarySize {
			issues = append(issues, Issue{
				File:   c.Path,
				Kind:   "large_binary",
				Detail: fmt.Sprintf("new file is %s (limit %s)", humanSize(info.Size()), humanSize(maxBinarySize)),
			})
		}
		// Untracked files never show up in `git diff`, so scan their raw
		// content directly rather than a diff hunk.
		if data, err := os.ReadFile(full); err == nil {
			issues = append(issues, scanLinesForSecrets(c.Path, strings.Split(string(data), "\n"))...)
		}
	}

	diff, err := t.runGit(ctx, "diff", "HEAD")
	if err != nil {
		return issues, fmt.Errorf("diff for secret scan: %w", err)
	}
	issues = append(issues, scanDiffForSecrets(diff)...)
	return issues, nil
}

// scanDiffForSecrets scans added lines of a unified diff for secret patterns.
func scanDiffForSecrets(diff string) []Issue {
	var issues []Issue
	var currentFile string
	var lines []string
	files := map[string][]string{}
	order := []string{}

	scanner := bufio.NewScanner(strings.NewReader(diff))
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			if currentFile != "" {
				files[currentFile] = lines
			}
			currentFile = after
			lines = nil
			order = append(order, currentFile)
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		lines = append(lines, line[1:])
	}
	if currentFile != "" {
		files[currentFile] = lines
	}
	for _, f := range order {
		issues = append(issues, scanLinesForSecrets(f, files[f])...)
	}
	return issues
}

// scanLinesForSecrets scans file's lines for secret patterns, deduped by
// pattern so a file with many hits of the same kind reports once.
func scanLinesForSecrets(file string, lines []string) []Issue {
	var issues []Issue
	seen := make(map[string]bool)
	for _, line := range lines {
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(line) {
				continue
			}
			key := file + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			issues = append(issues, Issue{
				File:   file,
				Kind:   "secret",
				Detail: fmt.Sprintf("possible %s detected", sp.desc),
			})
		}
	}
	return issues
}

// humanSize formats bytes as a human-readable string.
func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.0f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
