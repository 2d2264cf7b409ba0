package watcher

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// nestedMatcher is one compiled ignore file and the directory it applies from.
type nestedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string // relative to project root, "" for the root
}

// projectMatcher is one .graphlineignore file. "full" keeps the original
// patterns including negations and gives the final answer; "any" has every
// pattern made positive and only detects whether the file has an opinion on a
// path at all.
type projectMatcher struct {
	full    *ignore.GitIgnore
	any     *ignore.GitIgnore
	baseDir string
}

// IgnoreMatcher decides which paths ingestion and watching skip. It layers
// three sources: configured patterns, every .gitignore in the tree, and
// .graphlineignore files which take precedence over both when they have an
// opinion.
type IgnoreMatcher struct {
	projectRoot  string
	extraDirs    []string
	nested       []nestedMatcher
	project      []projectMatcher
	hasNegations bool
}

const ignoreFileName = ".graphlineignore"

// NewIgnoreMatcher walks the project once and compiles every ignore file it
// finds. Invalid files are skipped rather than failing the whole walk.
func NewIgnoreMatcher(projectRoot string, extraIgnore []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{
		projectRoot: projectRoot,
		extraDirs:   extraIgnore,
	}

	err := filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}

		if info.IsDir() {
			base := filepath.Base(path)
			for _, dir := range extraIgnore {
				if base == dir {
					return filepath.SkipDir
				}
			}
			return nil
		}

		baseDir, relErr := filepath.Rel(projectRoot, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		if baseDir == "." {
			baseDir = ""
		}

		switch filepath.Base(path) {
		case ".gitignore":
			gi, err := ignore.CompileIgnoreFile(path)
			if err != nil {
				return nil
			}
			m.nested = append(m.nested, nestedMatcher{matcher: gi, baseDir: baseDir})
		case ignoreFileName:
			pm, hasNegations, err := compileProjectIgnore(path)
			if err != nil {
				return nil
			}
			pm.baseDir = baseDir
			m.project = append(m.project, pm)
			if hasNegations {
				m.hasNegations = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extraIgnore) > 0 {
		m.nested = append(m.nested, nestedMatcher{
			matcher: ignore.CompileIgnoreLines(extraIgnore...),
			baseDir: "",
		})
	}

	return m, nil
}

// ShouldIgnore reports whether a project-relative path is excluded from
// ingestion. A .graphlineignore opinion wins over .gitignore and config
// patterns in both directions.
func (m *IgnoreMatcher) ShouldIgnore(path string) bool {
	normalized := filepath.ToSlash(path)

	if result, hasOpinion := m.evalProjectIgnore(normalized); hasOpinion {
		return result
	}

	base := filepath.Base(normalized)
	for _, dir := range m.extraDirs {
		if base == dir {
			return true
		}
	}

	for _, nm := range m.nested {
		relPath := matcherRelPath(normalized, nm.baseDir)
		if relPath == "" && nm.baseDir != "" {
			continue
		}
		if nm.matcher.MatchesPath(relPath) || nm.matcher.MatchesPath(relPath+"/") {
			return true
		}
	}
	return false
}

// ShouldSkipDir reports whether a directory subtree can be pruned outright.
// When any .graphlineignore carries negation patterns, ignored directories
// must still be descended because files inside may be re-included.
func (m *IgnoreMatcher) ShouldSkipDir(path string) bool {
	if !m.ShouldIgnore(path) {
		return false
	}
	if result, hasOpinion := m.evalProjectIgnore(filepath.ToSlash(path)); hasOpinion {
		return result
	}
	return !m.hasNegations
}

// evalProjectIgnore consults .graphlineignore matchers, most specific first.
func (m *IgnoreMatcher) evalProjectIgnore(normalized string) (bool, bool) {
	var best *projectMatcher
	bestLen := -1

	for i := range m.project {
		pm := &m.project[i]
		relPath := matcherRelPath(normalized, pm.baseDir)
		if relPath == "" && pm.baseDir != "" {
			continue
		}
		if pm.any.MatchesPath(relPath) || pm.any.MatchesPath(relPath+"/") {
			if len(pm.baseDir) > bestLen {
				best = pm
				bestLen = len(pm.baseDir)
			}
		}
	}
	if best == nil {
		return false, false
	}

	relPath := matcherRelPath(normalized, best.baseDir)
	matchPlain := best.full.MatchesPath(relPath)
	matchSlash := best.full.MatchesPath(relPath + "/")
	if matchPlain && !matchSlash {
		// The directory-form check hit a negation: re-included.
		return false, true
	}
	return matchPlain || matchSlash, true
}

// matcherRelPath rebases a path onto a matcher's directory; "" means the path
// is outside its scope.
func matcherRelPath(normalized, baseDir string) string {
	if baseDir == "" {
		return normalized
	}
	normalizedBase := filepath.ToSlash(baseDir)
	if normalized == normalizedBase {
		return "."
	}
	if strings.HasPrefix(normalized, normalizedBase+"/") {
		return strings.TrimPrefix(normalized, normalizedBase+"/")
	}
	return ""
}

func compileProjectIgnore(path string) (projectMatcher, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return projectMatcher{}, false, err
	}

	var fullLines, anyLines []string
	hasNegations := false
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fullLines = append(fullLines, trimmed)
		if strings.HasPrefix(trimmed, "!") {
			hasNegations = true
			anyLines = append(anyLines, strings.TrimPrefix(trimmed, "!"))
		} else {
			anyLines = append(anyLines, trimmed)
		}
	}

	return projectMatcher{
		full: ignore.CompileIgnoreLines(fullLines...),
		any:  ignore.CompileIgnoreLines(anyLines...),
	}, hasNegations, nil
}
