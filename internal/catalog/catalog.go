package catalog

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DefaultGroup is assigned to scripts sitting directly in the tools root.
const DefaultGroup = "General"

// ScriptExt is the only file extension recognized as a runnable tool.
const ScriptExt = ".py"

// Directory and file names skipped during discovery. The entry script of the
// runner itself is excluded to avoid self-discovery.
var (
	excludeDirs  = map[string]struct{}{"__pycache__": {}, "tests": {}, ".venv": {}, "venv": {}}
	excludeFiles = map[string]struct{}{"__init__.py": {}, "vec-tools.py": {}}
)

// Tool is a discovered script descriptor. Relpath (slash-separated, relative
// to the tools root) is the stable identity; Title, Desc, Icon and Group may
// be overlaid from an optional tools.json catalog file.
type Tool struct {
	Name    string `json:"name"`
	Relpath string `json:"relpath"`
	Group   string `json:"group"`
	Title   string `json:"title"`
	Desc    string `json:"desc"`
	Icon    string `json:"icon"`
}

// Scanner discovers runnable tools under a root directory. It holds no state
// beyond its inputs; Discover is a pure read and safe for concurrent use.
type Scanner struct {
	root   string
	logger *zap.Logger
}

// NewScanner creates a Scanner for the given tools root.
func NewScanner(root string, logger *zap.Logger) *Scanner {
	return &Scanner{root: root, logger: logger}
}

// Root returns the configured tools root.
func (s *Scanner) Root() string {
	return s.root
}

// Discover walks the tools root and returns all recognized scripts, enriched
// with catalog metadata when a tools.json file is present. A missing or
// non-directory root yields an empty result, not an error — discovery failure
// must never break page rendering.
func (s *Scanner) Discover() []Tool {
	info, err := os.Stat(s.root)
	if err != nil || !info.IsDir() {
		return nil
	}

	overlay := s.loadOverlay()

	var tools []Tool
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("discovery walk error, skipping entry",
				zap.String("path", path),
				zap.Error(err),
			)
			return nil
		}
		if d.IsDir() {
			if _, skip := excludeDirs[d.Name()]; skip && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ScriptExt) {
			return nil
		}
		if _, skip := excludeFiles[name]; skip {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		relpath := filepath.ToSlash(rel)

		group := DefaultGroup
		if i := strings.IndexByte(relpath, '/'); i > 0 {
			group = relpath[:i]
		}

		tool := Tool{
			Name:    strings.TrimSuffix(name, ScriptExt),
			Relpath: relpath,
			Group:   group,
		}
		if entry, ok := overlay[relpath]; ok {
			entry.apply(&tool)
		}
		tools = append(tools, tool)
		return nil
	})
	if err != nil {
		s.logger.Warn("tool discovery aborted", zap.Error(err))
	}
	return tools
}

// Group is a named, ordered collection of tools for display.
type Group struct {
	Name  string `json:"name"`
	Tools []Tool `json:"tools"`
}

// GroupTools buckets tools by group. Groups are sorted by name and tools by
// relpath — filesystem walk order is not deterministic across platforms, so
// consumers get a stable ordering here.
func GroupTools(tools []Tool) []Group {
	byName := make(map[string][]Tool)
	for _, t := range tools {
		byName[t.Group] = append(byName[t.Group], t)
	}

	groups := make([]Group, 0, len(byName))
	for name, ts := range byName {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Relpath < ts[j].Relpath })
		groups = append(groups, Group{Name: name, Tools: ts})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// Relpaths extracts the identity keys of the given tools.
func Relpaths(tools []Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Relpath)
	}
	return out
}
