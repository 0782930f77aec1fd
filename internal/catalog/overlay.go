package catalog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// CatalogFileName is the optional metadata file looked up next to the tools root.
const CatalogFileName = "tools.json"

// entrySchema validates a single catalog entry before it is applied.
const entrySchema = `{
  "type": "object",
  "properties": {
    "relpath": {"type": "string", "minLength": 1},
    "title":   {"type": "string"},
    "desc":    {"type": "string"},
    "icon":    {"type": "string"},
    "group":   {"type": "string"}
  },
  "required": ["relpath"]
}`

// overlayEntry holds optional display metadata keyed by relpath. An absent
// field leaves the discovered value untouched; the empty string is the
// "unset" sentinel carried through to the API.
type overlayEntry struct {
	Relpath string `json:"relpath"`
	Title   string `json:"title"`
	Desc    string `json:"desc"`
	Icon    string `json:"icon"`
	Group   string `json:"group"`
}

func (e overlayEntry) apply(t *Tool) {
	if e.Title != "" {
		t.Title = e.Title
	}
	if e.Desc != "" {
		t.Desc = e.Desc
	}
	if e.Icon != "" {
		t.Icon = e.Icon
	}
	if e.Group != "" {
		t.Group = e.Group
	}
}

func compileEntrySchema(logger *zap.Logger) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(entrySchema)))
	if err != nil {
		logger.Error("catalog entry schema unmarshal failed", zap.Error(err))
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("entry.json", doc); err != nil {
		logger.Error("catalog entry schema resource failed", zap.Error(err))
		return nil
	}
	sch, err := c.Compile("entry.json")
	if err != nil {
		logger.Error("catalog entry schema compile failed", zap.Error(err))
		return nil
	}
	return sch
}

// loadOverlay loads the first existing tools.json among the fixed candidate
// locations (current working directory, then the parent of the tools root).
// Malformed content is logged and treated as "no catalog" — never fatal.
func (s *Scanner) loadOverlay() map[string]overlayEntry {
	var candidates []string
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, CatalogFileName))
	}
	candidates = append(candidates, filepath.Join(filepath.Dir(s.root), CatalogFileName))

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return s.parseOverlay(path)
	}
	return nil
}

func (s *Scanner) parseOverlay(path string) map[string]overlayEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read tools catalog", zap.String("path", path), zap.Error(err))
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("malformed tools catalog, ignoring",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil
	}

	sch := compileEntrySchema(s.logger)

	entries := make(map[string]overlayEntry, len(raw))
	for i, msg := range raw {
		if sch != nil {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(msg))
			if err == nil {
				err = sch.Validate(doc)
			}
			if err != nil {
				s.logger.Warn("invalid catalog entry, skipping",
					zap.String("path", path),
					zap.Int("index", i),
					zap.Error(err),
				)
				continue
			}
		}
		var e overlayEntry
		if err := json.Unmarshal(msg, &e); err != nil || e.Relpath == "" {
			continue
		}
		entries[e.Relpath] = e
	}
	return entries
}
