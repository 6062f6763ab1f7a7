package panel

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog/*.yaml
var builtinCatalog embed.FS

// Catalog holds the fixed interviewer and question pools.
type Catalog struct {
	Interviewers     []Interviewer `yaml:"interviewers"`
	Questions        []Question    `yaml:"questions"`
	CategoryPriority []string      `yaml:"category_priority"`
}

// DefaultCatalog returns the embedded pools.
func DefaultCatalog() (*Catalog, error) {
	var cat Catalog
	for _, name := range []string{"catalog/interviewers.yaml", "catalog/questions.yaml"} {
		raw, err := builtinCatalog.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := decodeInto(raw, &cat); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return &cat, cat.Validate()
}

// LoadCatalog overlays a YAML file on top of the embedded pools. Sections the
// file defines replace the built-in ones; the rest are kept.
func LoadCatalog(path string) (*Catalog, error) {
	cat, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return cat, nil
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read question pool: %w", err)
	}
	var override Catalog
	if err := decodeInto(raw, &override); err != nil {
		return nil, fmt.Errorf("decode question pool %s: %w", path, err)
	}
	if len(override.Interviewers) > 0 {
		cat.Interviewers = override.Interviewers
	}
	if len(override.Questions) > 0 {
		cat.Questions = override.Questions
	}
	if len(override.CategoryPriority) > 0 {
		cat.CategoryPriority = override.CategoryPriority
	}
	return cat, cat.Validate()
}

func decodeInto(raw []byte, cat *Catalog) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(cat)
}

func (c *Catalog) Validate() error {
	if len(c.Interviewers) == 0 {
		return ErrEmptyRoster
	}
	seen := make(map[string]struct{}, len(c.Questions)+len(c.Interviewers))
	for _, iv := range c.Interviewers {
		if strings.TrimSpace(iv.ID) == "" || strings.TrimSpace(iv.Name) == "" {
			return fmt.Errorf("interviewer %q: id and name are required", iv.ID)
		}
		if _, dup := seen["iv:"+iv.ID]; dup {
			return fmt.Errorf("duplicate interviewer id %q", iv.ID)
		}
		seen["iv:"+iv.ID] = struct{}{}
	}
	for _, q := range c.Questions {
		if strings.TrimSpace(q.ID) == "" || strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("question %q: id and text are required", q.ID)
		}
		if _, dup := seen["q:"+q.ID]; dup {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen["q:"+q.ID] = struct{}{}
	}
	return nil
}
