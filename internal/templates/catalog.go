// Package templates maps outbound message content to pre-approved provider templates.
package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
)

// ErrNoTemplateMapping is returned when no approved template fits a message.
var ErrNoTemplateMapping = errors.New("templates: no template mapping")

// DefaultLanguage is used for entries that do not name a language code.
const DefaultLanguage = "en"

// Template is one approved provider template.
type Template struct {
	Name         string `json:"name"`
	Language     string `json:"language"`
	SemanticType string `json:"semantic_type"`
	// Content is the message text the template was approved for.
	Content string `json:"content"`
}

// Ref returns the stored reference for this template.
func (t Template) Ref() string {
	return t.Name + ":" + t.Language
}

// ParseRef splits a stored "name:language" reference.
func ParseRef(ref string) (name, language string) {
	name, language, ok := strings.Cut(ref, ":")
	if !ok || language == "" {
		language = DefaultLanguage
	}
	return name, language
}

type pattern struct {
	normalized string
	tmpl       Template
}

// Catalog resolves semantic type and content to a template variant.
// Lookups are deterministic: exact content, then the longest normalized
// pattern contained in the content, then the semantic type default.
type Catalog struct {
	exact    map[string][]Template
	patterns []pattern
	defaults map[string]Template
	byName   map[string]Template
}

// File is the JSON layout accepted by LoadFile.
type File struct {
	Templates []Template        `json:"templates"`
	Defaults  map[string]string `json:"defaults"`
}

func NewCatalog(entries []Template, defaults map[string]string) (*Catalog, error) {
	c := &Catalog{
		exact:    make(map[string][]Template),
		defaults: make(map[string]Template),
		byName:   make(map[string]Template),
	}
	for i, t := range entries {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("templates: entry %d: name required", i)
		}
		if t.Language == "" {
			t.Language = DefaultLanguage
		}
		t.SemanticType = strings.ToLower(strings.TrimSpace(t.SemanticType))
		if _, ok := c.byName[t.Name]; !ok {
			c.byName[t.Name] = t
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		c.exact[content] = append(c.exact[content], t)
		if n := normalize(content); n != "" {
			c.patterns = append(c.patterns, pattern{normalized: n, tmpl: t})
		}
	}
	sort.SliceStable(c.patterns, func(i, j int) bool {
		return len(c.patterns[i].normalized) > len(c.patterns[j].normalized)
	})
	for semantic, name := range defaults {
		t, ok := c.byName[name]
		if !ok {
			return nil, fmt.Errorf("templates: default for %q references unknown template %q", semantic, name)
		}
		c.defaults[strings.ToLower(strings.TrimSpace(semantic))] = t
	}
	return c, nil
}

// LoadFile reads a catalog from a JSON file.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read catalog: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("templates: decode catalog: %w", err)
	}
	return NewCatalog(f.Templates, f.Defaults)
}

// Lookup returns the template for a message, or ErrNoTemplateMapping.
func (c *Catalog) Lookup(semanticType, content string) (Template, error) {
	semantic := strings.ToLower(strings.TrimSpace(semanticType))
	if c != nil {
		for _, t := range c.exact[strings.TrimSpace(content)] {
			if matchesType(t, semantic) {
				return t, nil
			}
		}
		if n := normalize(content); n != "" {
			for _, p := range c.patterns {
				if matchesType(p.tmpl, semantic) && strings.Contains(n, p.normalized) {
					return p.tmpl, nil
				}
			}
		}
		if t, ok := c.defaults[semantic]; ok {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w for semantic type %q", ErrNoTemplateMapping, semanticType)
}

func matchesType(t Template, semantic string) bool {
	return t.SemanticType == "" || semantic == "" || t.SemanticType == semantic
}

// normalize lowercases and keeps letters and digits, collapsing everything
// else (emoji, punctuation, whitespace runs) to single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}
