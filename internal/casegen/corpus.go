// internal/casegen/corpus.go
package casegen

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// corpusVersion is written into every saved corpus file.
const corpusVersion = 1

// corpusFile is the on-disk layout. A bare sequence of cases is also accepted.
type corpusFile struct {
	Version int          `yaml:"version"`
	Cases   []corpusCase `yaml:"cases"`
}

// corpusCase mirrors schemas.Case with optional flags so that an omitted
// needs_browser or selected defaults to true.
type corpusCase struct {
	ID           string            `yaml:"id,omitempty"`
	Title        string            `yaml:"title"`
	Module       string            `yaml:"module,omitempty"`
	Priority     string            `yaml:"priority,omitempty"`
	Steps        []string          `yaml:"steps"`
	Expected     string            `yaml:"expected"`
	TestData     map[string]string `yaml:"test_data,omitempty"`
	NeedsBrowser *bool             `yaml:"needs_browser,omitempty"`
	Selected     *bool             `yaml:"selected,omitempty"`
}

// LoadCorpus reads a YAML case corpus. A missing file yields an empty corpus.
func LoadCorpus(path string) ([]schemas.Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read case corpus: %w", err)
	}
	return ParseCorpus(data)
}

// ParseCorpus decodes corpus YAML.
func ParseCorpus(data []byte) ([]schemas.Case, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse case corpus: %w", err)
	}

	var raw []corpusCase
	if len(doc.Content) > 0 && doc.Content[0].Kind == yaml.SequenceNode {
		if err := doc.Content[0].Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode case list: %w", err)
		}
	} else {
		var file corpusFile
		if err := doc.Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to decode case corpus: %w", err)
		}
		if file.Version > corpusVersion {
			return nil, fmt.Errorf("unsupported case corpus version %d", file.Version)
		}
		raw = file.Cases
	}

	cases := make([]schemas.Case, 0, len(raw))
	ids := make(map[string]bool, len(raw))
	for i, rc := range raw {
		c, err := rc.toCase()
		if err != nil {
			return nil, fmt.Errorf("case %d: %w", i+1, err)
		}
		if ids[c.ID] {
			return nil, fmt.Errorf("case %d: duplicate id %q", i+1, c.ID)
		}
		ids[c.ID] = true
		cases = append(cases, c)
	}
	return cases, nil
}

// SaveCorpus writes cases to path, replacing the file atomically.
func SaveCorpus(path string, cases []schemas.Case) error {
	data, err := MarshalCorpus(cases)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create corpus directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".corpus-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp corpus file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write corpus: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write corpus: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace corpus file: %w", err)
	}
	return nil
}

// MarshalCorpus encodes cases in the versioned corpus layout.
func MarshalCorpus(cases []schemas.Case) ([]byte, error) {
	file := corpusFile{Version: corpusVersion, Cases: make([]corpusCase, len(cases))}
	for i, c := range cases {
		file.Cases[i] = fromCase(c)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("failed to encode case corpus: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode case corpus: %w", err)
	}
	return buf.Bytes(), nil
}

// Merge appends incoming cases whose IDs and titles are not already present.
func Merge(existing, incoming []schemas.Case) (merged []schemas.Case, added int) {
	merged = append([]schemas.Case(nil), existing...)
	ids := make(map[string]bool, len(existing))
	titles := make(map[string]bool, len(existing))
	for _, c := range existing {
		ids[c.ID] = true
		titles[titleKey(c.Title)] = true
	}
	for _, c := range incoming {
		if ids[c.ID] || titles[titleKey(c.Title)] {
			continue
		}
		ids[c.ID] = true
		titles[titleKey(c.Title)] = true
		merged = append(merged, c.Clone())
		added++
	}
	return merged, added
}

func (rc corpusCase) toCase() (schemas.Case, error) {
	if strings.TrimSpace(rc.Title) == "" {
		return schemas.Case{}, fmt.Errorf("title is required")
	}
	if strings.TrimSpace(rc.Expected) == "" {
		return schemas.Case{}, fmt.Errorf("expected is required for %q", rc.Title)
	}
	c := schemas.Case{
		ID:           rc.ID,
		Title:        strings.TrimSpace(rc.Title),
		Module:       rc.Module,
		Steps:        append([]string(nil), rc.Steps...),
		Expected:     rc.Expected,
		Priority:     normalizePriority(rc.Priority),
		TestData:     rc.TestData,
		NeedsBrowser: rc.NeedsBrowser == nil || *rc.NeedsBrowser,
		Selected:     rc.Selected == nil || *rc.Selected,
	}
	if c.ID == "" {
		c.ID = "TC-" + strings.ToUpper(uuid.NewString()[:8])
	}
	return c, nil
}

func fromCase(c schemas.Case) corpusCase {
	needs, selected := c.NeedsBrowser, c.Selected
	rc := corpusCase{
		ID:       c.ID,
		Title:    c.Title,
		Module:   c.Module,
		Priority: string(c.Priority),
		Steps:    c.Steps,
		Expected: c.Expected,
		TestData: c.TestData,
	}
	// Only non-default flags are written.
	if !needs {
		rc.NeedsBrowser = &needs
	}
	if !selected {
		rc.Selected = &selected
	}
	return rc
}
