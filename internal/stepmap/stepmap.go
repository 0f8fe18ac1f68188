// Package stepmap loads a project's step manifest. The manifest maps
// workspace paths to quest steps so the agent can attach step context
// to file saves; without one, saves sync but never verify.
package stepmap

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"questsync/pkg/proto"
)

// ManifestName is the manifest file looked up at the project root.
const ManifestName = ".questsync.yaml"

// Step binds one file pattern to a verifiable step.
type Step struct {
	ID           string `yaml:"id"`
	Path         string `yaml:"path"`
	Kind         string `yaml:"kind"`
	ExpectedFile string `yaml:"expected_file,omitempty"`
}

// Quest is an ordered list of steps under one quest ID.
type Quest struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Manifest is the parsed .questsync.yaml plus resolved expected code.
type Manifest struct {
	ProjectID string  `yaml:"project_id"`
	Quests    []Quest `yaml:"quests"`

	root     string
	expected map[string]string // step ID -> expected code
}

// Load reads and validates the manifest at the project root. A missing
// manifest is not an error; it returns (nil, nil) and the project syncs
// without verification.
func Load(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ManifestName, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestName, err)
	}
	m.root = root
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ManifestName, err)
	}
	if err := m.loadExpected(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	for _, q := range m.Quests {
		if q.ID == "" {
			return fmt.Errorf("quest missing id")
		}
		for _, s := range q.Steps {
			if s.ID == "" || s.Path == "" {
				return fmt.Errorf("quest %s has a step missing id or path", q.ID)
			}
			switch proto.StepKind(s.Kind) {
			case proto.StepKindArrange, proto.StepKindImplement, proto.StepKindVerifyOutput, "":
			default:
				return fmt.Errorf("quest %s step %s has unknown kind %q", q.ID, s.ID, s.Kind)
			}
		}
	}
	return nil
}

// loadExpected reads each referenced expected-code file once at load
// time, so lookups during a save burst do no I/O.
func (m *Manifest) loadExpected() error {
	m.expected = make(map[string]string)
	for _, q := range m.Quests {
		for _, s := range q.Steps {
			if s.ExpectedFile == "" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(m.root, s.ExpectedFile))
			if err != nil {
				return fmt.Errorf("reading expected code for step %s: %w", s.ID, err)
			}
			m.expected[s.ID] = string(data)
		}
	}
	return nil
}

// ContextFor resolves a workspace-relative path to its step context.
// The first matching step wins; patterns use filepath.Match syntax
// against the full relative path.
func (m *Manifest) ContextFor(relPath string) (*proto.StepContext, bool) {
	if m == nil {
		return nil, false
	}
	rel := filepath.ToSlash(relPath)
	for _, q := range m.Quests {
		for _, s := range q.Steps {
			matched, err := filepath.Match(s.Path, rel)
			if err != nil || !matched {
				if s.Path != rel {
					continue
				}
			}
			return &proto.StepContext{
				QuestID:      q.ID,
				StepID:       s.ID,
				Kind:         proto.StepKind(s.Kind),
				ExpectedCode: m.expected[s.ID],
			}, true
		}
	}
	return nil, false
}

// TotalSteps returns the step count for a quest, 0 when unknown.
func (m *Manifest) TotalSteps(questID string) int {
	if m == nil {
		return 0
	}
	for _, q := range m.Quests {
		if q.ID == questID {
			return len(q.Steps)
		}
	}
	return 0
}
