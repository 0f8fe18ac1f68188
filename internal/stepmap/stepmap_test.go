package stepmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questsync/pkg/proto"
)

const sampleManifest = `project_id: proj-1
quests:
  - id: quest-vars
    title: Variables
    steps:
      - id: step-1
        path: src/main.js
        kind: arrange
        expected_file: expected/step-1.js
      - id: step-2
        path: src/*.test.js
        kind: verify-output
  - id: quest-loops
    steps:
      - id: step-1
        path: loops/*.js
        kind: implement
`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestName), []byte(body), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "expected"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "expected", "step-1.js"), []byte("let x = 1;"), 0o644))
	return root
}

func TestLoadAndResolve(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "proj-1", m.ProjectID)

	step, ok := m.ContextFor("src/main.js")
	require.True(t, ok)
	assert.Equal(t, "quest-vars", step.QuestID)
	assert.Equal(t, "step-1", step.StepID)
	assert.Equal(t, proto.StepKindArrange, step.Kind)
	assert.Equal(t, "let x = 1;", step.ExpectedCode)
}

func TestGlobPatternMatch(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest))
	require.NoError(t, err)

	step, ok := m.ContextFor("src/app.test.js")
	require.True(t, ok)
	assert.Equal(t, "step-2", step.StepID)
	assert.Equal(t, proto.StepKindVerifyOutput, step.Kind)

	_, ok = m.ContextFor("src/unrelated.css")
	assert.False(t, ok)
}

func TestTotalSteps(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, 2, m.TotalSteps("quest-vars"))
	assert.Equal(t, 1, m.TotalSteps("quest-loops"))
	assert.Equal(t, 0, m.TotalSteps("quest-unknown"))
}

func TestMissingManifestIsNotAnError(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)

	// A nil manifest resolves nothing but does not panic.
	_, ok := m.ContextFor("src/main.js")
	assert.False(t, ok)
}

func TestRejectsUnknownKind(t *testing.T) {
	root := t.TempDir()
	body := "quests:\n  - id: q\n    steps:\n      - id: s\n        path: a.js\n        kind: grade-essay\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestName), []byte(body), 0o644))

	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestRejectsMissingExpectedFile(t *testing.T) {
	root := t.TempDir()
	body := "quests:\n  - id: q\n    steps:\n      - id: s\n        path: a.js\n        kind: arrange\n        expected_file: missing.js\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestName), []byte(body), 0o644))

	_, err := Load(root)
	require.Error(t, err)
}
