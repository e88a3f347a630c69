// internal/casegen/corpus_test.go
package casegen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

func TestCorpus_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cases.yaml")
	cases := []schemas.Case{
		{
			ID: "TC-1", Title: "Login succeeds", Module: "auth", Priority: schemas.PriorityP0,
			Steps: []string{"Enter email", "Submit"}, Expected: "Welcome",
			TestData: map[string]string{"email": "ada@example.com"}, NeedsBrowser: true, Selected: true,
		},
		{
			ID: "TC-2", Title: "Audit log entry", Priority: schemas.PriorityP3,
			Steps: []string{"Check the audit table"}, Expected: "Entry recorded",
			NeedsBrowser: false, Selected: false,
		},
	}

	require.NoError(t, SaveCorpus(path, cases))
	loaded, err := LoadCorpus(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cases, loaded); diff != "" {
		t.Errorf("corpus mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "version: 1")
	assert.Contains(t, string(data), "needs_browser: false")
	assert.NotContains(t, string(data), "needs_browser: true", "default flags are omitted")
}

func TestParseCorpus_Defaults(t *testing.T) {
	data := []byte(`
- title: Search finds products
  steps: [Type "shoes", Press Enter]
  expected: results for "shoes"
- id: custom-id
  title: Empty search
  priority: low
  steps: [Press Enter]
  expected: Please enter a search term
  needs_browser: false
`)
	cases, err := ParseCorpus(data)
	require.NoError(t, err)
	require.Len(t, cases, 2)

	assert.NotEmpty(t, cases[0].ID, "missing ids are assigned")
	assert.True(t, cases[0].NeedsBrowser, "needs_browser defaults to true")
	assert.True(t, cases[0].Selected)
	assert.Equal(t, schemas.PriorityP2, cases[0].Priority)

	assert.Equal(t, "custom-id", cases[1].ID)
	assert.False(t, cases[1].NeedsBrowser)
	assert.Equal(t, schemas.PriorityP3, cases[1].Priority)
}

func TestParseCorpus_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"missing title", "cases:\n  - expected: x\n", "title is required"},
		{"missing expected", "cases:\n  - title: a\n", "expected is required"},
		{"duplicate id", "- {id: a, title: one, expected: x}\n- {id: a, title: two, expected: y}\n", "duplicate id"},
		{"future version", "version: 9\ncases: []\n", "unsupported case corpus version"},
		{"not yaml", "cases: [unterminated", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCorpus([]byte(tt.data))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadCorpus_MissingFile(t *testing.T) {
	cases, err := LoadCorpus(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
	assert.Empty(t, cases)
}

func TestMerge(t *testing.T) {
	existing := []schemas.Case{{ID: "a", Title: "Login"}}
	incoming := []schemas.Case{
		{ID: "a", Title: "Other"},
		{ID: "b", Title: "login"},
		{ID: "c", Title: "Logout"},
	}
	merged, added := Merge(existing, incoming)
	assert.Equal(t, 1, added)
	require.Len(t, merged, 2)
	assert.Equal(t, "c", merged[1].ID)
}
