package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mockpod/mockpod/traffic"
)

func sampleSet() RuleSet {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	return RuleSet{
		ID:       "set-1",
		Name:     "payments",
		IsActive: true,
		CreatedAt: created,
		Description: "mock the payments API",
		Rules: []Rule{
			{
				ID:      "rule-1",
				Name:    "teapot",
				Enabled: true,
				Matcher: Matcher{URLPattern: "http://example.test/a", Method: "GET", Type: MatchExact},
				Response: MockResponse{
					StatusCode: 418,
					Headers:    traffic.Headers{{Name: "X-Flavor", Value: "earl-grey"}},
					Body:       "hello",
				},
				CreatedAt: created,
			},
		},
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	data, err := Export(sampleSet())
	require.NoError(t, err)

	// Dates travel as ISO-8601.
	assert.Equal(t, "2025-03-14T09:26:53Z", gjson.GetBytes(data, "createdAt").String())

	imported, err := Import(data)
	require.NoError(t, err)

	assert.Equal(t, "payments", imported.Name)
	assert.Equal(t, "mock the payments API", imported.Description)
	require.Len(t, imported.Rules, 1)
	assert.Equal(t, 418, imported.Rules[0].Response.StatusCode)
	assert.Equal(t, "hello", imported.Rules[0].Response.Body)
	assert.True(t, imported.CreatedAt.Equal(sampleSet().CreatedAt))
}

func TestImportRegeneratesIDAndDeactivates(t *testing.T) {
	data, err := Export(sampleSet())
	require.NoError(t, err)

	imported, err := Import(data)
	require.NoError(t, err)

	assert.NotEqual(t, "set-1", imported.ID)
	assert.NotEmpty(t, imported.ID)
	assert.False(t, imported.IsActive)
}

func TestImportRejectsGarbage(t *testing.T) {
	_, err := Import([]byte("{not json"))
	assert.Error(t, err)

	_, err = Import([]byte(`{"rules": []}`))
	assert.Error(t, err, "missing name")

	bad, merr := json.Marshal(RuleSet{
		Name:  "bad",
		Rules: []Rule{{Name: "r", Response: MockResponse{StatusCode: 42}}},
	})
	require.NoError(t, merr)
	_, err = Import(bad)
	assert.Error(t, err, "status code out of range")
}

func TestStorePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(sampleSet()))

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	sets := reopened.Sets()
	require.Len(t, sets, 1)
	assert.Equal(t, "payments", sets[0].Name)
	require.Len(t, sets[0].Rules, 1)
}

func TestStoreActiveRulesView(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	active := sampleSet()
	inactive := sampleSet()
	inactive.ID = "set-2"
	inactive.IsActive = false

	withDisabled := sampleSet()
	withDisabled.ID = "set-3"
	withDisabled.Rules[0].Enabled = false

	require.NoError(t, store.Put(active))
	require.NoError(t, store.Put(inactive))
	require.NoError(t, store.Put(withDisabled))

	rules := store.ActiveRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "teapot", rules[0].Name)
}

func TestStoreRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(sampleSet()))
	require.NoError(t, store.Remove("set-1"))
	assert.Empty(t, store.Sets())

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	assert.Empty(t, reopened.Sets())
}

func TestStoreRejectsInvalidRule(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	bad := sampleSet()
	bad.Rules[0].Response.StatusCode = 9000
	assert.Error(t, store.Put(bad))
}
