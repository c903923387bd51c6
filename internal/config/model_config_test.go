package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendKeyEquivalence(t *testing.T) {
	a := BackendConfig{Name: "one", Family: FamilyOllama, BaseURL: "http://localhost:11434"}
	b := BackendConfig{Name: "two", Family: FamilyOllama, BaseURL: "http://localhost:11434/"}
	assert.Equal(t, a.Key(), b.Key(), "trailing slash and display name do not split the key")

	c := BackendConfig{Name: "one", Family: FamilyOllama, BaseURL: "http://localhost:11434", APIKey: "x"}
	assert.NotEqual(t, a.Key(), c.Key())

	d := BackendConfig{Name: "one", Family: FamilyOpenAI, BaseURL: "http://localhost:11434"}
	assert.NotEqual(t, a.Key(), d.Key())
}

func TestMockKeyUsesName(t *testing.T) {
	a := BackendConfig{Name: "mock-a", Family: FamilyMock}
	b := BackendConfig{Name: "mock-b", Family: FamilyMock}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestEffectiveDefaults(t *testing.T) {
	var c BackendConfig
	assert.Equal(t, 60*time.Second, c.EffectiveTimeout())
	assert.Equal(t, 1, c.EffectiveRetries())

	c.Timeout = 5 * time.Second
	c.Retries = 3
	assert.Equal(t, 5*time.Second, c.EffectiveTimeout())
	assert.Equal(t, 3, c.EffectiveRetries())
}

func testTable() *ModelTable {
	return NewModelTable([]ModelGroup{
		{
			Name: "reasoning",
			Models: map[string]ModelSpec{
				"qwq": {UpstreamModel: "qwen2.5:32b", Capabilities: []string{"thinking"}},
			},
			Backends: []BackendConfig{{Name: "local", Family: FamilyOllama, BaseURL: "http://localhost:11434"}},
		},
		{
			Name: "chat",
			Models: map[string]ModelSpec{
				"llama": {UpstreamModel: "llama3.1:8b"},
			},
			Backends: []BackendConfig{{Name: "local", Family: FamilyOllama, BaseURL: "http://localhost:11434"}},
		},
	})
}

func TestResolve(t *testing.T) {
	table := testTable()

	group, err := table.Resolve("qwq")
	require.NoError(t, err)
	assert.Equal(t, "reasoning", group.Name)

	_, err = table.Resolve("unknown")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestResolveTagSuffix(t *testing.T) {
	table := testTable()

	group, err := table.Resolve("qwq:latest")
	require.NoError(t, err)
	assert.Equal(t, "reasoning", group.Name)
}

func TestUpstreamModelFallback(t *testing.T) {
	table := testTable()
	group, err := table.Resolve("qwq")
	require.NoError(t, err)

	assert.Equal(t, "qwen2.5:32b", group.UpstreamModel("qwq"))
	assert.Equal(t, "unmapped", group.UpstreamModel("unmapped"))
}

func TestSupportsThinking(t *testing.T) {
	table := testTable()
	models := table.VirtualModels()

	assert.True(t, models["qwq"].SupportsThinking())
	assert.False(t, models["llama"].SupportsThinking())
}

func TestValidateRejectsDuplicateVirtualModel(t *testing.T) {
	cfg := &Config{
		ModelGroups: []ModelGroup{
			{
				Name:     "a",
				Models:   map[string]ModelSpec{"qwq": {}},
				Backends: []BackendConfig{{Name: "x", Family: FamilyMock}},
			},
			{
				Name:     "b",
				Models:   map[string]ModelSpec{"qwq": {}},
				Backends: []BackendConfig{{Name: "y", Family: FamilyMock}},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `virtual model "qwq"`)
}

func TestValidateRejectsEmptyGroup(t *testing.T) {
	cfg := &Config{ModelGroups: []ModelGroup{{Name: "empty"}}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backends")
}

func TestValidateRejectsUnknownFamily(t *testing.T) {
	cfg := &Config{
		ModelGroups: []ModelGroup{{
			Name:     "a",
			Models:   map[string]ModelSpec{"qwq": {}},
			Backends: []BackendConfig{{Name: "x", Family: "grpc", BaseURL: "http://x"}},
		}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend family")
}
