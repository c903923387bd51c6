package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackendFamily identifies the wire convention an upstream speaks. The set is
// closed: the factory matches it exhaustively, so adding a family is a
// compile-time change.
type BackendFamily string

const (
	FamilyOllama    BackendFamily = "ollama"
	FamilyOpenAI    BackendFamily = "openai"
	FamilyAnthropic BackendFamily = "anthropic"
	FamilyMock      BackendFamily = "mock"
)

func (f BackendFamily) Valid() bool {
	switch f {
	case FamilyOllama, FamilyOpenAI, FamilyAnthropic, FamilyMock:
		return true
	}
	return false
}

// BackendConfig describes one upstream destination. It is immutable after
// load; routers and pool entries are keyed off it.
type BackendConfig struct {
	Name        string            `mapstructure:"name"`
	Family      BackendFamily     `mapstructure:"family"`
	BaseURL     string            `mapstructure:"base_url"`
	APIKey      string            `mapstructure:"api_key"`
	APIVersion  string            `mapstructure:"api_version"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Compression bool              `mapstructure:"compression"`
	Retries     int               `mapstructure:"retries"`
	Extra       map[string]string `mapstructure:"extra"`
}

// BackendKey is the equivalence class for router caching: two configs with
// the same key share one RouterInstance and one pool entry.
type BackendKey struct {
	Family     BackendFamily
	BaseURL    string
	APIKey     string
	APIVersion string
}

func (c BackendConfig) Key() BackendKey {
	base := strings.TrimRight(c.BaseURL, "/")
	// Mock backends have no URL; each named mock is its own instance.
	if c.Family == FamilyMock && base == "" {
		base = c.Name
	}
	return BackendKey{
		Family:     c.Family,
		BaseURL:    base,
		APIKey:     c.APIKey,
		APIVersion: c.APIVersion,
	}
}

func (k BackendKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Family, k.BaseURL, k.APIVersion)
}

// EffectiveTimeout returns the per-backend timeout, defaulting to 60s.
func (c BackendConfig) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 60 * time.Second
}

// EffectiveRetries returns how many consecutive attempts this backend gets
// before the dispatcher advances to the next entry. Default is one attempt.
func (c BackendConfig) EffectiveRetries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return 1
}

// ModelSpec is the metadata for one virtual model inside a group.
type ModelSpec struct {
	UpstreamModel   string   `mapstructure:"upstream_model"`
	ContextLength   int      `mapstructure:"context_length"`
	EmbeddingLength int      `mapstructure:"embedding_length"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// SupportsThinking reports whether the model advertises the thinking
// capability flag.
func (s ModelSpec) SupportsThinking() bool {
	for _, c := range s.Capabilities {
		if c == "thinking" {
			return true
		}
	}
	return false
}

// ModelGroup maps a set of virtual model names onto one ordered backend list.
// Backend order is fallback priority: index 0 is tried first.
type ModelGroup struct {
	Name        string               `mapstructure:"name"`
	Description string               `mapstructure:"description"`
	Models      map[string]ModelSpec `mapstructure:"models"`
	Backends    []BackendConfig      `mapstructure:"backends"`
}

// UpstreamModel resolves the real upstream identifier for a virtual name,
// falling back to the virtual name itself when no mapping is configured.
func (g *ModelGroup) UpstreamModel(virtual string) string {
	if spec, ok := g.Models[virtual]; ok && spec.UpstreamModel != "" {
		return spec.UpstreamModel
	}
	return virtual
}

// ErrModelNotFound is returned when a virtual model name matches no group.
// It is a terminal failure: no backend can serve a model the configuration
// does not know about.
var ErrModelNotFound = errors.New("model not found")

// ModelTable resolves virtual model names to their group. Built once from
// configuration; read-only afterwards.
type ModelTable struct {
	groups  []ModelGroup
	byModel map[string]*ModelGroup
}

func NewModelTable(groups []ModelGroup) *ModelTable {
	t := &ModelTable{
		groups:  groups,
		byModel: make(map[string]*ModelGroup),
	}
	for i := range t.groups {
		for virtual := range t.groups[i].Models {
			t.byModel[virtual] = &t.groups[i]
		}
	}
	return t
}

// Resolve returns the group owning a virtual model name. Names with an
// Ollama-style tag suffix (e.g. "qwq:latest") also match their untagged form.
func (t *ModelTable) Resolve(virtual string) (*ModelGroup, error) {
	if group, ok := t.byModel[virtual]; ok {
		return group, nil
	}
	if idx := strings.LastIndex(virtual, ":"); idx > 0 {
		if group, ok := t.byModel[virtual[:idx]]; ok {
			return group, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, virtual)
}

// VirtualModels returns every configured virtual model name with its spec,
// in group order.
func (t *ModelTable) VirtualModels() map[string]ModelSpec {
	out := make(map[string]ModelSpec)
	for i := range t.groups {
		for virtual, spec := range t.groups[i].Models {
			out[virtual] = spec
		}
	}
	return out
}

// Groups returns the configured groups, in configuration order.
func (t *ModelTable) Groups() []ModelGroup {
	return t.groups
}
