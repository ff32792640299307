// Package openai holds vendor-specific constants: a model catalog kept
// for diagnostics, and the default per-family system instructions that
// internal/assemble hands to the Request Transformer.
package openai

import "github.com/opencode-plugins/codex-switch/internal/model"

// Model describes one upstream model the vendor advertises.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// DefaultModels is the known model catalog as of this build; used for
// diagnostics, not for request validation (the Model Normalizer
// accepts any model string per §4.G).
var DefaultModels = []Model{
	{ID: "gpt-5.2", Object: "model", Created: 1733875200, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5.2"},
	{ID: "gpt-5.2-codex", Object: "model", Created: 1733011200, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5.2 Codex"},
	{ID: "gpt-5.1-codex-max", Object: "model", Created: 1730419200, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5.1 Codex Max"},
	{ID: "gpt-5.1-codex", Object: "model", Created: 1730419200, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5.1 Codex"},
	{ID: "gpt-5.1", Object: "model", Created: 1731456000, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5.1"},
	{ID: "gpt-5.1-codex-mini", Object: "model", Created: 1730419200, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5.1 Codex Mini"},
	{ID: "gpt-5", Object: "model", Created: 1722988800, OwnedBy: "openai", Type: "model", DisplayName: "GPT-5"},
}

// DefaultModelIDs returns the default model ID list.
func DefaultModelIDs() []string {
	ids := make([]string, len(DefaultModels))
	for i, m := range DefaultModels {
		ids[i] = m.ID
	}
	return ids
}

// DefaultTestModel is the model used to validate a newly linked
// account's credentials.
const DefaultTestModel = "gpt-5.1-codex"

// defaultSystemInstructions are a minimal per-family fallback; a host
// may override any entry via its own config (§1: the core consumes a
// string rather than fetching one).
var defaultSystemInstructions = map[model.FamilyTag]string{
	model.FamilyGPT52Codex: "You are Codex, a coding agent running in a terminal-based coding assistant, using the GPT-5.2 Codex model.",
	model.FamilyCodexMax:   "You are Codex, a coding agent running in a terminal-based coding assistant, using the GPT-5.1 Codex Max model.",
	model.FamilyCodex:      "You are Codex, a coding agent running in a terminal-based coding assistant.",
	model.FamilyGPT52:      "You are a helpful assistant built on GPT-5.2.",
	model.FamilyGPT51:      "You are a helpful assistant built on GPT-5.1.",
}

// DefaultInstructions returns the built-in system-instructions table,
// keyed by model.FamilyTag, used when the host supplies none.
func DefaultInstructions() map[model.FamilyTag]string {
	out := make(map[model.FamilyTag]string, len(defaultSystemInstructions))
	for k, v := range defaultSystemInstructions {
		out[k] = v
	}
	return out
}
