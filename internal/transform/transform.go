// Package transform implements the Request Transformer (spec §4.H): it
// produces a new outbound request body, leaving the original
// untouched. Field-level reads and writes use gjson/sjson so that
// fields this component does not recognise pass through unmodified
// (§9 "Dynamically typed request bodies").
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-plugins/codex-switch/internal/model"
)

const orphanTruncateLimit = 16000

// knownPromptSignatures are prefix substrings identifying a host
// agent's system/developer prompt (§4.H step 3b), grounded on the
// sibling Codex-transform implementation's signature list.
var knownPromptSignatures = []string{
	"you are a coding agent running in the",
	"you are opencode, an agent",
	"you are claude code, anthropic's",
	"you are a large language model trained by",
}

// environmentMarkers are scanned for, earliest match wins, when a host
// prompt is stripped (§4.H step 3b).
var environmentMarkers = []string{
	"<env>",
	"<instructions>",
	"here is some useful information about the environment you are running in:",
	"instructions from:",
}

const (
	codexBridgeMessage     = "You are connected through a compatibility bridge between this coding agent and the Codex responses API. Tool calls you emit are translated to the upstream tool-call format and their results are translated back; proceed exactly as you would against the agent's native tools."
	toolRemapBridgeMessage = "Tool calls in this conversation are remapped to match the upstream API's tool schema; treat them as equivalent to the tools you were given."
)

// Config supplies the per-family system-instructions text and knob
// defaults the Transformer needs but does not itself own (§1: "the
// core consumes a string" rather than fetching instructions).
type Config struct {
	CodexMode bool
	// Instructions maps a model.FamilyTag to the system-instructions
	// text to install into body.instructions.
	Instructions map[model.FamilyTag]string
	// KnownPromptPrefixes are cached known-prompt strings checked by
	// equality, prefix, or first-200-char equality (§4.H step 3b(a)).
	KnownPromptPrefixes []string
	// IncludeDefaults is the configured include list unioned with the
	// always-added "reasoning.encrypted_content" entry (§4.H step 6).
	IncludeDefaults []string
	// DefaultVerbosity is used when no precedence source supplies one.
	DefaultVerbosity string
	// GlobalReasoningEffort is the global-config fallback reasoning
	// effort, below model-specific config in precedence.
	GlobalReasoningEffort model.Effort
	// ModelReasoningEffort maps a canonical model name to a
	// model-specific configured reasoning effort.
	ModelReasoningEffort map[string]model.Effort
}

// Result is the outcome of Transform.
type Result struct {
	Body     []byte
	IsStream bool
}

// Transform implements §4.H. The original body is never mutated.
func Transform(body []byte, cfg Config) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, fmt.Errorf("transform: invalid JSON body")
	}

	originalStream := gjson.GetBytes(body, "stream").Bool()

	out := append([]byte(nil), body...)

	rawModel := gjson.GetBytes(out, "model").String()
	canonical := model.Normalize(rawModel)
	family := model.FamilyTagFor(canonical)

	var err error
	out, err = sjson.SetBytes(out, "model", canonical)
	if err != nil {
		return Result{}, err
	}
	out, err = sjson.SetBytes(out, "store", false)
	if err != nil {
		return Result{}, err
	}
	out, err = sjson.SetBytes(out, "stream", true)
	if err != nil {
		return Result{}, err
	}
	out, err = sjson.SetBytes(out, "instructions", cfg.Instructions[family])
	if err != nil {
		return Result{}, err
	}

	out, err = normalizeToolDefinitions(out)
	if err != nil {
		return Result{}, err
	}

	if gjson.GetBytes(out, "input").Exists() {
		out, err = transformInput(out, cfg)
		if err != nil {
			return Result{}, err
		}
	}

	effort := resolveReasoningEffort(out, canonical, cfg)
	out, err = sjson.SetBytes(out, "reasoning.effort", string(effort))
	if err != nil {
		return Result{}, err
	}

	verbosity := resolveVerbosity(out, cfg)
	out, err = sjson.SetBytes(out, "text.verbosity", verbosity)
	if err != nil {
		return Result{}, err
	}

	include := resolveInclude(out, cfg)
	out, err = sjson.SetBytes(out, "include", include)
	if err != nil {
		return Result{}, err
	}

	out, err = sjson.DeleteBytes(out, "max_output_tokens")
	if err != nil {
		return Result{}, err
	}
	out, err = sjson.DeleteBytes(out, "max_completion_tokens")
	if err != nil {
		return Result{}, err
	}

	return Result{Body: out, IsStream: originalStream}, nil
}

func transformInput(body []byte, cfg Config) ([]byte, error) {
	raw := gjson.GetBytes(body, "input").Raw
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return body, fmt.Errorf("transform input: %w", err)
	}

	items = filterInput(items)

	if cfg.CodexMode {
		items = stripHostPrompts(items, cfg.KnownPromptPrefixes)
	}

	if hasTools(body) {
		bridge := toolRemapBridgeMessage
		if cfg.CodexMode {
			bridge = codexBridgeMessage
		}
		items = append([]map[string]any{{
			"type":    "message",
			"role":    "developer",
			"content": bridge,
		}}, items...)
	}

	items = NormalizeOrphanedToolOutputs(items)

	encoded, err := json.Marshal(items)
	if err != nil {
		return body, err
	}
	return sjson.SetRawBytes(body, "input", encoded)
}

func hasTools(body []byte) bool {
	r := gjson.GetBytes(body, "tools")
	return r.Exists() && r.IsArray() && len(r.Array()) > 0
}

// normalizeToolDefinitions backfills the Responses-API flat tool shape
// (top-level name/description/parameters/strict) from the older
// Chat-Completions nested "function" sub-object, for hosts that still
// emit tool definitions in that shape. Grounded on the sibling
// implementation's normalizeCodexTools. Leaves tools without a
// "function" sub-object, or with a flat field already present,
// untouched.
func normalizeToolDefinitions(body []byte) ([]byte, error) {
	toolsVal := gjson.GetBytes(body, "tools")
	if !toolsVal.Exists() || !toolsVal.IsArray() {
		return body, nil
	}

	var tools []map[string]any
	if err := json.Unmarshal([]byte(toolsVal.Raw), &tools); err != nil {
		return body, fmt.Errorf("transform tools: %w", err)
	}

	modified := false
	for i, tool := range tools {
		toolType, _ := tool["type"].(string)
		if strings.TrimSpace(toolType) != "function" {
			continue
		}
		function, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		if _, ok := tool["name"]; !ok {
			if name, ok := function["name"].(string); ok && strings.TrimSpace(name) != "" {
				tool["name"] = name
				modified = true
			}
		}
		if _, ok := tool["description"]; !ok {
			if desc, ok := function["description"].(string); ok && strings.TrimSpace(desc) != "" {
				tool["description"] = desc
				modified = true
			}
		}
		if _, ok := tool["parameters"]; !ok {
			if params, ok := function["parameters"]; ok {
				tool["parameters"] = params
				modified = true
			}
		}
		if _, ok := tool["strict"]; !ok {
			if strict, ok := function["strict"]; ok {
				tool["strict"] = strict
				modified = true
			}
		}
		tools[i] = tool
	}

	if !modified {
		return body, nil
	}
	encoded, err := json.Marshal(tools)
	if err != nil {
		return body, err
	}
	return sjson.SetRawBytes(body, "tools", encoded)
}

// filterInput drops item_reference items and strips the id field from
// every remaining item (§4.H step 3, first bullet).
func filterInput(items []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if t, _ := item["type"].(string); t == "item_reference" {
			continue
		}
		delete(item, "id")
		out = append(out, item)
	}
	return out
}

// stripHostPrompts implements §4.H step 3's host-prompt stripping with
// environmental-marker preservation.
func stripHostPrompts(items []map[string]any, knownPrefixes []string) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		role, _ := item["role"].(string)
		if (role == "system" || role == "developer") && isHostPrompt(getContentText(item), knownPrefixes) {
			if replaced, ok := stripToEnvironmentMarker(item); ok {
				out = append(out, replaced)
				continue
			}
			continue
		}
		out = append(out, item)
	}
	return out
}

func isHostPrompt(content string, knownPrefixes []string) bool {
	if content == "" {
		return false
	}
	for _, known := range knownPrefixes {
		if known == "" {
			continue
		}
		if content == known || strings.HasPrefix(content, known) {
			return true
		}
		if len(content) >= 200 && len(known) >= 200 && content[:200] == known[:200] {
			return true
		}
	}
	lower := strings.ToLower(content)
	for _, sig := range knownPromptSignatures {
		if strings.HasPrefix(lower, sig) {
			return true
		}
	}
	return false
}

// stripToEnvironmentMarker scans content for the earliest environment
// marker and, if found, rewrites item's content to start there,
// preserving the item's role and other fields.
func stripToEnvironmentMarker(item map[string]any) (map[string]any, bool) {
	content := getContentText(item)
	lower := strings.ToLower(content)

	earliest := -1
	for _, marker := range environmentMarkers {
		if idx := strings.Index(lower, marker); idx >= 0 {
			if earliest < 0 || idx < earliest {
				earliest = idx
			}
		}
	}
	if earliest < 0 {
		return nil, false
	}

	remainder := strings.TrimLeft(content[earliest:], " \t\r\n")
	replaced := cloneItem(item)
	setContentText(replaced, remainder)
	return replaced, true
}

func cloneItem(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func getContentText(item map[string]any) string {
	switch v := item["content"].(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func setContentText(item map[string]any, text string) {
	switch item["content"].(type) {
	case []any:
		item["content"] = []any{map[string]any{"type": "input_text", "text": text}}
	default:
		item["content"] = text
	}
}

// callIDTypes are the input-item types that introduce a call_id (§4.H
// "Orphan repair").
var callIDTypes = map[string]bool{
	"function_call":     true,
	"local_shell_call":  true,
	"custom_tool_call":  true,
}

var outputTypeToToolName = map[string]string{
	"function_call_output":    "function",
	"local_shell_call_output": "shell",
	"custom_tool_call_output": "tool",
}

// NormalizeOrphanedToolOutputs implements §4.H's orphan-repair
// algorithm. Idempotent: rewritten items are of type "message" and are
// never themselves orphaned on a second pass.
func NormalizeOrphanedToolOutputs(items []map[string]any) []map[string]any {
	callIDs := make(map[string]bool)
	for _, item := range items {
		t, _ := item["type"].(string)
		if callIDTypes[t] {
			if id := getCallID(item); id != "" {
				callIDs[id] = true
			}
		}
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		t, _ := item["type"].(string)
		toolName, isOutput := outputTypeToToolName[t]
		if !isOutput {
			out = append(out, item)
			continue
		}
		callID := getCallID(item)
		if callID != "" && callIDs[callID] {
			out = append(out, item)
			continue
		}
		out = append(out, convertOrphanedOutputToMessage(item, toolName, callID))
	}
	return out
}

func getCallID(item map[string]any) string {
	if v, ok := item["call_id"].(string); ok {
		return v
	}
	return ""
}

func convertOrphanedOutputToMessage(item map[string]any, toolName, callID string) map[string]any {
	label := callID
	if label == "" {
		label = "unknown"
	}
	text := stringifyOutput(item["output"])
	content := fmt.Sprintf("[Previous %s result; call_id=%s]: %s", toolName, label, text)
	return map[string]any{
		"type":    "message",
		"role":    "assistant",
		"content": content,
	}
}

func stringifyOutput(output any) string {
	var text string
	switch v := output.(type) {
	case string:
		text = v
	case nil:
		text = ""
	default:
		if b, err := json.Marshal(v); err == nil {
			text = string(b)
		}
	}
	if len(text) > orphanTruncateLimit {
		text = text[:orphanTruncateLimit] + "\n...[truncated]"
	}
	return text
}

// resolveReasoningEffort implements §4.H step 4's precedence chain:
// body.reasoning.* > body.providerOptions.openai.reasoning* >
// model-specific config > global config > family default.
func resolveReasoningEffort(body []byte, canonical string, cfg Config) model.Effort {
	var effort model.Effort

	if v := gjson.GetBytes(body, "reasoning.effort"); v.Exists() && v.String() != "" {
		effort = model.Effort(v.String())
	} else if v := gjson.GetBytes(body, "providerOptions.openai.reasoningEffort"); v.Exists() && v.String() != "" {
		effort = model.Effort(v.String())
	} else if e, ok := cfg.ModelReasoningEffort[canonical]; ok && e != "" {
		effort = e
	} else if cfg.GlobalReasoningEffort != "" {
		effort = cfg.GlobalReasoningEffort
	} else {
		effort = model.ProfileFor(canonical).Default
	}

	return model.Coerce(canonical, effort)
}

// resolveVerbosity implements §4.H step 5; defaults to "medium".
func resolveVerbosity(body []byte, cfg Config) string {
	if v := gjson.GetBytes(body, "text.verbosity"); v.Exists() && v.String() != "" {
		return v.String()
	}
	if v := gjson.GetBytes(body, "providerOptions.openai.textVerbosity"); v.Exists() && v.String() != "" {
		return v.String()
	}
	if cfg.DefaultVerbosity != "" {
		return cfg.DefaultVerbosity
	}
	return "medium"
}

// resolveInclude implements §4.H step 6: the union of the body's own
// include entries, the configured list, and "reasoning.encrypted_content"
// (always added, deduplicated, falsy entries removed).
func resolveInclude(body []byte, cfg Config) []string {
	seen := map[string]bool{}
	var out []string

	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	if arr := gjson.GetBytes(body, "include"); arr.Exists() && arr.IsArray() {
		for _, v := range arr.Array() {
			add(v.String())
		}
	}
	for _, v := range cfg.IncludeDefaults {
		add(v)
	}
	add("reasoning.encrypted_content")

	return out
}
