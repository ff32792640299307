// Package model implements the Model Normalizer (spec §4.G): mapping
// arbitrary model identifiers to a canonical family and a reasoning
// profile.
package model

import "strings"

// FamilyTag is one of the five model families used to pick the
// system-instructions text (§4.G).
type FamilyTag string

const (
	FamilyGPT52Codex FamilyTag = "gpt-5.2-codex"
	FamilyCodexMax    FamilyTag = "codex-max"
	FamilyCodex       FamilyTag = "codex"
	FamilyGPT52       FamilyTag = "gpt-5.2"
	FamilyGPT51       FamilyTag = "gpt-5.1"
)

// Effort is a reasoning-effort level.
type Effort string

const (
	EffortMinimal Effort = "minimal"
	EffortLow     Effort = "low"
	EffortMedium  Effort = "medium"
	EffortHigh    Effort = "high"
	EffortXHigh   Effort = "xhigh"
	EffortNone    Effort = "none"
)

// canonicalModelMap exact-matches a handful of known aliased IDs before
// the substring ladder runs (§4.G step 2).
var canonicalModelMap = map[string]string{
	"gpt-5.1-codex-high":   "gpt-5.1-codex",
	"gpt-5.1-codex-medium": "gpt-5.1-codex",
	"gpt-5.1-codex-low":    "gpt-5.1-codex",
	"gpt-5.2-codex-high":   "gpt-5.2-codex",
	"gpt-5.2-codex-medium": "gpt-5.2-codex",
	"gpt-5.2-codex-low":    "gpt-5.2-codex",
	"codex-mini-latest":    "codex-mini",
}

// Normalize implements §4.G: strip a provider prefix, exact-match the
// canonical table, then fall back to a prioritised substring ladder.
// Idempotent: Normalize(Normalize(m)) == Normalize(m) for every m,
// because the ladder's fallback values are themselves fixed points of
// the ladder.
func Normalize(raw string) string {
	id := raw
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		id = id[idx+1:]
	}

	if canon, ok := canonicalModelMap[id]; ok {
		return canon
	}

	// Most-specific-wins: codex variants tied to a generation number are
	// checked before the bare "codex" catch-all, so e.g. "gpt-5.1-codex"
	// resolves to the 5.1 codex family rather than the generic one.
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "5.2-codex"):
		return "gpt-5.2-codex"
	case strings.Contains(lower, "5.2"):
		return "gpt-5.2"
	case strings.Contains(lower, "codex-max"):
		return "gpt-5.1-codex-max"
	case strings.Contains(lower, "codex-mini"):
		return "codex-mini"
	case strings.Contains(lower, "5.1-codex"):
		return "gpt-5.1-codex"
	case strings.Contains(lower, "5.1"):
		return "gpt-5.1"
	case strings.Contains(lower, "codex"):
		return "codex"
	default:
		return "gpt-5.1"
	}
}

// FamilyTagFor maps a canonical model (the output of Normalize) to the
// coarser FamilyTag used to select system-instructions text.
func FamilyTagFor(canonical string) FamilyTag {
	lower := strings.ToLower(canonical)
	switch {
	case lower == "gpt-5.2-codex":
		return FamilyGPT52Codex
	case strings.Contains(lower, "codex-max"):
		return FamilyCodexMax
	case strings.Contains(lower, "codex"):
		return FamilyCodex
	case lower == "gpt-5.2":
		return FamilyGPT52
	default:
		return FamilyGPT51
	}
}

// ReasoningProfile describes a family's supported efforts, default
// effort, and coercion rules (§4.G).
type ReasoningProfile struct {
	Family          FamilyTag
	Default         Effort
	SupportsXHigh   bool
	SupportsNone    bool
	SupportsMinimal bool
	// CodexMiniRestricted forces effort to medium or high only.
	CodexMiniRestricted bool
}

// ProfileFor returns the reasoning profile for a canonical model's
// family. xhigh is only supported by the 5.2 family and codex-max;
// none only by 5.2 and 5.1 general; minimal only by the 5.1 general
// family; codex-mini forces medium/high.
func ProfileFor(canonical string) ReasoningProfile {
	tag := FamilyTagFor(canonical)
	isCodexMini := strings.Contains(strings.ToLower(canonical), "codex-mini")

	p := ReasoningProfile{Family: tag, Default: EffortMedium}

	switch tag {
	case FamilyGPT52Codex, FamilyGPT52:
		p.SupportsXHigh = true
		p.SupportsNone = true
	case FamilyCodexMax:
		p.SupportsXHigh = true
	case FamilyGPT51:
		p.SupportsNone = true
		p.SupportsMinimal = true
	case FamilyCodex:
		// plain "codex" family: no xhigh, no none, no minimal.
	}

	if isCodexMini {
		p.CodexMiniRestricted = true
		p.Default = EffortMedium
	}

	return p
}

// Coerce applies the §4.G coercion rules to an effort requested for
// canonical's profile.
func Coerce(canonical string, effort Effort) Effort {
	p := ProfileFor(canonical)

	if p.CodexMiniRestricted {
		if effort == EffortHigh {
			return EffortHigh
		}
		return EffortMedium
	}

	switch effort {
	case EffortXHigh:
		if !p.SupportsXHigh {
			return EffortHigh
		}
	case EffortNone:
		if !p.SupportsNone {
			return EffortLow
		}
	case EffortMinimal:
		if !p.SupportsMinimal {
			return EffortLow
		}
	}
	return effort
}
