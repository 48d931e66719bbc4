// Package routing resolves requested model ids to upstream targets.
//
// Resolution walks the configured layers in priority order: custom exact
// match, custom wildcard match, OpenAI family series, Anthropic family
// series, then the builtin default table. A target of the form
// "strategy:<id>" expands into an ordered multi-model route plan.
package routing

import (
	"sort"
	"strings"
)

// DefaultModel is the final fallback for ids nothing else claims.
const DefaultModel = "claude-sonnet-4-5"

// builtinTargets is the default mapping table. Identity rows mark models
// the upstream serves natively; alias rows fold dated and legacy ids onto
// them; gpt rows give OpenAI-protocol clients a sensible gemini target.
var builtinTargets = map[string]string{
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5":          "claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",

	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5-thinking",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4-5",
	"claude-opus-4":              "claude-opus-4-5-thinking",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"claude-haiku-4":             "claude-sonnet-4-5",
	"claude-3-haiku-20240307":    "claude-sonnet-4-5",
	"claude-haiku-4-5-20251001":  "claude-sonnet-4-5",

	"gpt-4":                "gemini-2.5-pro",
	"gpt-4-turbo":          "gemini-2.5-pro",
	"gpt-4-turbo-preview":  "gemini-2.5-pro",
	"gpt-4-0125-preview":   "gemini-2.5-pro",
	"gpt-4-1106-preview":   "gemini-2.5-pro",
	"gpt-4-0613":           "gemini-2.5-pro",
	"gpt-4o":               "gemini-2.5-pro",
	"gpt-4o-2024-05-13":    "gemini-2.5-pro",
	"gpt-4o-2024-08-06":    "gemini-2.5-pro",
	"gpt-4o-mini":          "gemini-2.5-flash",
	"gpt-4o-mini-2024-07-18": "gemini-2.5-flash",
	"gpt-3.5-turbo":        "gemini-2.5-flash",
	"gpt-3.5-turbo-16k":    "gemini-2.5-flash",
	"gpt-3.5-turbo-0125":   "gemini-2.5-flash",
	"gpt-3.5-turbo-1106":   "gemini-2.5-flash",
	"gpt-3.5-turbo-0613":   "gemini-2.5-flash",

	"gemini-2.5-flash-lite":     "gemini-2.5-flash-lite",
	"gemini-2.5-flash-thinking": "gemini-2.5-flash-thinking",
	"gemini-3-pro-low":          "gemini-3-pro-low",
	"gemini-3-pro-high":         "gemini-3-pro-high",
	"gemini-3-pro-preview":      "gemini-3-pro-preview",
	"gemini-3-pro":              "gemini-3-pro",
	"gemini-2.5-flash":          "gemini-2.5-flash",
	"gemini-3-flash":            "gemini-3-flash",
	"gemini-3-pro-image":        "gemini-3-pro-image",
}

// MapDefault maps a model id through the builtin table. Unknown gemini-*
// and *thinking* ids pass through untouched so dynamic suffixes keep
// working; everything else lands on DefaultModel.
func MapDefault(model string) string {
	if target, ok := builtinTargets[model]; ok {
		return target
	}
	if strings.HasPrefix(model, "gemini-") || strings.Contains(model, "thinking") {
		return model
	}
	return DefaultModel
}

// SupportedModels returns the builtin table's keys.
func SupportedModels() []string {
	models := make([]string, 0, len(builtinTargets))
	for m := range builtinTargets {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// imageModelIDs expands the image generation grid: every resolution and
// aspect ratio suffix combination of the base image model.
func imageModelIDs() []string {
	const base = "gemini-3-pro-image"
	resolutions := []string{"", "-2k", "-4k"}
	ratios := []string{"", "-1x1", "-4x3", "-3x4", "-16x9", "-9x16", "-21x9"}

	ids := make([]string, 0, len(resolutions)*len(ratios))
	for _, res := range resolutions {
		for _, ratio := range ratios {
			ids = append(ids, base+res+ratio)
		}
	}
	return ids
}

// pinnedModelIDs are always advertised even when no table mentions them.
var pinnedModelIDs = []string{
	"gemini-2.0-flash-exp",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-flash",
	"gemini-3-pro-high",
	"gemini-3-pro-low",
}

// wildcardMatch supports a single '*': "gpt-4*" matches by prefix,
// "*-thinking" by suffix, "a*b" by both ends. Patterns without a star
// compare exactly.
func wildcardMatch(pattern, text string) bool {
	star := strings.Index(pattern, "*")
	if star < 0 {
		return pattern == text
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	return strings.HasPrefix(text, prefix) && strings.HasSuffix(text, suffix)
}
