package turn

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// ToolsNode is the synthetic node collecting every tool call and tool output of a turn.
	ToolsNode = "tools"
	// DefaultFallbackNode is used when a fragment carries no stage attribution.
	DefaultFallbackNode = "software_developer_assistant"
)

// DefaultDisplayNames are the explicit label overrides for known node names.
func DefaultDisplayNames() map[string]string {
	return map[string]string{
		ToolsNode:           "Tools",
		DefaultFallbackNode: "Software Developer Assistant",
	}
}

// Namer derives human-readable labels for node names.
type Namer struct {
	overrides map[string]string
}

// NewNamer returns a Namer using the given overrides on top of the default ones.
func NewNamer(overrides map[string]string) *Namer {
	merged := DefaultDisplayNames()
	for k, v := range overrides {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		merged[k] = v
	}
	return &Namer{overrides: merged}
}

// DisplayName replaces underscores with spaces and upper-cases the first letter of every word,
// unless an override exists for name.
func (n *Namer) DisplayName(name string) string {
	if n != nil {
		if v, ok := n.overrides[name]; ok {
			return v
		}
	}
	return TitleCase(strings.ReplaceAll(name, "_", " "))
}

// TitleCase upper-cases the first letter of each word and leaves the rest untouched.
// A word starts after any character that is not a letter, digit or underscore.
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevWord := false
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		isWord := r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
		if isWord && !prevWord {
			r = unicode.ToUpper(r)
		}
		prevWord = isWord
		b.WriteRune(r)
	}
	return b.String()
}
