package history

import (
	"strings"
	"unicode/utf8"
)

const (
	ReasonAuto    = "auto"
	ReasonManual  = "manual"
	ReasonInitial = "initial"
	ReasonClear   = "clear"
)

const (
	maxLabelRunes  = 200
	maxReasonRunes = 64
)

// Meta describes why a capture happened. Zero values mean "not supplied".
type Meta struct {
	Label  string `json:"label,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Manual marks a user-requested snapshot. Manual entries are never
	// evicted for budget reasons and bypass debouncing.
	Manual bool `json:"manual,omitempty"`
	// Force appends a new entry even when identical content is stored.
	Force bool `json:"force,omitempty"`
}

func (m Meta) normalize() (Meta, error) {
	m.Label = strings.TrimSpace(m.Label)
	m.Reason = strings.ToLower(strings.TrimSpace(m.Reason))
	if utf8.RuneCountInString(m.Label) > maxLabelRunes {
		return Meta{}, historyError(CodeInvalidMeta, "label is too long", nil)
	}
	if utf8.RuneCountInString(m.Reason) > maxReasonRunes {
		return Meta{}, historyError(CodeInvalidMeta, "reason is too long", nil)
	}
	return m, nil
}

func (m Meta) label() string {
	switch {
	case m.Label != "":
		return m.Label
	case m.Reason == ReasonInitial:
		return "Initial state"
	case m.Reason == ReasonClear:
		return "Current state"
	case m.Manual:
		return "Manual snapshot"
	default:
		return "Auto-save"
	}
}

func (m Meta) reason() string {
	switch {
	case m.Reason != "":
		return m.Reason
	case m.Manual:
		return ReasonManual
	default:
		return ReasonAuto
	}
}
