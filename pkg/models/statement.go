// Package models provides data structures shared across sqlgate packages.
package models

import (
	"fmt"
	"strings"
)

// StatementType is the routing class of a single SQL statement.
type StatementType int

const (
	StatementTypeUnknown StatementType = iota
	StatementTypeSelect
	StatementTypeInsert
	StatementTypeUpdate
	StatementTypeDelete
	StatementTypeUse
)

var statementTypeNames = map[StatementType]string{
	StatementTypeUnknown: "UNKNOWN",
	StatementTypeSelect:  "SELECT",
	StatementTypeInsert:  "INSERT",
	StatementTypeUpdate:  "UPDATE",
	StatementTypeDelete:  "DELETE",
	StatementTypeUse:     "USE",
}

// String returns the upper-case keyword for the type.
func (t StatementType) String() string {
	if name, ok := statementTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsWrite reports whether the type runs on the dedicated transaction path.
func (t StatementType) IsWrite() bool {
	return t == StatementTypeInsert || t == StatementTypeUpdate || t == StatementTypeDelete
}

// RequiresConfirmation reports whether the row-count gate applies.
func (t StatementType) RequiresConfirmation() bool {
	return t == StatementTypeUpdate || t == StatementTypeDelete
}

// MarshalText implements encoding.TextMarshaler.
func (t StatementType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *StatementType) UnmarshalText(text []byte) error {
	parsed, err := ParseStatementType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseStatementType parses a type keyword case-insensitively.
func ParseStatementType(s string) (StatementType, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range statementTypeNames {
		if name == want {
			return t, nil
		}
	}
	return StatementTypeUnknown, fmt.Errorf("unknown statement type %q", s)
}

// Statement is one classified statement of a batch.
type Statement struct {
	// Index is the 1-based position inside the batch.
	Index          int           `json:"index" yaml:"index"`
	RawText        string        `json:"raw_text" yaml:"raw_text"`
	NormalizedText string        `json:"normalized_text" yaml:"normalized_text"`
	Type           StatementType `json:"type" yaml:"type"`
	Digest         string        `json:"digest,omitempty" yaml:"digest,omitempty"`
	// Limited reports a LIMIT clause outside quoted text.
	Limited bool `json:"-" yaml:"-"`
}

// Body returns the normalized text without its trailing semicolon.
func (s Statement) Body() string {
	return strings.TrimSuffix(s.NormalizedText, ";")
}
