package services

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pingcap/tidb/pkg/parser"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Defaults applied when ClassifierOptions leaves a field empty.
const (
	DefaultRowLimit = 10
)

// DefaultProtectedTables are refused to non-admin callers.
var DefaultProtectedTables = []string{"users", "audit_log", "pending_batch"}

// keywordTypes is the routing table from a statement's first keyword to its
// type. Anything absent falls through to UNKNOWN.
var keywordTypes = map[string]models.StatementType{
	"SELECT":   models.StatementTypeSelect,
	"SHOW":     models.StatementTypeSelect,
	"DESCRIBE": models.StatementTypeSelect,
	"DESC":     models.StatementTypeSelect,
	"EXPLAIN":  models.StatementTypeSelect,
	"USE":      models.StatementTypeUse,
	"INSERT":   models.StatementTypeInsert,
	"UPDATE":   models.StatementTypeUpdate,
	"DELETE":   models.StatementTypeDelete,
}

var ddlKeywords = map[string]bool{
	"CREATE":   true,
	"DROP":     true,
	"ALTER":    true,
	"TRUNCATE": true,
	"RENAME":   true,
}

const ddlMessage = "DDL operations (CREATE, DROP, ALTER, TRUNCATE, RENAME) are not allowed."

// Syntax describes how the target engine lexes string literals.
type Syntax struct {
	// BackslashEscapes treats a backslash inside ' and " strings as an
	// escape of the next character, as MySQL does.
	BackslashEscapes bool
}

// ClassifierOptions configures a StatementClassifier.
type ClassifierOptions struct {
	RowLimit        int
	ProtectedTables []string
}

// StatementClassifier splits raw batches into typed statements and enforces
// the static safety rules. It is safe for concurrent use.
type StatementClassifier struct {
	rowLimit int

	wherePattern     *regexp.Regexp
	whereBodyPattern *regexp.Regexp
	limitPattern     *regexp.Regexp
	usePattern       *regexp.Regexp

	mu        sync.RWMutex
	protected []*regexp.Regexp
}

// NewStatementClassifier creates a classifier.
func NewStatementClassifier(opts ClassifierOptions) *StatementClassifier {
	if opts.RowLimit <= 0 {
		opts.RowLimit = DefaultRowLimit
	}
	if opts.ProtectedTables == nil {
		opts.ProtectedTables = DefaultProtectedTables
	}

	c := &StatementClassifier{rowLimit: opts.RowLimit}
	c.initializePatterns()
	c.SetProtectedTables(opts.ProtectedTables)
	return c
}

func (c *StatementClassifier) initializePatterns() {
	c.wherePattern = regexp.MustCompile(`\bWHERE\b`)
	c.whereBodyPattern = regexp.MustCompile(`(?s)\bWHERE\b\s*(.*?)\s*(?:\bORDER\s+BY\b|\bLIMIT\b|$)`)
	c.limitPattern = regexp.MustCompile(`\bLIMIT\b`)
	c.usePattern = regexp.MustCompile(`(?i)^USE\s+([^\s;]+)`)
}

// SetProtectedTables replaces the protected table set.
func (c *StatementClassifier) SetProtectedTables(tables []string) {
	patterns := make([]*regexp.Regexp, 0, len(tables))
	for _, t := range tables {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(strings.ToUpper(t))+`\b`))
	}

	c.mu.Lock()
	c.protected = patterns
	c.mu.Unlock()
}

// RowLimit returns the cap injected into unbounded SELECT statements.
func (c *StatementClassifier) RowLimit() int {
	return c.rowLimit
}

// Classify splits and types a raw batch with standard SQL string syntax.
func (c *StatementClassifier) Classify(batch string) ([]models.Statement, error) {
	return c.ClassifyFor(batch, Syntax{})
}

// ClassifyFor splits and types a raw batch and validates it as a whole. Any
// violation fails the entire batch with a validation error.
func (c *StatementClassifier) ClassifyFor(batch string, syntax Syntax) ([]models.Statement, error) {
	if strings.TrimSpace(batch) == "" {
		return nil, errors.ErrEmptyQuery
	}

	scanned := scanBatch(batch, syntax)
	if scanned.unterminated {
		return nil, errors.Validation("Query contains an unterminated quoted string.")
	}

	statements := make([]models.Statement, 0, len(scanned.segments))
	bareBodies := make([]string, 0, len(scanned.segments))
	for _, seg := range scanned.segments {
		if seg.clean == "" {
			continue
		}
		bare := strings.ToUpper(seg.bare)
		stmt := models.Statement{
			Index:          len(statements) + 1,
			RawText:        seg.raw + ";",
			NormalizedText: seg.clean + ";",
			Type:           typeOf(seg.clean),
			Digest:         digest(seg.clean),
			Limited:        c.limitPattern.MatchString(bare),
		}
		statements = append(statements, stmt)
		bareBodies = append(bareBodies, bare)
	}

	if len(statements) == 0 {
		return nil, errors.ErrNoStatements
	}

	if err := c.validate(statements, bareBodies); err != nil {
		return nil, err
	}
	return statements, nil
}

// validate applies the DDL rule to every statement first, then the WHERE
// rule. bare holds the upper-cased statements with quoted contents dropped.
func (c *StatementClassifier) validate(statements []models.Statement, bare []string) error {
	for _, body := range bare {
		if ddlKeywords[leadingKeyword(body)] {
			return errors.Validation(ddlMessage)
		}
	}

	for i, stmt := range statements {
		if !stmt.Type.RequiresConfirmation() {
			continue
		}
		kw := stmt.Type.String()
		if !c.wherePattern.MatchString(bare[i]) {
			return errors.Validation(fmt.Sprintf("%s statements must include a WHERE clause for safety.", kw))
		}
		m := c.whereBodyPattern.FindStringSubmatch(bare[i])
		if m == nil || strings.TrimSpace(m[1]) == "" {
			return errors.Validation(fmt.Sprintf("%s statements must have a valid WHERE clause.", kw))
		}
	}
	return nil
}

// ReferencesProtectedTables reports whether text names a protected table as
// a whole word, ignoring comments and string literal contents. The text is
// checked under both string syntaxes, and unmasked when a quote is left
// open, so an escape one engine ignores cannot hide a table name.
func (c *StatementClassifier) ReferencesProtectedTables(text string) bool {
	for _, syntax := range []Syntax{{}, {BackslashEscapes: true}} {
		res := scanBatch(text, syntax)
		pick := func(s segment) string { return s.masked }
		if res.unterminated {
			pick = func(s segment) string { return s.clean }
		}
		if c.matchesProtected(strings.ToUpper(joinSegments(res, pick))) {
			return true
		}
	}
	return false
}

func (c *StatementClassifier) matchesProtected(upper string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.protected {
		if p.MatchString(upper) {
			return true
		}
	}
	return false
}

// ExecutableText returns the text sent to the engine. A statement whose first
// keyword is SELECT and that was classified without a LIMIT clause gets the
// row cap appended before its terminating semicolon.
func (c *StatementClassifier) ExecutableText(stmt models.Statement) string {
	body := stmt.Body()
	if stmt.Type != models.StatementTypeSelect || leadingKeyword(body) != "SELECT" || stmt.Limited {
		return stmt.NormalizedText
	}
	return fmt.Sprintf("%s LIMIT %d;", body, c.rowLimit)
}

// UseTarget extracts the database named by a USE statement.
func (c *StatementClassifier) UseTarget(stmt models.Statement) (string, bool) {
	m := c.usePattern.FindStringSubmatch(stmt.NormalizedText)
	if m == nil {
		return "", false
	}
	name := strings.Trim(m[1], "`\"'[]")
	return name, name != ""
}

// Normalize strips comments and collapses whitespace.
func (c *StatementClassifier) Normalize(text string) string {
	return cleanText(text)
}

func typeOf(clean string) models.StatementType {
	if t, ok := keywordTypes[leadingKeyword(clean)]; ok {
		return t
	}
	return models.StatementTypeUnknown
}

// digest fingerprints a statement with its literals normalized away.
func digest(clean string) string {
	return parser.DigestNormalized(parser.Normalize(clean)).String()
}
