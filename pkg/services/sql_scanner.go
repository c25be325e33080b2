package services

import (
	"strings"
	"unicode"
)

// segment is one ';'-terminated piece of a batch.
//
//   - raw is the original text with comments, trimmed.
//   - clean has comments removed and whitespace outside literals collapsed.
//   - masked is clean with single-quoted literal contents dropped, so table
//     checks never see user data but still see quoted identifiers.
//   - bare is clean with the contents of every quoted region dropped. Keyword
//     rules run on it, so a WHERE or LIMIT inside a string or identifier
//     never counts.
type segment struct {
	raw    string
	clean  string
	masked string
	bare   string
}

type scanState int

const (
	stateCode scanState = iota
	stateQuoted
	stateLineComment
	stateBlockComment
)

// scanResult holds the segments of a batch and whether a quoted region was
// left open at the end of input.
type scanResult struct {
	segments     []segment
	unterminated bool
}

// scanBatch splits sql on semicolons outside quotes and comments. Quotes are
// ', " and `; a doubled quote character inside a quoted region is an escape,
// and so is a backslash in ' and " strings when syntax says so.
func scanBatch(sql string, syntax Syntax) scanResult {
	var (
		res    scanResult
		state  = stateCode
		quote  rune
		raw    strings.Builder
		clean  strings.Builder
		masked strings.Builder
		bare   strings.Builder
	)

	space := func() {
		if s := clean.String(); s != "" && !strings.HasSuffix(s, " ") {
			clean.WriteByte(' ')
			masked.WriteByte(' ')
			bare.WriteByte(' ')
		}
	}
	code := func(r rune) {
		raw.WriteRune(r)
		clean.WriteRune(r)
		masked.WriteRune(r)
		bare.WriteRune(r)
	}
	// quoted writes literal content; masked keeps it only for identifiers
	// and double-quoted strings.
	quoted := func(r rune) {
		raw.WriteRune(r)
		clean.WriteRune(r)
		if quote != '\'' {
			masked.WriteRune(r)
		}
	}
	flush := func() {
		res.segments = append(res.segments, segment{
			raw:    strings.TrimSpace(raw.String()),
			clean:  strings.TrimSpace(clean.String()),
			masked: strings.TrimSpace(masked.String()),
			bare:   strings.TrimSpace(bare.String()),
		})
		raw.Reset()
		clean.Reset()
		masked.Reset()
		bare.Reset()
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateLineComment:
			raw.WriteRune(r)
			if r == '\n' {
				state = stateCode
			}
			continue
		case stateBlockComment:
			raw.WriteRune(r)
			if r == '*' && next == '/' {
				raw.WriteRune(next)
				i++
				state = stateCode
			}
			continue
		case stateQuoted:
			switch {
			case r == '\\' && syntax.BackslashEscapes && quote != '`' && i+1 < len(runes):
				quoted(r)
				quoted(next)
				i++
			case r == quote && next == quote:
				quoted(r)
				quoted(next)
				i++
			case r == quote:
				code(r)
				state = stateCode
			default:
				quoted(r)
			}
			continue
		}

		switch {
		case r == '-' && next == '-':
			raw.WriteRune(r)
			raw.WriteRune(next)
			i++
			space()
			state = stateLineComment
		case r == '/' && next == '*':
			raw.WriteRune(r)
			raw.WriteRune(next)
			i++
			space()
			state = stateBlockComment
		case r == '\'' || r == '"' || r == '`':
			code(r)
			quote = r
			state = stateQuoted
		case r == ';':
			flush()
		case unicode.IsSpace(r):
			raw.WriteRune(r)
			space()
		default:
			code(r)
		}
	}

	res.unterminated = state == stateQuoted
	flush()
	return res
}

func joinSegments(res scanResult, pick func(segment) string) string {
	parts := make([]string, 0, len(res.segments))
	for _, s := range res.segments {
		if text := pick(s); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "; ")
}

// cleanText strips comments and collapses whitespace for a whole batch.
func cleanText(sql string) string {
	return joinSegments(scanBatch(sql, Syntax{}), func(s segment) string { return s.clean })
}

// leadingKeyword returns the upper-cased run of letters at the start of text.
func leadingKeyword(text string) string {
	end := 0
	for end < len(text) {
		c := text[end]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '_' {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(text[:end])
}
