package sqlparse

import (
	"fmt"
	"strconv"
	"strings"
)

// splitTop splits s at sep occurrences that sit outside quotes and outside
// any parenthesized group.
func splitTop(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(s) {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// fields tokenizes s on whitespace, keeping quoted spans and parenthesized
// groups (glued to the preceding word, as in "STRING(64)") intact.
func fields(s string) []string {
	var toks []string
	var cur strings.Builder
	depth := 0
	var quote byte
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				cur.WriteByte(s[i])
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == '(':
			depth++
			cur.WriteByte(c)
		case c == ')':
			depth--
			cur.WriteByte(c)
		case depth == 0 && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return toks
}

// unquote strips a single level of '...' or "..." quoting and resolves
// backslash escapes. The second result reports whether s was quoted.
func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		body := s[1 : len(s)-1]
		var sb strings.Builder
		for i := 0; i < len(body); i++ {
			if body[i] == '\\' && i+1 < len(body) {
				i++
			}
			sb.WriteByte(body[i])
		}
		return sb.String(), true
	}
	return s, false
}

// keywordAt finds the first top-level, word-boundary occurrence of kw
// (case-insensitive) in s, returning its byte offset or -1.
func keywordAt(s, kw string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(s) {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && i+len(kw) <= len(s):
			if !strings.EqualFold(s[i:i+len(kw)], kw) {
				continue
			}
			if i > 0 && isWordChar(s[i-1]) {
				continue
			}
			if i+len(kw) < len(s) && isWordChar(s[i+len(kw)]) {
				continue
			}
			return i
		}
	}
	return -1
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// matchParen returns the offsets of the first top-level '(' in s and its
// matching ')'.
func matchParen(s string) (open, close int, err error) {
	open = -1
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(s) {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			if depth == 0 && open < 0 {
				open = i
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 && open >= 0 {
				return open, i, nil
			}
		}
	}
	return -1, -1, fmt.Errorf("unbalanced parentheses")
}

// ParseBytesUnit parses a size with an optional K/M/G suffix ("1M" = 1<<20).
func ParseBytesUnit(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}
