package norm

// Token scanner for SQL expression fragments as they appear in plan
// property values (Filter, Index Cond, Sort Key and the like). It is not a
// full SQL lexer: it only needs to classify the token kinds the normalizer
// cares about and to report byte spans, so that the normalizer can rewrite
// the input span by span.

type tokKind int

const (
	tokEOF tokKind = iota
	tokErr
	tokIdent   // identifier, quoted identifier or positional parameter
	tokKeyword // bare word found in the keyword list
	tokConst   // literal constant of any flavor
	tokOp      // single punctuation or operator character, see token.ch
	tokOpRun   // run of two or more operator characters
)

type token struct {
	kind  tokKind
	ch    byte // valid for tokOp only
	start int
	end   int
}

const opChars = "~!@#^&|`?+-*/%<>="

// Word-valued constants. These lex as single tokens and normalize to a
// placeholder just like numeric and string literals do.
var constWords = map[string]bool{
	"null":              true,
	"true":              true,
	"false":             true,
	"current_date":      true,
	"current_time":      true,
	"current_timestamp": true,
	"localtime":         true,
	"localtimestamp":    true,
}

// Reserved and semi-reserved words that commonly show up in deparsed plan
// expressions. Anything not listed here lexes as a plain identifier and is
// copied through verbatim.
var keywords = map[string]bool{
	"all": true, "and": true, "any": true, "array": true, "as": true,
	"asc": true, "asymmetric": true, "at": true, "between": true,
	"both": true, "by": true, "case": true, "cast": true, "coalesce": true,
	"collate": true, "cross": true, "date": true, "desc": true,
	"distinct": true, "else": true, "end": true, "escape": true,
	"except": true, "exists": true, "filter": true, "from": true,
	"full": true, "greatest": true, "group": true, "having": true,
	"ilike": true, "in": true, "inner": true, "intersect": true,
	"interval": true, "is": true, "isnull": true, "join": true,
	"leading": true, "least": true, "left": true, "like": true,
	"limit": true, "not": true, "notnull": true, "nullif": true,
	"offset": true, "on": true, "or": true, "order": true, "outer": true,
	"over": true, "overlaps": true, "partition": true, "right": true,
	"row": true, "select": true, "similar": true, "some": true,
	"symmetric": true, "then": true, "time": true, "timestamp": true,
	"to": true, "trailing": true, "union": true, "unknown": true,
	"using": true, "values": true, "when": true, "where": true,
	"zone": true,
}

type scanner struct {
	src string
	pos int
}

func newScanner(src string) *scanner {
	return &scanner{src: src}
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || c == '$' || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isOpChar(c byte) bool {
	for i := 0; i < len(opChars); i++ {
		if opChars[i] == c {
			return true
		}
	}
	return false
}

func lowerWord(s string) string {
	buf := []byte(s)
	changed := false
	for i, c := range buf {
		if c >= 'A' && c <= 'Z' {
			buf[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(buf)
}

// next returns the next token. On malformed input (unterminated string or
// quoted identifier) it returns tokErr; the normalizer truncates there.
func (s *scanner) next() token {
	for s.pos < len(s.src) && isSpaceByte(s.src[s.pos]) {
		s.pos++
	}
	if s.pos >= len(s.src) {
		return token{kind: tokEOF, start: s.pos, end: s.pos}
	}
	start := s.pos
	c := s.src[s.pos]

	switch {
	case c == '"':
		return s.scanQuoted('"', tokIdent, start)

	case c == '\'':
		return s.scanQuoted('\'', tokConst, start)

	case (c == 'e' || c == 'E' || c == 'b' || c == 'B' || c == 'x' || c == 'X' || c == 'n' || c == 'N') &&
		s.pos+1 < len(s.src) && s.src[s.pos+1] == '\'':
		s.pos++
		return s.scanQuoted('\'', tokConst, start)

	case c == '$':
		// Positional parameter $1 or dollar-quoted string $$...$$.
		if s.pos+1 < len(s.src) && isDigit(s.src[s.pos+1]) {
			s.pos++
			for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
				s.pos++
			}
			return token{kind: tokIdent, start: start, end: s.pos}
		}
		return s.scanDollarQuoted(start)

	case isIdentStart(c):
		s.pos++
		for s.pos < len(s.src) && isIdentCont(s.src[s.pos]) {
			s.pos++
		}
		word := lowerWord(s.src[start:s.pos])
		switch {
		case constWords[word]:
			return token{kind: tokConst, start: start, end: s.pos}
		case keywords[word]:
			return token{kind: tokKeyword, start: start, end: s.pos}
		}
		return token{kind: tokIdent, start: start, end: s.pos}

	case isDigit(c) || (c == '.' && s.pos+1 < len(s.src) && isDigit(s.src[s.pos+1])):
		return s.scanNumber(start)

	case isOpChar(c):
		s.pos++
		for s.pos < len(s.src) && isOpChar(s.src[s.pos]) {
			s.pos++
		}
		if s.pos-start == 1 {
			if c == '?' {
				// A lone ? is an already-masked constant.
				return token{kind: tokConst, start: start, end: s.pos}
			}
			return token{kind: tokOp, ch: c, start: start, end: s.pos}
		}
		return token{kind: tokOpRun, start: start, end: s.pos}

	default:
		s.pos++
		return token{kind: tokOp, ch: c, start: start, end: s.pos}
	}
}

func (s *scanner) scanQuoted(quote byte, kind tokKind, start int) token {
	s.pos++ // opening quote
	for s.pos < len(s.src) {
		if s.src[s.pos] == quote {
			if s.pos+1 < len(s.src) && s.src[s.pos+1] == quote {
				s.pos += 2 // doubled quote inside the literal
				continue
			}
			s.pos++
			return token{kind: kind, start: start, end: s.pos}
		}
		s.pos++
	}
	return token{kind: tokErr, start: start, end: s.pos}
}

func (s *scanner) scanDollarQuoted(start int) token {
	i := s.pos + 1
	for i < len(s.src) && (isIdentStart(s.src[i]) || isDigit(s.src[i])) {
		i++
	}
	if i >= len(s.src) || s.src[i] != '$' {
		// Not a dollar quote after all, pass the $ through.
		s.pos++
		return token{kind: tokOp, ch: '$', start: start, end: s.pos}
	}
	delim := s.src[start : i+1]
	body := i + 1
	for j := body; j+len(delim) <= len(s.src); j++ {
		if s.src[j:j+len(delim)] == delim {
			s.pos = j + len(delim)
			return token{kind: tokConst, start: start, end: s.pos}
		}
	}
	return token{kind: tokErr, start: start, end: len(s.src)}
}

func (s *scanner) scanNumber(start int) token {
	for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
		s.pos++
	}
	if s.pos < len(s.src) && s.src[s.pos] == '.' {
		s.pos++
		for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
			s.pos++
		}
	}
	if s.pos < len(s.src) && (s.src[s.pos] == 'e' || s.src[s.pos] == 'E') {
		mark := s.pos
		s.pos++
		if s.pos < len(s.src) && (s.src[s.pos] == '+' || s.src[s.pos] == '-') {
			s.pos++
		}
		if s.pos < len(s.src) && isDigit(s.src[s.pos]) {
			for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
				s.pos++
			}
		} else {
			s.pos = mark
		}
	}
	return token{kind: tokConst, start: start, end: s.pos}
}
