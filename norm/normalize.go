// Package norm rewrites SQL expression text into a stable normalized form
// so that plans differing only in literal constants fingerprint identically.
//
// The normalizer is lossy on purpose: literal constants become a single ?
// placeholder, keywords are upcased, runs of operator characters collapse
// to =, and whitespace is either removed or squeezed to single spaces.
// Identifiers are copied through untouched.
package norm

import (
	"github.com/cespare/xxhash/v2"
)

// Normalize returns the normalized form of expr. With preserveSpace the
// output keeps a single space wherever the input had whitespace; without it
// spaces survive only between adjacent word-like tokens, where removing
// them would glue the words together.
//
// The input does not have to be a complete statement. If it cannot be
// scanned to the end, the output is truncated at the last token that
// scanned cleanly.
func Normalize(expr string, preserveSpace bool) string {
	sc := newScanner(expr)
	out := make([]byte, 0, len(expr))

	lastKind := tokEOF
	var lastCh byte
	lastloc := -1 // start of the span still to be emitted
	emitted := 0  // bytes appended for the previous token, including a trailing space

	for {
		tok := sc.next()
		start := tok.start

		if lastloc >= 0 {
			i := lastloc
			for i < start && isSpaceByte(expr[i]) {
				i++
			}
			i2 := i
			for i2 < start && !isSpaceByte(expr[i2]) {
				i2++
			}
			mark := len(out)
			switch {
			case lastKind == tokIdent:
				out = append(out, expr[i:i2]...)
			case lastKind == tokOp && lastCh == ';':
				// statement terminators add nothing to the fingerprint
			case lastKind == tokOpRun:
				if i2 > i {
					out = append(out, '=')
				}
			default:
				out = appendUpper(out, expr[i:i2])
			}
			if tok.kind != tokEOF && tok.kind != tokErr && i2 < start {
				if preserveSpace || (spaceable(tok.kind) && spaceable(lastKind)) {
					out = append(out, ' ')
				}
			}
			emitted = len(out) - mark
		}

		if tok.kind == tokErr {
			return string(out)
		}
		if tok.kind == tokEOF {
			break
		}

		// A leading minus fuses into the constant that follows it.
		if tok.kind == tokOp && tok.ch == '-' {
			tok = sc.next()
			if tok.kind == tokErr {
				return string(out)
			}
			if tok.kind == tokEOF {
				break
			}
		}

		if tok.kind == tokConst {
			next := sc.next()
			if lastKind == tokOp && lastCh == '(' && next.kind == tokOp && next.ch == ')' {
				// Collapse (-123) style parenthesized constants into the
				// placeholder along with their parentheses.
				out = out[:len(out)-emitted]
				out = append(out, '?')
				lastloc = next.end
			} else {
				out = append(out, '?')
				lastloc = tok.end
			}
			if next.kind == tokErr {
				return string(out)
			}
			if next.kind == tokEOF {
				break
			}
			lastKind, lastCh = next.kind, next.ch
			continue
		}

		lastKind, lastCh = tok.kind, tok.ch
		lastloc = tok.start
	}
	return string(out)
}

// spaceable reports whether a space between this token and an adjacent
// spaceable one must be kept to avoid fusing them. Constants never need
// one since they are rewritten to a placeholder.
func spaceable(k tokKind) bool {
	return k == tokIdent || k == tokKeyword || k == tokOpRun
}

func appendUpper(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		dst = append(dst, c)
	}
	return dst
}

// QueryID derives a stable 64-bit identifier from normalized query text.
// Zero is reserved to mean "no identifier", so a zero hash maps to one.
func QueryID(query string) uint64 {
	h := xxhash.Sum64String(Normalize(query, false))
	if h == 0 {
		h = 1
	}
	return h
}
