//go:build go1.18

package plan

import (
	"strings"
	"testing"
)

// Fuzz every transform with arbitrary input. The contract is that no input,
// however mangled, makes a transform panic or return an error; malformed
// documents degrade to partial output plus a marker.
func FuzzTransforms(f *testing.F) {
	f.Add(seqScanLong)
	f.Add(seqScanShort)
	f.Add(nestedLong)
	f.Add("")
	f.Add("{")
	f.Add(`{"p":`)
	f.Add(`[1, 2, {"t": "h"}]`)
	f.Add(`{"p":{"t":"h","5":"(a = 'unterminated`)
	f.Add(strings.Repeat("[", 64))

	f.Fuzz(func(t *testing.T, src string) {
		const limit = 1 << 16
		if len(src) > limit {
			src = src[:limit]
		}

		for _, fn := range []func(string) string{
			Shorten, Normalize, Inflate, Textize, Yamlize, Xmlize,
		} {
			_ = fn(src)
		}
		_ = Fingerprint(src)
	})
}
