// Package plan transcodes query-plan documents between five textual
// representations built on one streaming walker.
//
// The canonical interchange form is a JSON plan document as produced by the
// database's plan formatter. Shorten rewrites it into a compact-token form
// where every known field name and enum value is replaced by a one or two
// character code; the compact form is what gets cached and stored, since
// plans repeat their vocabulary heavily. The remaining transforms consume
// either form:
//
//   - Normalize drops run-varying fields (costs, timings, row counts,
//     buffer stats) and normalizes expression values, yielding a stable
//     byte string whose hash is the plan fingerprint (Fingerprint).
//   - Inflate maps a compact plan back to indented long-form JSON.
//   - Textize renders the familiar multi-line explain report.
//   - Yamlize and Xmlize render block-style and markup output.
//
// Unknown field names never fail a parse: they pass through unchanged and
// are logged at debug level (SetLogger). Malformed input degrades to
// partial output terminated by a marker string; no transform returns an
// error.
package plan
