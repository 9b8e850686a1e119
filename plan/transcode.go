package plan

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/planstore/planstore/internal/util"
)

const indentStep = 2

// Markers appended when the source document cannot be parsed to the end.
const (
	markerNotJSON   = "<Input was not JSON>"
	markerTruncated = "<truncated>"
)

// handlers receives traversal events from walkDocument. Nil callbacks are
// skipped. ofStart fires before the field's value is walked, aeStart before
// each array element.
type handlers struct {
	objStart func()
	objEnd   func()
	arrStart func()
	arrEnd   func()
	ofStart  func(fname string)
	ofEnd    func(fname string)
	aeStart  func()
	aeEnd    func()
	scalar   func(token string, isString bool)
}

// walkDocument streams src through h, depth first. It reports whether the
// whole input was consumed as one well-formed document; on malformed input
// every event up to the failure point has already been delivered.
func walkDocument(src string, h *handlers) bool {
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return false
	}
	if !walkValue(dec, tok, h) {
		return false
	}
	_, err = dec.Token()
	return err == io.EOF
}

func walkValue(dec *json.Decoder, tok json.Token, h *handlers) bool {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			if h.objStart != nil {
				h.objStart()
			}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return false
				}
				key, ok := kt.(string)
				if !ok {
					return false
				}
				if h.ofStart != nil {
					h.ofStart(key)
				}
				vt, err := dec.Token()
				if err != nil {
					return false
				}
				if !walkValue(dec, vt, h) {
					return false
				}
				if h.ofEnd != nil {
					h.ofEnd(key)
				}
			}
			if _, err := dec.Token(); err != nil {
				return false
			}
			if h.objEnd != nil {
				h.objEnd()
			}
		case '[':
			if h.arrStart != nil {
				h.arrStart()
			}
			for dec.More() {
				if h.aeStart != nil {
					h.aeStart()
				}
				vt, err := dec.Token()
				if err != nil {
					return false
				}
				if !walkValue(dec, vt, h) {
					return false
				}
				if h.aeEnd != nil {
					h.aeEnd()
				}
			}
			if _, err := dec.Token(); err != nil {
				return false
			}
			if h.arrEnd != nil {
				h.arrEnd()
			}
		}
	case string:
		if h.scalar != nil {
			h.scalar(t, true)
		}
	case json.Number:
		if h.scalar != nil {
			h.scalar(t.String(), false)
		}
	case bool:
		if h.scalar != nil {
			h.scalar(strconv.FormatBool(t), false)
		}
	case nil:
		if h.scalar != nil {
			h.scalar("null", false)
		}
	}
	return true
}

// context carries the shared traversal state of one transcoding pass.
type context struct {
	dest strings.Builder
	mode Mode
	org  string

	level      int
	first      util.BitSet
	notItem    util.BitSet
	planLevels util.BitSet

	fname     string
	converter convFunc
	remove    bool

	currentList tag
	listFname   string
	wlistLevel  int

	lastElemIsObject bool
	section          tag

	v       *nodeVals
	setter  setFunc
	tmpGset *groupingSet
	workStr strings.Builder
}

func newContext(mode Mode, src string) *context {
	return &context{mode: mode, org: src, currentList: tagInvalid, section: tagInvalid}
}

func (ctx *context) indent(n int) {
	for i := 0; i < n; i++ {
		ctx.dest.WriteByte(' ')
	}
}

func (ctx *context) logUnknownField(fname string) {
	logger().Debug("plan parser encountered unknown field name",
		zap.String("field", fname),
		zap.String("input", ctx.org))
}

func appendJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				const hex = "0123456789abcdef"
				b.WriteByte(hex[c>>4])
				b.WriteByte(hex[c&0xf])
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

func hyphenateWords(s string) string {
	return strings.ReplaceAll(s, " ", "-")
}

func isIndentedArray(t tag) bool {
	return t == tagGroupKeys || t == tagHashKeys
}

/* Compact and expanded JSON emitters. */

func (ctx *context) jsonObjStart() {
	if ctx.mode == ModeInflate {
		if ctx.fname == "" && ctx.dest.Len() > 0 {
			ctx.dest.WriteByte('\n')
			ctx.indent(ctx.level * indentStep)
		}
		ctx.fname = ""
	}
	ctx.dest.WriteByte('{')

	ctx.level++
	ctx.first.Add(ctx.level)

	if ctx.mode == ModeInflate {
		ctx.dest.WriteByte('\n')
	}
}

func (ctx *context) jsonObjEnd() {
	if ctx.mode == ModeInflate {
		if !ctx.first.Has(ctx.level) {
			ctx.dest.WriteByte('\n')
		}
		ctx.indent((ctx.level - 1) * indentStep)
	}

	ctx.dest.WriteByte('}')

	ctx.level--
	ctx.lastElemIsObject = true
	ctx.first.Del(ctx.level)
	ctx.fname = ""
}

func (ctx *context) jsonArrStart() {
	if isIndentedArray(ctx.currentList) {
		ctx.wlistLevel++
	}

	ctx.dest.WriteByte('[')
	ctx.fname = ""
	ctx.level++
	ctx.lastElemIsObject = true
	ctx.first.Add(ctx.level)
}

func (ctx *context) jsonArrEnd() {
	if isIndentedArray(ctx.currentList) {
		ctx.wlistLevel--
	}

	if ctx.mode == ModeInflate {
		indented := ctx.wlistLevel == 0
		if !isIndentedArray(ctx.currentList) {
			indented = ctx.lastElemIsObject
		}
		if indented {
			ctx.dest.WriteByte('\n')
			ctx.indent((ctx.level - 1) * indentStep)
		}
	}

	ctx.dest.WriteByte(']')
	ctx.level--
}

func (ctx *context) jsonOfStart(fname string) {
	ctx.remove = false
	p := searchWordTable(propFields, fname, ctx.mode)
	if p == nil {
		ctx.logUnknownField(fname)
	}

	ctx.remove = ctx.mode == ModeNormalize && (p == nil || !p.normUse)
	if ctx.remove {
		return
	}

	if !ctx.first.Has(ctx.level) {
		ctx.dest.WriteByte(',')
		if ctx.mode == ModeInflate {
			ctx.dest.WriteByte('\n')
		}
	} else {
		ctx.first.Del(ctx.level)
	}

	if ctx.mode == ModeInflate {
		ctx.indent(ctx.level * indentStep)
	}

	fn := fname
	if p != nil && p.long != "" {
		if ctx.mode == ModeInflate || p.short == "" {
			fn = p.long
		} else {
			fn = p.short
		}
	}

	appendJSONString(&ctx.dest, fn)
	ctx.fname = fn
	if p != nil {
		ctx.converter = p.convert
	} else {
		ctx.converter = nil
	}

	ctx.dest.WriteByte(':')

	if ctx.mode == ModeInflate {
		ctx.dest.WriteByte(' ')
	}

	if p != nil && isIndentedArray(p.tag) {
		ctx.currentList = p.tag
		ctx.listFname = fname
		ctx.wlistLevel = 0
	}
}

func (ctx *context) jsonOfEnd(fname string) {
	if ctx.listFname != "" && fname == ctx.listFname {
		ctx.listFname = ""
		ctx.currentList = tagInvalid
	}
}

func (ctx *context) jsonAeStart() {
	if ctx.remove {
		return
	}

	if isIndentedArray(ctx.currentList) && ctx.wlistLevel == 1 {
		if !ctx.first.Has(ctx.level) {
			ctx.dest.WriteByte(',')
		}
		if ctx.mode == ModeInflate {
			ctx.dest.WriteByte('\n')
			ctx.indent(ctx.level * indentStep)
		}
	} else if !ctx.first.Has(ctx.level) {
		ctx.dest.WriteByte(',')
		if ctx.mode == ModeInflate && !ctx.lastElemIsObject {
			ctx.dest.WriteByte(' ')
		}
	}

	ctx.first.Del(ctx.level)
}

func (ctx *context) jsonScalar(token string, isString bool) {
	if ctx.remove {
		return
	}

	val := token
	if ctx.converter != nil {
		val = ctx.converter(token, ctx.mode)
	}

	if isString {
		appendJSONString(&ctx.dest, val)
	} else {
		ctx.dest.WriteString(val)
	}
	ctx.lastElemIsObject = false
}

func (ctx *context) jsonHandlers() *handlers {
	return &handlers{
		objStart: ctx.jsonObjStart,
		objEnd:   ctx.jsonObjEnd,
		arrStart: ctx.jsonArrStart,
		arrEnd:   ctx.jsonArrEnd,
		ofStart:  ctx.jsonOfStart,
		ofEnd:    ctx.jsonOfEnd,
		aeStart:  ctx.jsonAeStart,
		scalar:   ctx.jsonScalar,
	}
}

/* Block-style emitter. */

func (ctx *context) yamlObjStart() {
	if ctx.fname != "" {
		if ctx.dest.Len() > 0 {
			ctx.dest.WriteByte('\n')
		}
		ctx.indent((ctx.level - 1) * indentStep)
		ctx.dest.WriteString("- ")
		ctx.dest.WriteString(ctx.fname)
		ctx.dest.WriteString(":\n")
		ctx.indent((ctx.level + 1) * indentStep)
		ctx.fname = ""
	}

	ctx.level++
	ctx.first.Add(ctx.level)
}

func (ctx *context) yamlObjEnd() {
	ctx.level--
	ctx.lastElemIsObject = true
	ctx.first.Del(ctx.level)
}

func (ctx *context) yamlArrStart() {
	if ctx.fname != "" {
		ctx.dest.WriteString(ctx.fname)
		ctx.dest.WriteByte(':')
	}

	ctx.fname = ""
	ctx.level++
	ctx.first.Add(ctx.level)
}

func (ctx *context) yamlArrEnd() {
	ctx.level--
}

func (ctx *context) yamlOfStart(fname string) {
	p := searchWordTable(propFields, fname, ctx.mode)
	if p == nil {
		ctx.logUnknownField(fname)
	}
	s := fname
	if p != nil {
		s = p.long
	}

	if !ctx.first.Has(ctx.level) {
		ctx.dest.WriteByte('\n')
		ctx.indent(ctx.level * indentStep)
	} else {
		ctx.first.Del(ctx.level)
	}

	ctx.fname = s
	if p != nil {
		ctx.converter = p.convert
	} else {
		ctx.converter = nil
	}
}

func (ctx *context) yamlAeStart() {
	ctx.dest.WriteByte('\n')
	ctx.first.Del(ctx.level)
	ctx.indent(ctx.level * indentStep)
	ctx.dest.WriteString("- ")
}

func (ctx *context) yamlScalar(token string, isString bool) {
	if ctx.fname != "" {
		ctx.dest.WriteString(ctx.fname)
		ctx.dest.WriteString(": ")
		ctx.fname = ""
	}

	ctx.jsonScalar(token, isString)
	ctx.lastElemIsObject = false
}

func (ctx *context) yamlHandlers() *handlers {
	return &handlers{
		objStart: ctx.yamlObjStart,
		objEnd:   ctx.yamlObjEnd,
		arrStart: ctx.yamlArrStart,
		arrEnd:   ctx.yamlArrEnd,
		ofStart:  ctx.yamlOfStart,
		aeStart:  ctx.yamlAeStart,
		scalar:   ctx.yamlScalar,
	}
}

/* Markup emitter. */

func (ctx *context) xmlObjStart() {
	ctx.level++
	ctx.first.Add(ctx.level)
}

func (ctx *context) xmlObjEnd() {
	ctx.dest.WriteByte('\n')
	ctx.indent(ctx.level * indentStep)

	ctx.level--
	ctx.first.Del(ctx.level)

	ctx.lastElemIsObject = true
}

func (ctx *context) xmlArrEnd() {
	ctx.dest.WriteByte('\n')
	ctx.indent((ctx.level + 1) * indentStep)
}

func (ctx *context) xmlOfStart(fname string) {
	p := searchWordTable(propFields, fname, ctx.mode)
	if p == nil {
		ctx.logUnknownField(fname)
	}
	s := fname
	if p != nil {
		s = p.long
	}

	// Plan and trigger sections tag their array items differently, so
	// remember which one we are under.
	if p != nil && (p.tag == tagPlan || p.tag == tagTriggers) {
		ctx.section = p.tag
	}

	ctx.dest.WriteByte('\n')
	ctx.indent((ctx.level + 1) * indentStep)

	ctx.dest.WriteByte('<')
	ctx.dest.WriteString(escapeXML(hyphenateWords(s)))
	ctx.dest.WriteByte('>')
	if p != nil {
		ctx.converter = p.convert
	} else {
		ctx.converter = nil
	}

	// Items under Plans or Triggers get their own wrapper tag; plain <Item>
	// appears only inside Output lists.
	if p != nil && (p.tag == tagPlans || p.tag == tagTriggers) {
		ctx.notItem.Add(ctx.level + 1)
	} else {
		ctx.notItem.Del(ctx.level + 1)
	}
}

func (ctx *context) xmlOfEnd(fname string) {
	p := searchWordTable(propFields, fname, ctx.mode)
	s := fname
	if p != nil {
		s = p.long
	}

	ctx.dest.WriteString("</")
	ctx.dest.WriteString(escapeXML(hyphenateWords(s)))
	ctx.dest.WriteByte('>')
}

func (ctx *context) xmlAeStart() {
	ctx.level++
	tag := "<Item>"
	if ctx.notItem.Has(ctx.level) {
		if ctx.section == tagPlan {
			tag = "<Plan>"
		} else {
			tag = "<Trigger>"
		}
	}

	ctx.dest.WriteByte('\n')
	ctx.indent((ctx.level + 1) * indentStep)
	ctx.dest.WriteString(tag)
}

func (ctx *context) xmlAeEnd() {
	tag := "</Item>"
	if ctx.notItem.Has(ctx.level) {
		if ctx.section == tagPlan {
			tag = "</Plan>"
		} else {
			tag = "</Trigger>"
		}
	}
	ctx.dest.WriteString(tag)
	ctx.level--
}

func (ctx *context) xmlScalar(token string, isString bool) {
	s := token
	if ctx.converter != nil {
		s = ctx.converter(token, ModeXmlize)
	}

	if isString {
		s = escapeXML(s)
	}

	ctx.dest.WriteString(s)
	ctx.lastElemIsObject = false
}

func (ctx *context) xmlHandlers() *handlers {
	return &handlers{
		objStart: ctx.xmlObjStart,
		objEnd:   ctx.xmlObjEnd,
		arrEnd:   ctx.xmlArrEnd,
		ofStart:  ctx.xmlOfStart,
		ofEnd:    ctx.xmlOfEnd,
		aeStart:  ctx.xmlAeStart,
		aeEnd:    ctx.xmlAeEnd,
		scalar:   ctx.xmlScalar,
	}
}

/* Entry points. */

// Shorten re-emits a long-form plan document in the compact-token form.
// The input is assumed well formed; on malformed input the output is simply
// cut off at the failure point.
func Shorten(src string) string {
	ctx := newContext(ModeShorten, src)
	walkDocument(src, ctx.jsonHandlers())
	return ctx.dest.String()
}

/// Normalize produces the fingerprint form: short codes, run-varying fields
// dropped, expressions normalized. Two plans of identical shape normalize
// to byte-identical output.
func Normalize(src string) string {
	ctx := newContext(ModeNormalize, src)
	walkDocument(src, ctx.jsonHandlers())
	return ctx.dest.String()
}

// Fingerprint hashes the normalized form of a long-form plan document into
// the 32-bit plan identity.
func Fingerprint(src string) uint32 {
	return uint32(xxhash.Sum64String(Normalize(src)))
}

// Inflate expands a compact-token plan back into indented long-form JSON.
func Inflate(src string) string {
	ctx := newContext(ModeInflate, src)
	if !walkDocument(src, ctx.jsonHandlers()) {
		ctx.appendParseFailure(0)
	}
	return ctx.dest.String()
}

// Yamlize renders a compact-token plan as block-style nested text.
func Yamlize(src string) string {
	ctx := newContext(ModeYamlize, src)
	if !walkDocument(src, ctx.yamlHandlers()) {
		ctx.appendParseFailure(0)
	}
	return ctx.dest.String()
}

const xmlHeader = "<explain xmlns=\"http://www.postgresql.org/2009/explain\">\n  <Query>"

// Xmlize renders a compact-token plan as markup, reconstructing the
// wrapper element and the array-item tags the compact form elides.
func Xmlize(src string) string {
	ctx := newContext(ModeXmlize, src)
	ctx.dest.WriteString(xmlHeader)
	startLen := ctx.dest.Len()

	if !walkDocument(src, ctx.xmlHandlers()) {
		if ctx.dest.Len() == startLen {
			ctx.dest.Reset()
			ctx.dest.WriteString(markerNotJSON)
		} else {
			if !strings.HasSuffix(ctx.dest.String(), "\n") {
				ctx.dest.WriteByte('\n')
			}
			ctx.dest.WriteString(markerTruncated)
		}
	} else {
		ctx.dest.WriteString("</Query>\n</explain>\n")
	}
	return ctx.dest.String()
}

// appendParseFailure finishes partial output with the marker convention:
// a closing newline if missing, then a truncation marker, or the not-JSON
// marker when nothing was produced beyond baseLen.
func (ctx *context) appendParseFailure(baseLen int) {
	if ctx.dest.Len() == baseLen {
		ctx.dest.WriteString(markerNotJSON)
		return
	}
	if !strings.HasSuffix(ctx.dest.String(), "\n") {
		ctx.dest.WriteByte('\n')
	}
	ctx.dest.WriteString(markerTruncated)
}
