package plan

import (
	"strings"

	"go.uber.org/zap"
)

const (
	textLevelStep    = 6
	textIndentOffset = 2
)

// groupingSet buffers one element of a Grouping Sets list until the node
// flushes.
type groupingSet struct {
	sortKeys  string
	groupKeys []string
	keyType   string
}

// nodeVals accumulates the properties of the plan node currently being
// parsed. The text renderer flushes it once per node boundary.
type nodeVals struct {
	nodeTag     nodeTag
	nodeType    string
	operation   string
	subplanName string

	scanDir    string
	indexName  string
	objName    string
	schemaName string

	filter       string
	joinFilter   string
	alias        string
	output       string
	targetTables []string
	funcCall     string
	sortMethod   string
	sortKey      string
	groupKey     string
	hashKey      string
	groupingSets []*groupingSet
	indexCond    string
	mergeCond    string
	hashCond     string
	tidCond      string
	recheckCond  string
	hashBuckets  string
	hashBatches  string
	setOpCommand string
	joinType     string

	orgHashBatches  string
	orgHashBuckets  string
	peakMemoryUsage string

	startupCost string
	totalCost   string
	planRows    string
	planWidth   string

	sortSpaceUsed string
	sortSpaceType string

	actualStartupTime string
	actualTotalTime   string
	actualRows        string
	actualLoops       string

	heapFetches       string
	sharedHitBlks     string
	sharedReadBlks    string
	sharedDirtiedBlks string
	sharedWrittenBlks string
	localHitBlks      string
	localReadBlks     string
	localDirtiedBlks  string
	localWrittenBlks  string
	tempReadBlks      string
	tempWrittenBlks   string
	ioReadTime        string
	ioWriteTime       string

	filterRemoved   string
	idxRchkRemoved  string
	joinFiltRemoved string

	trigName     string
	trigRelation string
	trigTime     string
	trigCalls    string

	planTime string
	execTime string

	exactHeapBlks string
	lossyHeapBlks string

	conflictResolution     string
	conflictArbiterIndexes string
	tuplesInserted         string
	conflictingTuples      string

	samplingMethod string
	samplingParams string
	repeatableSeed string

	parallelAware bool
	partialMode   string

	workerNumber    string
	workersPlanned  string
	workersLaunched string
	innerUnique     bool

	tableFuncName string

	presortedKey    string
	sortMethodUsed  string
	sortSpaceMem    string
	groupCount      string
	avgSortSpcUsed  string
	peakSortSpcUsed string

	tmpObjName    string
	tmpSchemaName string
	tmpAlias      string

	undef        []string
	undefNewElem bool
}

func listAppend(dst *string, val string) {
	if *dst == "" {
		*dst = val
		return
	}
	*dst += ", " + val
}

// setUndef collects fields the renderer has no slot for. The accumulated
// strings are emitted verbatim, one line each, in JSON property shape.
func setUndef(v *nodeVals, val string) {
	if v.undefNewElem || len(v.undef) == 0 {
		v.undef = append(v.undef, val)
		return
	}
	v.undef[len(v.undef)-1] += val
}

func setNodeType(v *nodeVals, val string) {
	v.nodeType = val
	v.nodeTag = ntOther

	if p := searchWordTable(nodeTypes, val, ModeTextize); p != nil {
		if p.text != "" {
			v.nodeType = p.text
		} else {
			v.nodeType = p.long
		}
		v.nodeTag = p.node
	}
}

// setStrategy folds the strategy value into the displayed node type name,
// the way the canonical explain output names aggregate and set operations.
func setStrategy(v *nodeVals, val string) {
	p := searchWordTable(strategies, val, ModeTextize)
	if p == nil {
		return
	}

	switch v.nodeTag {
	case ntAgg:
		switch p.long {
		case "Hashed":
			v.nodeType = "HashAggregate"
		case "Sorted":
			v.nodeType = "GroupAggregate"
		case "Mixed":
			v.nodeType = "MixedAggregate"
		}
	case ntSetOp:
		if p.long == "Hashed" {
			v.nodeType = "HashSetOp"
		}
	}
}

// quoteIdent wraps an identifier in double quotes unless it is already a
// plain lower-case name that needs none.
func quoteIdent(s string) string {
	if s == "" {
		return `""`
	}
	plain := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || c == '_' || (i > 0 && (c >= '0' && c <= '9' || c == '$')) {
			continue
		}
		plain = false
		break
	}
	if plain {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isZero(s string) bool {
	return s == "" || s == "0" || s == "0.000"
}

func hasString(s string) bool { return s != "" }

func textIndentBase(level, exind int) int {
	if level < 2 {
		return exind
	}
	return textLevelStep*(level-2) + textIndentOffset + exind
}

func textIndentDetails(level, exind int) int {
	if level < 2 {
		return textIndentBase(level, exind) + 2
	}
	return textIndentBase(level, exind) + textLevelStep
}

func printObjName(b *strings.Builder, objName, schemaName, alias string) {
	onWritten := false

	if hasString(objName) {
		onWritten = true
		b.WriteString(" on ")
		if hasString(schemaName) {
			b.WriteString(schemaName)
			b.WriteByte('.')
		}
		b.WriteString(objName)
	}
	if hasString(alias) && (!hasString(objName) || objName != alias) {
		if !onWritten {
			b.WriteString(" on ")
		} else {
			b.WriteByte(' ')
		}
		b.WriteString(alias)
	}
}

func printProp(b *strings.Builder, prep, prop string, level, exind int) {
	if level > 0 {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
	}
	b.WriteString(prep)
	b.WriteString(prop)
}

func printPropIfExists(b *strings.Builder, prep, prop string, level, exind int) {
	if hasString(prop) {
		printProp(b, prep, prop, level, exind)
	}
}

func printPropIfNz(b *strings.Builder, prep, prop string, level, exind int) {
	if !isZero(prop) {
		printProp(b, prep, prop, level, exind)
	}
}

// printListProp always indents, even for top nodes; list-valued fields are
// details by definition.
func printListProp(b *strings.Builder, prep, prop string, level, exind int) {
	if hasString(prop) {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString(prep)
		b.WriteString(prop)
	}
}

func printGroupingSets(b *strings.Builder, gss []*groupingSet, level, exind int) {
	for _, gs := range gss {
		if gs.sortKeys != "" {
			printPropIfExists(b, "Sort Key: ", gs.sortKeys, level, exind)
			exind += 2
		}
		for _, gk := range gs.groupKeys {
			printPropIfExists(b, gs.keyType, gk, level, exind)
		}
	}
}

func writeSpaces(b *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		b.WriteByte(' ')
	}
}

func (ctx *context) printCurrentNode() {
	v := ctx.v
	b := &ctx.dest
	level := ctx.level - 1
	comma := false
	exind := 0

	// Elements of a Workers list have no node type of their own; they are
	// recognized by their worker number instead.
	if v.nodeType == "" && !hasString(v.workerNumber) {
		return
	}

	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	writeSpaces(b, textIndentBase(level, exind))

	if hasString(v.subplanName) {
		b.WriteString(v.subplanName)
		b.WriteByte('\n')
		exind = 2
		writeSpaces(b, textIndentBase(level, exind))
	}

	// list items don't need this header
	if level > 1 && ctx.currentList == tagInvalid {
		b.WriteString("->  ")
	}

	if v.parallelAware {
		b.WriteString("Parallel ")
	}

	switch v.nodeTag {
	case ntModifyTable, ntSeqScan, ntBitmapHeapScan, ntTidScan, ntSubqueryScan,
		ntFunctionScan, ntValuesScan, ntCteScan, ntWorkTableScan, ntForeignScan:
		if v.nodeTag == ntModifyTable {
			b.WriteString(v.operation)
		} else {
			b.WriteString(v.nodeType)
		}
		printObjName(b, v.objName, v.schemaName, v.alias)

	case ntIndexScan, ntIndexOnlyScan, ntBitmapIndexScan:
		b.WriteString(v.nodeType)
		printPropIfExists(b, " ", v.scanDir, 0, 0)
		printPropIfExists(b, " using ", v.indexName, 0, 0)
		printObjName(b, v.objName, v.schemaName, v.alias)

	case ntNestLoop, ntMergeJoin, ntHashJoin:
		b.WriteString(v.nodeType)
		if v.joinType != "" && v.joinType != "Inner" {
			b.WriteByte(' ')
			b.WriteString(v.joinType)
		}
		if v.nodeTag != ntNestLoop {
			b.WriteString(" Join")
		}

	case ntSetOp:
		b.WriteString(v.nodeType)
		printPropIfExists(b, " ", v.setOpCommand, 0, 0)

	default:
		if hasString(v.workerNumber) {
			b.WriteString("Worker")
			printPropIfExists(b, " ", v.workerNumber, 0, 0)

			// Workers arrive as objects in a list but print as plain
			// properties of their parent; pull the detail indent back.
			exind = -4
		} else {
			b.WriteString(v.nodeType)
		}
	}

	// child tables of a ModifyTable have no costs of their own
	if ctx.currentList == tagTargetTables {
		return
	}

	if !isZero(v.startupCost) && !isZero(v.totalCost) &&
		hasString(v.planRows) && hasString(v.planWidth) {
		b.WriteString("  (cost=")
		b.WriteString(v.startupCost)
		b.WriteString("..")
		b.WriteString(v.totalCost)
		b.WriteString(" rows=")
		b.WriteString(v.planRows)
		b.WriteString(" width=")
		b.WriteString(v.planWidth)
		b.WriteString(")")
	}

	if hasString(v.actualLoops) && isZero(v.actualLoops) {
		b.WriteString(" (never executed)")
	} else if hasString(v.actualRows) && hasString(v.actualLoops) &&
		hasString(v.actualStartupTime) && hasString(v.actualTotalTime) {
		b.WriteString(" (actual time=")
		b.WriteString(v.actualStartupTime)
		b.WriteString("..")
		b.WriteString(v.actualTotalTime)
		b.WriteString(" rows=")
		b.WriteString(v.actualRows)
		b.WriteString(" loops=")
		b.WriteString(v.actualLoops)
		b.WriteString(")")
	}

	for _, tt := range v.targetTables {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString(tt)
	}

	printListProp(b, "Output: ", v.output, level, exind)
	printListProp(b, "Group Key: ", v.groupKey, level, exind)
	printGroupingSets(b, v.groupingSets, level, exind)
	printPropIfExists(b, "Merge Cond: ", v.mergeCond, level, exind)
	printPropIfExists(b, "Hash Cond: ", v.hashCond, level, exind)
	printPropIfExists(b, "Tid Cond: ", v.tidCond, level, exind)
	printPropIfExists(b, "Join Filter: ", v.joinFilter, level, exind)
	printPropIfExists(b, "Index Cond: ", v.indexCond, level, exind)
	printPropIfExists(b, "Recheck Cond: ", v.recheckCond, level, exind)
	printPropIfExists(b, "Workers Planned: ", v.workersPlanned, level, exind)
	printPropIfExists(b, "Workers Launched: ", v.workersLaunched, level, exind)

	if hasString(v.samplingMethod) {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString("Sampling: ")
		b.WriteString(v.samplingMethod)
		b.WriteString(" (")
		b.WriteString(v.samplingParams)
		b.WriteString(")")
		if v.repeatableSeed != "" {
			b.WriteString(" REPEATABLE (")
			b.WriteString(v.repeatableSeed)
			b.WriteString(")")
		}
	}

	printListProp(b, "Sort Key: ", v.sortKey, level, exind)
	if hasString(v.sortMethod) {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString("Sort Method: ")
		b.WriteString(v.sortMethod)

		if hasString(v.sortSpaceType) && hasString(v.sortSpaceUsed) {
			b.WriteString("  ")
			b.WriteString(v.sortSpaceType)
			b.WriteString(": ")
			b.WriteString(v.sortSpaceUsed)
			b.WriteString("kB")
		}
	}

	printPropIfExists(b, "Function Call: ", v.funcCall, level, exind)

	// Unknown properties come out here, in the same shape the canonical
	// format prints them.
	for _, u := range v.undef {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString(u)
	}
	v.undef = nil

	printPropIfExists(b, "Filter: ", v.filter, level, exind)
	printPropIfNz(b, "Rows Removed by Filter: ", v.filterRemoved, level, exind)
	printPropIfNz(b, "Rows Removed by Index Recheck: ", v.idxRchkRemoved, level, exind)
	printPropIfNz(b, "Rows Removed by Join Filter: ", v.joinFiltRemoved, level, exind)

	if hasString(v.exactHeapBlks) || hasString(v.lossyHeapBlks) {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString("Heap Blocks:")
		printPropIfNz(b, " exact=", v.exactHeapBlks, 0, exind)
		printPropIfNz(b, " lossy=", v.lossyHeapBlks, 0, exind)
	}

	if !isZero(v.hashBuckets) {
		showOriginal := false

		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString("Buckets: ")
		b.WriteString(v.hashBuckets)

		if (v.orgHashBuckets != "" && v.hashBuckets != v.orgHashBuckets) ||
			(v.orgHashBatches != "" && v.hashBatches != v.orgHashBatches) {
			showOriginal = true
		}

		if showOriginal && v.orgHashBuckets != "" {
			b.WriteString(" (originally ")
			b.WriteString(v.orgHashBuckets)
			b.WriteByte(')')
		}

		if !isZero(v.hashBatches) {
			b.WriteString("  Batches: ")
			b.WriteString(v.hashBatches)
			if showOriginal && v.orgHashBatches != "" {
				b.WriteString(" (originally ")
				b.WriteString(v.orgHashBatches)
				b.WriteByte(')')
			}
		}
		if !isZero(v.peakMemoryUsage) {
			b.WriteString("  Memory Usage: ")
			b.WriteString(v.peakMemoryUsage)
			b.WriteString("kB")
		}
	}

	printPropIfExists(b, "Heap Fetches: ", v.heapFetches, level, exind)
	printPropIfExists(b, "Conflict Resolution: ", v.conflictResolution, level, exind)
	printListProp(b, "Conflict Arbiter Indexes: ", v.conflictArbiterIndexes, level, exind)
	printPropIfExists(b, "Tuples Inserted: ", v.tuplesInserted, level, exind)
	printPropIfExists(b, "Conflicting Tuples: ", v.conflictingTuples, level, exind)

	if !isZero(v.sharedHitBlks) || !isZero(v.sharedReadBlks) ||
		!isZero(v.sharedDirtiedBlks) || !isZero(v.sharedWrittenBlks) {
		b.WriteByte('\n')
		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString("Buffers: shared")

		comma = writeBufGroup(b, comma,
			" hit=", v.sharedHitBlks,
			" read=", v.sharedReadBlks,
			" dirtied=", v.sharedDirtiedBlks,
			" written=", v.sharedWrittenBlks)
	}
	if !isZero(v.localHitBlks) || !isZero(v.localReadBlks) ||
		!isZero(v.localDirtiedBlks) || !isZero(v.localWrittenBlks) {
		if comma {
			b.WriteString(", ")
		} else {
			writeSpaces(b, textIndentDetails(level, exind))
			b.WriteString("Buffers: ")
		}

		b.WriteString("local")
		comma = writeBufGroup(b, comma,
			" hit=", v.localHitBlks,
			" read=", v.localReadBlks,
			" dirtied=", v.localDirtiedBlks,
			" written=", v.localWrittenBlks)
	}
	if !isZero(v.tempReadBlks) || !isZero(v.tempWrittenBlks) {
		if comma {
			b.WriteString(", ")
		} else {
			writeSpaces(b, textIndentDetails(level, exind))
			b.WriteString("Buffers: ")
		}

		b.WriteString("temp")
		comma = writeBufGroup(b, comma,
			" read=", v.tempReadBlks,
			" written=", v.tempWrittenBlks)
	}
	if !isZero(v.ioReadTime) || !isZero(v.ioWriteTime) {
		// feed a line if any Buffers: item has been shown
		if comma {
			b.WriteByte('\n')
		}

		writeSpaces(b, textIndentDetails(level, exind))
		b.WriteString("I/O Timings: ")

		if !isZero(v.ioReadTime) {
			b.WriteString(" read=")
			b.WriteString(v.ioReadTime)
		}
		if !isZero(v.ioWriteTime) {
			b.WriteString(" write=")
			b.WriteString(v.ioWriteTime)
		}
	}
}

// writeBufGroup emits label=value pairs for the non-zero values of one
// buffer class and reports whether anything has been written so far.
func writeBufGroup(b *strings.Builder, comma bool, pairs ...string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		if !isZero(pairs[i+1]) {
			b.WriteString(pairs[i])
			b.WriteString(pairs[i+1])
			comma = true
		}
	}
	return comma
}

func (ctx *context) printCurrentTrigNode() {
	v := ctx.v
	b := &ctx.dest

	if hasString(v.trigName) && !isZero(v.trigTime) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("Trigger ")
		b.WriteString(v.trigName)
		b.WriteString(": time=")
		b.WriteString(v.trigTime)
		b.WriteString(" calls=")
		b.WriteString(v.trigCalls)
	}
}

func (ctx *context) textObjStart() {
	ctx.level++

	// entering a grouping set: start clean key accumulators
	if ctx.currentList == tagGroupSets {
		ctx.tmpGset = &groupingSet{}
		ctx.v.sortKey = ""
		ctx.v.groupKey = ""
		ctx.v.hashKey = ""
	}
}

func (ctx *context) textObjEnd() {
	v := ctx.v

	switch {
	case ctx.planLevels.Has(ctx.level - 1):
		// the object was a plan node or a member of a Plans list
		ctx.printCurrentNode()
		*v = nodeVals{}

	case ctx.section == tagTriggers:
		ctx.printCurrentTrigNode()
		*v = nodeVals{}

	case ctx.currentList == tagTargetTables:
		// fold the finished child-table object into one display line
		ctx.workStr.Reset()
		ctx.workStr.WriteString(v.operation)
		printObjName(&ctx.workStr, v.objName, v.schemaName, v.alias)
		v.targetTables = append(v.targetTables, ctx.workStr.String())
		ctx.workStr.Reset()

	case ctx.currentList == tagGroupSets && ctx.tmpGset != nil:
		if v.sortKey != "" {
			ctx.tmpGset.sortKeys = v.sortKey
			v.sortKey = ""
		}
		v.groupingSets = append(v.groupingSets, ctx.tmpGset)
		ctx.tmpGset = nil
	}

	ctx.lastElemIsObject = true
	ctx.level--
}

func (ctx *context) textArrStart() {
	if ctx.currentList == tagGroupSets {
		ctx.wlistLevel++
	}
}

func (ctx *context) textArrEnd() {
	if ctx.currentList != tagGroupSets {
		return
	}

	// wlistLevel 3 means the end of one innermost Group Keys list. Each
	// innermost list becomes its own display line; an empty one prints as
	// "()", matching the canonical format.
	if ctx.wlistLevel == 3 {
		v := ctx.v

		ctx.tmpGset.keyType = "Group Key: "
		switch {
		case v.groupKey != "":
			ctx.tmpGset.groupKeys = append(ctx.tmpGset.groupKeys, v.groupKey)
		case v.hashKey != "":
			ctx.tmpGset.groupKeys = append(ctx.tmpGset.groupKeys, v.hashKey)
			ctx.tmpGset.keyType = "Hash Key: "
		default:
			ctx.tmpGset.groupKeys = append(ctx.tmpGset.groupKeys, "()")
		}

		v.groupKey = ""
		v.hashKey = ""
	}
	ctx.wlistLevel--
}

func (ctx *context) textOfStart(fname string) {
	ctx.setter = nil
	p := searchWordTable(propFields, fname, ModeTextize)

	if p == nil {
		logger().Debug("compact plan parser encountered unknown field name, passing through",
			zap.String("field", fname),
			zap.String("input", ctx.org))

		// Unknown properties may come from foreign data wrappers; keep them
		// in a shape that can be emitted as-is.
		ctx.setter = setUndef
		ctx.v.undefNewElem = true
		ctx.setter(ctx.v, fname)
		ctx.v.undefNewElem = false
		ctx.setter(ctx.v, ": ")
		return
	}

	// Flush the pending node when the next plan level starts. This relies
	// on the plan output being structured tail-recursively.
	if p.tag == tagPlan || p.tag == tagPlans || p.tag == tagWorkers {
		ctx.printCurrentNode()
		*ctx.v = nodeVals{}
	} else if p.tag == tagTargetTables {
		v := ctx.v

		ctx.currentList = p.tag
		ctx.listFname = fname

		// the child-table objects reuse these slots; stash the node's own
		v.tmpObjName = v.objName
		v.tmpSchemaName = v.schemaName
		v.tmpAlias = v.alias
	}

	if p.tag == tagGroupSets || p.tag == tagWorkers {
		ctx.currentList = p.tag
		ctx.listFname = fname
		ctx.wlistLevel = 0
	}

	if p.tag == tagPlan || p.tag == tagPlans || p.tag == tagWorkers {
		ctx.planLevels.Add(ctx.level)
	} else {
		ctx.planLevels.Del(ctx.level)
	}

	if p.tag == tagPlan || p.tag == tagTriggers {
		ctx.section = p.tag
	}
	ctx.setter = p.set
}

func (ctx *context) textOfEnd(fname string) {
	v := ctx.v

	// lists with the same field name are assumed not to nest
	if ctx.listFname != "" && fname == ctx.listFname {
		if ctx.currentList == tagTargetTables {
			v.objName = v.tmpObjName
			v.schemaName = v.tmpSchemaName
			v.alias = v.tmpAlias
		}

		ctx.listFname = ""
		ctx.currentList = tagInvalid
	}

	// planning/execution time footers appear at the very end of the plan
	if hasString(v.planTime) || hasString(v.execTime) {
		if hasString(v.planTime) {
			ctx.dest.WriteString("\nPlanning Time: ")
			ctx.dest.WriteString(v.planTime)
			ctx.dest.WriteString(" ms")
		} else {
			ctx.dest.WriteString("\nExecution Time: ")
			ctx.dest.WriteString(v.execTime)
			ctx.dest.WriteString(" ms")
		}
		*v = nodeVals{}
	}
}

func (ctx *context) textScalar(token string, _ bool) {
	if ctx.setter != nil {
		ctx.setter(ctx.v, token)
	}
}

func (ctx *context) textHandlers() *handlers {
	return &handlers{
		objStart: ctx.textObjStart,
		objEnd:   ctx.textObjEnd,
		arrStart: ctx.textArrStart,
		arrEnd:   ctx.textArrEnd,
		ofStart:  ctx.textOfStart,
		ofEnd:    ctx.textOfEnd,
		scalar:   ctx.textScalar,
	}
}

// Textize renders a compact-token plan as the familiar indented multi-line
// report.
func Textize(src string) string {
	ctx := newContext(ModeTextize, src)
	ctx.v = &nodeVals{}

	if !walkDocument(src, ctx.textHandlers()) {
		if ctx.v.nodeType != "" {
			ctx.printCurrentNode()
		}
		ctx.appendParseFailure(0)
	}
	return ctx.dest.String()
}
