package plan

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/planstore/planstore/norm"
)

// Mode selects the target representation of a transcoding pass.
type Mode int

const (
	ModeShorten Mode = iota
	ModeNormalize
	ModeInflate
	ModeTextize
	ModeYamlize
	ModeXmlize
)

// tag classifies a property for the traversal state machine. Only the
// properties that change traversal behavior get their own tag; everything
// else is tagOther.
type tag int

const (
	tagInvalid tag = iota
	tagOther
	tagPlan
	tagPlans
	tagTriggers
	tagWorkers
	tagTargetTables
	tagGroupSets
	tagGroupKeys
	tagHashKeys
)

// nodeTag classifies a node type for text rendering. Node types without
// special display rules share ntOther.
type nodeTag int

const (
	ntOther nodeTag = iota
	ntModifyTable
	ntSeqScan
	ntIndexScan
	ntIndexOnlyScan
	ntBitmapIndexScan
	ntBitmapHeapScan
	ntTidScan
	ntSubqueryScan
	ntFunctionScan
	ntValuesScan
	ntCteScan
	ntWorkTableScan
	ntForeignScan
	ntNestLoop
	ntMergeJoin
	ntHashJoin
	ntAgg
	ntSetOp
)

type convFunc func(src string, mode Mode) string

type setFunc func(v *nodeVals, val string)

// wordEntry maps one long property or value name to its short code.
// text, when set, is the display name used for human-readable output.
// normUse marks fields whose values survive fingerprint normalization.
type wordEntry struct {
	tag     tag
	node    nodeTag
	short   string
	long    string
	text    string
	normUse bool
	convert convFunc
	set     setFunc
}

var propFields = []wordEntry{
	{tag: tagOther, short: "t", long: "Node Type", normUse: true, convert: convNodeType, set: setNodeType},
	{tag: tagOther, short: "h", long: "Parent Relationship", normUse: true, convert: convRelationship},
	{tag: tagOther, short: "n", long: "Relation Name", normUse: true, set: func(v *nodeVals, s string) { v.objName = quoteIdent(s) }},
	{tag: tagOther, short: "f", long: "Function Name", normUse: true, set: func(v *nodeVals, s string) { v.objName = quoteIdent(s) }},
	{tag: tagOther, short: "i", long: "Index Name", normUse: true, set: func(v *nodeVals, s string) { v.indexName = quoteIdent(s) }},
	{tag: tagOther, short: "c", long: "CTE Name", normUse: true, set: func(v *nodeVals, s string) { v.objName = quoteIdent(s) }},
	{tag: tagOther, short: "w", long: "Relation", normUse: true, set: func(v *nodeVals, s string) { v.trigRelation = quoteIdent(s) }},
	{tag: tagOther, short: "s", long: "Schema", normUse: true, set: func(v *nodeVals, s string) { v.schemaName = quoteIdent(s) }},
	{tag: tagOther, short: "a", long: "Alias", normUse: true, set: func(v *nodeVals, s string) { v.alias = quoteIdent(s) }},
	{tag: tagOther, short: "o", long: "Output", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { listAppend(&v.output, s) }},
	{tag: tagOther, short: "d", long: "Scan Direction", normUse: true, convert: convScanDir, set: func(v *nodeVals, s string) { v.scanDir = convScanDir(s, ModeTextize) }},
	{tag: tagOther, short: "m", long: "Merge Cond", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.mergeCond = s }},
	{tag: tagOther, short: "g", long: "Strategy", normUse: true, convert: convStrategy, set: setStrategy},
	{tag: tagOther, short: "j", long: "Join Type", normUse: true, convert: convJoinType, set: func(v *nodeVals, s string) { v.joinType = convJoinType(s, ModeTextize) }},
	{tag: tagOther, short: "e", long: "Sort Method", normUse: true, convert: convSortMethod, set: func(v *nodeVals, s string) { v.sortMethod = convSortMethod(s, ModeTextize) }},
	{tag: tagOther, short: "k", long: "Sort Key", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { listAppend(&v.sortKey, s) }},
	{tag: tagOther, short: "5", long: "Filter", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.filter = s }},
	{tag: tagOther, short: "6", long: "Join Filter", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.joinFilter = s }},
	{tag: tagOther, short: "7", long: "Hash Cond", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.hashCond = s }},
	{tag: tagOther, short: "8", long: "Index Cond", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.indexCond = s }},
	{tag: tagOther, short: "9", long: "TID Cond", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.tidCond = s }},
	{tag: tagOther, short: "0", long: "Recheck Cond", normUse: true, convert: convExpression, set: func(v *nodeVals, s string) { v.recheckCond = s }},
	{tag: tagOther, short: "!", long: "Operation", normUse: true, convert: convOperation, set: func(v *nodeVals, s string) { v.operation = convOperation(s, ModeTextize) }},
	{tag: tagOther, short: "q", long: "Subplan Name", normUse: true, set: func(v *nodeVals, s string) { v.subplanName = s }},
	{tag: tagOther, short: "b", long: "Command", normUse: true, convert: convSetOpCommand, set: func(v *nodeVals, s string) { v.setOpCommand = convSetOpCommand(s, ModeTextize) }},
	{tag: tagTriggers, short: "r", long: "Triggers", normUse: true},
	{tag: tagOther, short: "u", long: "Trigger", normUse: true, set: setNodeType},
	{tag: tagOther, short: "v", long: "Trigger Name", normUse: true, set: func(v *nodeVals, s string) { v.trigName = quoteIdent(s) }},
	{tag: tagOther, short: "x", long: "Constraint Name", normUse: true},
	{tag: tagPlans, short: "l", long: "Plans", normUse: true},
	{tag: tagPlan, short: "p", long: "Plan", normUse: true},
	{tag: tagOther, short: "-", long: "Group Key", normUse: true, set: func(v *nodeVals, s string) { listAppend(&v.groupKey, s) }},
	{tag: tagGroupSets, short: "=", long: "Grouping Sets", normUse: true},
	{tag: tagGroupKeys, short: `\`, long: "Group Keys", normUse: true, set: func(v *nodeVals, s string) { listAppend(&v.groupKey, s) }},

	{tag: tagHashKeys, short: "~", long: "Hash Keys", normUse: true, set: func(v *nodeVals, s string) { listAppend(&v.hashKey, s) }},
	{tag: tagOther, short: "|", long: "Hash Key", normUse: true, set: func(v *nodeVals, s string) { listAppend(&v.hashKey, s) }},

	{tag: tagOther, short: "`", long: "Parallel Aware", normUse: true, set: func(v *nodeVals, s string) { v.parallelAware = s == "true" }},
	{tag: tagOther, short: ">", long: "Partial Mode", normUse: true, convert: convPartialMode, set: func(v *nodeVals, s string) { v.partialMode = convPartialMode(s, ModeTextize) }},
	{tag: tagOther, short: "{", long: "Workers Planned", normUse: true, set: func(v *nodeVals, s string) { v.workersPlanned = s }},
	{tag: tagOther, short: "}", long: "Workers Launched", normUse: true, set: func(v *nodeVals, s string) { v.workersLaunched = s }},
	{tag: tagOther, short: "?", long: "Inner Unique", normUse: true, set: func(v *nodeVals, s string) { v.innerUnique = s == "true" }},

	// Values below vary run to run without changing plan shape, so they are
	// dropped when normalizing for the fingerprint.
	{tag: tagOther, short: "y", long: "Function Call", set: func(v *nodeVals, s string) { v.funcCall = s }},
	{tag: tagOther, short: "1", long: "Startup Cost", set: func(v *nodeVals, s string) { v.startupCost = s }},
	{tag: tagOther, short: "2", long: "Total Cost", set: func(v *nodeVals, s string) { v.totalCost = s }},
	{tag: tagOther, short: "3", long: "Plan Rows", set: func(v *nodeVals, s string) { v.planRows = s }},
	{tag: tagOther, short: "4", long: "Plan Width", set: func(v *nodeVals, s string) { v.planWidth = s }},
	{tag: tagOther, short: "A", long: "Actual Startup Time", set: func(v *nodeVals, s string) { v.actualStartupTime = s }},
	{tag: tagOther, short: "B", long: "Actual Total Time", set: func(v *nodeVals, s string) { v.actualTotalTime = s }},
	{tag: tagOther, short: "C", long: "Actual Rows", set: func(v *nodeVals, s string) { v.actualRows = s }},
	{tag: tagOther, short: "D", long: "Actual Loops", set: func(v *nodeVals, s string) { v.actualLoops = s }},
	{tag: tagOther, short: "E", long: "Heap Fetches", set: func(v *nodeVals, s string) { v.heapFetches = s }},
	{tag: tagOther, short: "F", long: "Shared Hit Blocks", set: func(v *nodeVals, s string) { v.sharedHitBlks = s }},
	{tag: tagOther, short: "G", long: "Shared Read Blocks", set: func(v *nodeVals, s string) { v.sharedReadBlks = s }},
	{tag: tagOther, short: "H", long: "Shared Dirtied Blocks", set: func(v *nodeVals, s string) { v.sharedDirtiedBlks = s }},
	{tag: tagOther, short: "I", long: "Shared Written Blocks", set: func(v *nodeVals, s string) { v.sharedWrittenBlks = s }},
	{tag: tagOther, short: "J", long: "Local Hit Blocks", set: func(v *nodeVals, s string) { v.localHitBlks = s }},
	{tag: tagOther, short: "K", long: "Local Read Blocks", set: func(v *nodeVals, s string) { v.localReadBlks = s }},
	{tag: tagOther, short: "L", long: "Local Dirtied Blocks", set: func(v *nodeVals, s string) { v.localDirtiedBlks = s }},
	{tag: tagOther, short: "M", long: "Local Written Blocks", set: func(v *nodeVals, s string) { v.localWrittenBlks = s }},
	{tag: tagOther, short: "N", long: "Temp Read Blocks", set: func(v *nodeVals, s string) { v.tempReadBlks = s }},
	{tag: tagOther, short: "O", long: "Temp Written Blocks", set: func(v *nodeVals, s string) { v.tempWrittenBlks = s }},
	{tag: tagOther, short: "P", long: "I/O Read Time", set: func(v *nodeVals, s string) { v.ioReadTime = s }},
	{tag: tagOther, short: "Q", long: "I/O Write Time", set: func(v *nodeVals, s string) { v.ioWriteTime = s }},
	{tag: tagOther, short: "R", long: "Sort Space Used", set: func(v *nodeVals, s string) { v.sortSpaceUsed = s }},
	{tag: tagOther, short: "S", long: "Sort Space Type", convert: convSortSpaceType, set: func(v *nodeVals, s string) { v.sortSpaceType = convSortSpaceType(s, ModeTextize) }},
	{tag: tagOther, short: "T", long: "Peak Memory Usage", set: func(v *nodeVals, s string) { v.peakMemoryUsage = s }},
	{tag: tagOther, short: "U", long: "Original Hash Batches", set: func(v *nodeVals, s string) { v.orgHashBatches = s }},
	{tag: tagOther, short: "*", long: "Original Hash Buckets", set: func(v *nodeVals, s string) { v.orgHashBuckets = s }},
	{tag: tagOther, short: "V", long: "Hash Batches", set: func(v *nodeVals, s string) { v.hashBatches = s }},
	{tag: tagOther, short: "W", long: "Hash Buckets", set: func(v *nodeVals, s string) { v.hashBuckets = s }},
	{tag: tagOther, short: "X", long: "Rows Removed by Filter", set: func(v *nodeVals, s string) { v.filterRemoved = s }},
	{tag: tagOther, short: "Y", long: "Rows Removed by Index Recheck", set: func(v *nodeVals, s string) { v.idxRchkRemoved = s }},
	{tag: tagOther, short: "Z", long: "Time", set: func(v *nodeVals, s string) { v.trigTime = s }},
	{tag: tagOther, short: "z", long: "Calls", set: func(v *nodeVals, s string) { v.trigCalls = s }},
	{tag: tagOther, short: "#", long: "Planning Time", set: func(v *nodeVals, s string) { v.planTime = s }},
	{tag: tagOther, short: "$", long: "Execution Time", set: func(v *nodeVals, s string) { v.execTime = s }},
	{tag: tagOther, short: "&", long: "Exact Heap Blocks", set: func(v *nodeVals, s string) { v.exactHeapBlks = s }},
	{tag: tagOther, short: "(", long: "Lossy Heap Blocks", set: func(v *nodeVals, s string) { v.lossyHeapBlks = s }},
	{tag: tagOther, short: ")", long: "Rows Removed by Join Filter", set: func(v *nodeVals, s string) { v.joinFiltRemoved = s }},
	{tag: tagTargetTables, short: "_", long: "Target Tables"},
	{tag: tagOther, short: "%", long: "Conflict Resolution", set: func(v *nodeVals, s string) { v.conflictResolution = s }},
	{tag: tagOther, short: "@", long: "Conflict Arbiter Indexes", set: func(v *nodeVals, s string) { listAppend(&v.conflictArbiterIndexes, s) }},
	{tag: tagOther, short: "^", long: "Tuples Inserted", set: func(v *nodeVals, s string) { v.tuplesInserted = s }},
	{tag: tagOther, short: "+", long: "Conflicting Tuples", set: func(v *nodeVals, s string) { v.conflictingTuples = s }},
	{tag: tagOther, short: ":", long: "Sampling Method", set: func(v *nodeVals, s string) { v.samplingMethod = s }},
	{tag: tagOther, short: ";", long: "Sampling Parameters", set: func(v *nodeVals, s string) { listAppend(&v.samplingParams, s) }},
	{tag: tagOther, short: "<", long: "Repeatable Seed", set: func(v *nodeVals, s string) { v.repeatableSeed = s }},
	{tag: tagWorkers, short: "[", long: "Workers"},
	{tag: tagOther, short: "]", long: "Worker Number", set: func(v *nodeVals, s string) { v.workerNumber = s }},
	{tag: tagOther, short: "aa", long: "Table Function Name", set: func(v *nodeVals, s string) { v.tableFuncName = s }},

	{tag: tagOther, short: "pk", long: "Presorted Key", set: func(v *nodeVals, s string) { listAppend(&v.presortedKey, s) }},
	{tag: tagOther, short: "fg", long: "Full-sort Groups"},
	{tag: tagOther, short: "su", long: "Sort Methods Used", set: func(v *nodeVals, s string) { listAppend(&v.sortMethodUsed, s) }},
	{tag: tagOther, short: "sm", long: "Sort Space Memory", set: func(v *nodeVals, s string) { v.sortSpaceMem = s }},
	{tag: tagOther, short: "gc", long: "Group Count", set: func(v *nodeVals, s string) { v.groupCount = s }},
	{tag: tagOther, short: "as", long: "Average Sort Space Used", set: func(v *nodeVals, s string) { v.avgSortSpcUsed = s }},
	{tag: tagOther, short: "ps", long: "Peak Sort Space Used", set: func(v *nodeVals, s string) { v.peakSortSpcUsed = s }},
	{tag: tagOther, short: "pg", long: "Pre-sorted Groups"},
}

var nodeTypes = []wordEntry{
	{node: ntOther, short: "a", long: "Result"},
	{node: ntModifyTable, short: "b", long: "ModifyTable"},
	{node: ntOther, short: "c", long: "Append"},
	{node: ntOther, short: "d", long: "Merge Append"},
	{node: ntOther, short: "e", long: "Recursive Union"},
	{node: ntOther, short: "f", long: "BitmapAnd"},
	{node: ntOther, short: "g", long: "BitmapOr"},
	{node: ntSeqScan, short: "h", long: "Seq Scan"},
	{node: ntIndexScan, short: "i", long: "Index Scan"},
	{node: ntIndexOnlyScan, short: "j", long: "Index Only Scan"},
	{node: ntBitmapIndexScan, short: "k", long: "Bitmap Index Scan"},
	{node: ntBitmapHeapScan, short: "l", long: "Bitmap Heap Scan"},
	{node: ntTidScan, short: "m", long: "Tid Scan"},
	{node: ntSubqueryScan, short: "n", long: "Subquery Scan"},
	{node: ntFunctionScan, short: "o", long: "Function Scan"},
	{node: ntValuesScan, short: "p", long: "Values Scan"},
	{node: ntCteScan, short: "q", long: "CTE Scan"},
	{node: ntWorkTableScan, short: "r", long: "WorkTable Scan"},
	{node: ntForeignScan, short: "s", long: "Foreign Scan"},
	{node: ntNestLoop, short: "t", long: "Nested Loop"},
	{node: ntMergeJoin, short: "u", long: "Merge Join", text: "Merge"},
	{node: ntHashJoin, short: "v", long: "Hash Join", text: "Hash"},
	{node: ntOther, short: "w", long: "Materialize"},
	{node: ntOther, short: "x", long: "Sort"},
	{node: ntOther, short: "y", long: "Group"},
	{node: ntAgg, short: "z", long: "Aggregate"},
	{node: ntOther, short: "0", long: "WindowAgg"},
	{node: ntOther, short: "1", long: "Unique"},
	{node: ntOther, short: "2", long: "Hash"},
	{node: ntSetOp, short: "3", long: "SetOp"},
	{node: ntOther, short: "4", long: "LockRows"},
	{node: ntOther, short: "5", long: "Limit"},
	{node: ntOther, short: "B", long: "Sample Scan"},
	{node: ntOther, short: "6", long: "Gather"},
	{node: ntOther, short: "7", long: "ProjectSet"},
	{node: ntOther, short: "8", long: "Table Function Scan"},
	{node: ntOther, short: "9", long: "Named Tuplestore Scan"},
	{node: ntOther, short: "A", long: "Gather Merge"},
	{node: ntOther, short: "C", long: "Incremental Sort"},
}

var directions = []wordEntry{
	{short: "b", long: "Backward", text: "Backward"},
	{short: "n", long: "NoMovement"},
	{short: "f", long: "Forward"},
}

var relationships = []wordEntry{
	{short: "o", long: "Outer"},
	{short: "i", long: "Inner"},
	{short: "s", long: "Subquery"},
	{short: "m", long: "Member"},
	{short: "I", long: "InitPlan"},
	{short: "S", long: "SubPlan"},
}

var strategies = []wordEntry{
	{short: "p", long: "Plain"},
	{short: "s", long: "Sorted"},
	{short: "h", long: "Hashed"},
	{short: "m", long: "Mixed"},
}

var operations = []wordEntry{
	{short: "i", long: "Insert"},
	{short: "d", long: "Delete"},
	{short: "u", long: "Update"},
}

var joinTypes = []wordEntry{
	{short: "i", long: "Inner"},
	{short: "l", long: "Left"},
	{short: "f", long: "Full"},
	{short: "r", long: "Right"},
	{short: "s", long: "Semi"},
	{short: "a", long: "Anti"},
}

var setOpCommands = []wordEntry{
	{short: "i", long: "Intersect"},
	{short: "I", long: "Intersect All"},
	{short: "e", long: "Except"},
	{short: "E", long: "Except All"},
}

var sortMethods = []wordEntry{
	{short: "h", long: "top-N heapsort"},
	{short: "q", long: "quicksort"},
	{short: "e", long: "external sort"},
	{short: "E", long: "external merge"},
	{short: "s", long: "still in progress"},
}

var sortSpaceTypes = []wordEntry{
	{short: "d", long: "Disk"},
	{short: "m", long: "Memory"},
}

var partialModes = []wordEntry{
	{short: "p", long: "Partial"},
	{short: "f", long: "Finalize"},
	{short: "s", long: "Simple"},
}

// searchWordTable finds the entry for word, matching long names when
// producing the compact form and short codes otherwise. Linear scan: the
// tables are small enough that anything cleverer costs more in setup than
// it saves per lookup.
func searchWordTable(tbl []wordEntry, word string, mode Mode) *wordEntry {
	byLong := mode == ModeShorten || mode == ModeNormalize
	for i := range tbl {
		p := &tbl[i]
		if byLong {
			if p.long == word {
				return p
			}
		} else if p.short == word {
			return p
		}
	}
	if mode == ModeTextize {
		// Stored plans may carry long names for fields that predate their
		// short code. Fall back to long-name matching.
		for i := range tbl {
			if tbl[i].long == word {
				return &tbl[i]
			}
		}
	}
	return nil
}

func converterCore(tbl []wordEntry, src string, mode Mode) string {
	p := searchWordTable(tbl, src, mode)
	if p == nil {
		return src
	}
	switch mode {
	case ModeShorten, ModeNormalize:
		return p.short
	case ModeInflate, ModeYamlize, ModeXmlize:
		return p.long
	case ModeTextize:
		if p.text != "" {
			return p.text
		}
		return p.long
	}
	return src
}

func convNodeType(src string, mode Mode) string {
	return converterCore(nodeTypes, src, mode)
}

func convScanDir(src string, mode Mode) string {
	s := converterCore(directions, src, mode)
	if mode == ModeTextize && (s == "Forward" || s == "NoMovement") {
		// Only backward scans are called out in text output.
		return ""
	}
	return s
}

func convRelationship(src string, mode Mode) string {
	return converterCore(relationships, src, mode)
}

func convStrategy(src string, mode Mode) string {
	return converterCore(strategies, src, mode)
}

func convOperation(src string, mode Mode) string {
	return converterCore(operations, src, mode)
}

func convJoinType(src string, mode Mode) string {
	return converterCore(joinTypes, src, mode)
}

func convSetOpCommand(src string, mode Mode) string {
	return converterCore(setOpCommands, src, mode)
}

func convSortMethod(src string, mode Mode) string {
	return converterCore(sortMethods, src, mode)
}

func convSortSpaceType(src string, mode Mode) string {
	return converterCore(sortSpaceTypes, src, mode)
}

func convPartialMode(src string, mode Mode) string {
	return converterCore(partialModes, src, mode)
}

// convExpression runs expression-valued fields through the normalizer when
// building the fingerprint form. All other modes pass the text through.
func convExpression(src string, mode Mode) string {
	if mode == ModeNormalize {
		return norm.Normalize(src, true)
	}
	return src
}

var pkgLogger atomic.Pointer[zap.Logger]

func init() {
	pkgLogger.Store(zap.NewNop())
}

// SetLogger installs the logger used for diagnostics such as unknown field
// names. Safe for concurrent use; nil restores the no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	pkgLogger.Store(l)
}

func logger() *zap.Logger {
	return pkgLogger.Load()
}
