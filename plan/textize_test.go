package plan

import (
	"strings"
	"testing"
)

func TestTextizeSeqScan(t *testing.T) {
	t.Parallel()

	want := "Seq Scan on pgbench_accounts  (cost=0.00..2890.00 rows=100000 width=97)\n" +
		"  Filter: (aid < 100)"
	if got := Textize(Shorten(seqScanLong)); got != want {
		t.Fatalf("Textize:\n got %q\nwant %q", got, want)
	}
}

func TestTextizeNestedPlan(t *testing.T) {
	t.Parallel()

	want := strings.Join([]string{
		"Nested Loop  (cost=0.29..16.33 rows=1 width=8)",
		"  ->  Seq Scan on t1  (cost=0.00..8.01 rows=1 width=4)",
		"  ->  Index Scan using t2_pkey on t2  (cost=0.29..8.31 rows=1 width=4)",
		"        Index Cond: (b = t1.a)",
	}, "\n")
	if got := Textize(Shorten(nestedLong)); got != want {
		t.Fatalf("Textize:\n got %q\nwant %q", got, want)
	}
}

func TestTextizeModifyTableAndFooter(t *testing.T) {
	t.Parallel()

	long := `{"Plan": {"Node Type": "ModifyTable", "Operation": "Insert", "Relation Name": "t1", "Alias": "t1", "Startup Cost": 0.00, "Total Cost": 0.01, "Plan Rows": 1, "Plan Width": 0}, "Planning Time": 0.058}`
	got := Textize(Shorten(long))

	if !strings.HasPrefix(got, "Insert on t1  (cost=0.00..0.01 rows=1 width=0)") {
		t.Fatalf("node header wrong: %q", got)
	}
	if !strings.HasSuffix(got, "\nPlanning Time: 0.058 ms") {
		t.Fatalf("missing footer: %q", got)
	}
}

func TestTextizeJoinTypeSuppressesInner(t *testing.T) {
	t.Parallel()

	inner := `{"Plan": {"Node Type": "Hash Join", "Join Type": "Inner", "Startup Cost": 1.0, "Total Cost": 2.0, "Plan Rows": 1, "Plan Width": 4}}`
	left := strings.ReplaceAll(inner, `"Inner"`, `"Left"`)

	if got := Textize(Shorten(inner)); !strings.HasPrefix(got, "Hash Join  (cost=") {
		t.Fatalf("inner join header: %q", got)
	}
	if got := Textize(Shorten(left)); !strings.HasPrefix(got, "Hash Left Join  (cost=") {
		t.Fatalf("left join header: %q", got)
	}
}

func TestTextizeAggregateStrategy(t *testing.T) {
	t.Parallel()

	long := `{"Plan": {"Node Type": "Aggregate", "Strategy": "Hashed", "Startup Cost": 1.0, "Total Cost": 2.0, "Plan Rows": 1, "Plan Width": 8, "Group Key": ["a", "b"]}}`
	got := Textize(Shorten(long))

	if !strings.HasPrefix(got, "HashAggregate  (cost=") {
		t.Fatalf("strategy not folded into node name: %q", got)
	}
	if !strings.Contains(got, "\n  Group Key: a, b") {
		t.Fatalf("group key missing: %q", got)
	}
}

func TestTextizeNeverExecuted(t *testing.T) {
	t.Parallel()

	long := `{"Plan": {"Node Type": "Seq Scan", "Relation Name": "t1", "Alias": "t1", "Startup Cost": 0.00, "Total Cost": 8.01, "Plan Rows": 1, "Plan Width": 4, "Actual Startup Time": 0.000, "Actual Total Time": 0.000, "Actual Rows": 0, "Actual Loops": 0}}`
	got := Textize(Shorten(long))

	if !strings.Contains(got, " (never executed)") {
		t.Fatalf("zero loops must render as never executed: %q", got)
	}
}

func TestTextizeGroupingSets(t *testing.T) {
	t.Parallel()

	long := `{"Plan": {"Node Type": "Aggregate", "Strategy": "Sorted", "Startup Cost": 1.0, "Total Cost": 2.0, "Plan Rows": 1, "Plan Width": 8, "Grouping Sets": [{"Group Keys": [["a"], []]}]}}`
	got := Textize(Shorten(long))

	if !strings.Contains(got, "\n  Group Key: a") {
		t.Fatalf("group key line missing: %q", got)
	}
	if !strings.Contains(got, "\n  Group Key: ()") {
		t.Fatalf("empty grouping set must print as (): %q", got)
	}
}

func TestTextizeUnknownFieldPassthrough(t *testing.T) {
	t.Parallel()

	short := `{"p":{"t":"h","n":"t1","a":"t1","1":0.00,"2":8.01,"3":1,"4":4,"Fdw Private":"remote scan"}}`
	got := Textize(short)

	if !strings.Contains(got, "\n  Fdw Private: remote scan") {
		t.Fatalf("unknown field must pass through verbatim: %q", got)
	}
}

func TestTextizeTriggers(t *testing.T) {
	t.Parallel()

	long := `{"Plan": {"Node Type": "ModifyTable", "Operation": "Insert", "Relation Name": "t1", "Alias": "t1", "Startup Cost": 0.00, "Total Cost": 0.01, "Plan Rows": 1, "Plan Width": 0}, "Triggers": [{"Trigger Name": "audit", "Relation": "t1", "Time": 0.050, "Calls": 1}]}`
	got := Textize(Shorten(long))

	if !strings.Contains(got, "\nTrigger audit: time=0.050 calls=1") {
		t.Fatalf("trigger line missing: %q", got)
	}
}

func TestTextizeMalformed(t *testing.T) {
	t.Parallel()

	if got := Textize("hoge"); got != markerNotJSON {
		t.Fatalf("got %q", got)
	}

	// A truncated document still flushes the node collected so far.
	got := Textize(`{"p":{"t":"h","n":"t1","a":"t1"`)
	if !strings.Contains(got, "Seq Scan on t1") {
		t.Fatalf("partial node not flushed: %q", got)
	}
	if !strings.HasSuffix(got, markerTruncated) {
		t.Fatalf("missing marker: %q", got)
	}
}
