package plan

import (
	"strings"
	"testing"
)

const seqScanLong = `{"Plan": {"Node Type": "Seq Scan", "Relation Name": "pgbench_accounts", "Alias": "pgbench_accounts", "Startup Cost": 0.00, "Total Cost": 2890.00, "Plan Rows": 100000, "Plan Width": 97, "Filter": "(aid < 100)"}}`

const seqScanShort = `{"p":{"t":"h","n":"pgbench_accounts","a":"pgbench_accounts","1":0.00,"2":2890.00,"3":100000,"4":97,"5":"(aid < 100)"}}`

const nestedLong = `{"Plan": {"Node Type": "Nested Loop", "Join Type": "Inner", "Startup Cost": 0.29, "Total Cost": 16.33, "Plan Rows": 1, "Plan Width": 8, "Plans": [{"Node Type": "Seq Scan", "Parent Relationship": "Outer", "Relation Name": "t1", "Alias": "t1", "Startup Cost": 0.00, "Total Cost": 8.01, "Plan Rows": 1, "Plan Width": 4}, {"Node Type": "Index Scan", "Parent Relationship": "Inner", "Scan Direction": "Forward", "Index Name": "t2_pkey", "Relation Name": "t2", "Alias": "t2", "Startup Cost": 0.29, "Total Cost": 8.31, "Plan Rows": 1, "Plan Width": 4, "Index Cond": "(b = t1.a)"}]}}`

func TestShortenCodes(t *testing.T) {
	t.Parallel()

	if got := Shorten(seqScanLong); got != seqScanShort {
		t.Fatalf("Shorten:\n got %s\nwant %s", got, seqScanShort)
	}
}

func TestShortenPassesUnknownFields(t *testing.T) {
	t.Parallel()

	in := `{"Plan": {"Node Type": "Seq Scan", "Fdw Private": "x"}}`
	want := `{"p":{"t":"h","Fdw Private":"x"}}`
	if got := Shorten(in); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestNormalizeDropsVaryingFields(t *testing.T) {
	t.Parallel()

	want := `{"p":{"t":"h","n":"pgbench_accounts","a":"pgbench_accounts","5":"(aid < ?)"}}`
	if got := Normalize(seqScanLong); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	other := strings.ReplaceAll(seqScanLong, "2890.00", "417.20")
	other = strings.ReplaceAll(other, "(aid < 100)", "(aid < 55500)")

	if Fingerprint(seqScanLong) != Fingerprint(other) {
		t.Fatal("plans differing only in costs and constants must share a fingerprint")
	}

	reshaped := strings.ReplaceAll(seqScanLong, `"Seq Scan"`, `"Index Scan"`)
	if Fingerprint(seqScanLong) == Fingerprint(reshaped) {
		t.Fatal("plans of different shape must not share a fingerprint")
	}
}

func TestInflate(t *testing.T) {
	t.Parallel()

	want := `{
  "Plan": {
    "Node Type": "Seq Scan",
    "Relation Name": "pgbench_accounts",
    "Alias": "pgbench_accounts",
    "Startup Cost": 0.00,
    "Total Cost": 2890.00,
    "Plan Rows": 100000,
    "Plan Width": 97,
    "Filter": "(aid < 100)"
  }
}`
	if got := Inflate(seqScanShort); got != want {
		t.Fatalf("Inflate:\n got %s\nwant %s", got, want)
	}
}

func TestRoundTripIdempotence(t *testing.T) {
	t.Parallel()

	for _, src := range []string{seqScanLong, nestedLong} {
		short := Shorten(src)
		again := Shorten(Inflate(short))
		if short != again {
			t.Fatalf("round trip diverged:\n first %s\nsecond %s", short, again)
		}
	}
}

func TestYamlize(t *testing.T) {
	t.Parallel()

	want := `- Plan:
    Node Type: "Seq Scan"
    Relation Name: "pgbench_accounts"
    Alias: "pgbench_accounts"
    Startup Cost: 0.00
    Total Cost: 2890.00
    Plan Rows: 100000
    Plan Width: 97
    Filter: "(aid < 100)"`
	if got := Yamlize(Shorten(seqScanLong)); got != want {
		t.Fatalf("Yamlize:\n got %q\nwant %q", got, want)
	}
}

func TestXmlize(t *testing.T) {
	t.Parallel()

	want := `<explain xmlns="http://www.postgresql.org/2009/explain">
  <Query>
    <Plan>
      <Node-Type>Seq Scan</Node-Type>
      <Relation-Name>pgbench_accounts</Relation-Name>
      <Alias>pgbench_accounts</Alias>
      <Startup-Cost>0.00</Startup-Cost>
      <Total-Cost>2890.00</Total-Cost>
      <Plan-Rows>100000</Plan-Rows>
      <Plan-Width>97</Plan-Width>
      <Filter>(aid &lt; 100)</Filter>
    </Plan>
  </Query>
</explain>
`
	if got := Xmlize(Shorten(seqScanLong)); got != want {
		t.Fatalf("Xmlize:\n got %q\nwant %q", got, want)
	}
}

func TestMalformedInputMarkers(t *testing.T) {
	t.Parallel()

	if got := Inflate("hoge"); got != markerNotJSON {
		t.Fatalf("garbage input: got %q", got)
	}
	if got := Yamlize(""); got != markerNotJSON {
		t.Fatalf("empty input: got %q", got)
	}
	if got := Xmlize("hoge"); got != markerNotJSON {
		t.Fatalf("garbage markup input: got %q", got)
	}

	got := Inflate(`{"t":"h",`)
	if !strings.HasSuffix(got, markerTruncated) {
		t.Fatalf("truncated input must end with marker, got %q", got)
	}
	if !strings.Contains(got, `"Node Type": "Seq Scan"`) {
		t.Fatalf("partial output missing, got %q", got)
	}
}

func TestShortenMalformedIsSilent(t *testing.T) {
	t.Parallel()

	// The compact producers assume input that already round-tripped once;
	// they cut off quietly instead of appending a marker.
	got := Shorten(`{"Node Type": "Seq Scan",`)
	if strings.Contains(got, markerTruncated) || strings.Contains(got, markerNotJSON) {
		t.Fatalf("unexpected marker in %q", got)
	}
}
