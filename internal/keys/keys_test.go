package keys

import "testing"

func TestLayoutKeys(t *testing.T) {
	l := New("bq", "payments", false)
	if got := l.Key(Wait); got != "bq:payments:wait" {
		t.Fatalf("unexpected wait key: %s", got)
	}
	if got := l.Job("42"); got != "bq:payments:42" {
		t.Fatalf("unexpected job key: %s", got)
	}
	if got := l.Lock("42"); got != "bq:payments:42:lock" {
		t.Fatalf("unexpected lock key: %s", got)
	}
}

func TestLayoutClusterHashTag(t *testing.T) {
	l := New("bq", "payments", true)
	if got := l.Key(Active); got != "bq:{payments}:active" {
		t.Fatalf("unexpected cluster key: %s", got)
	}
	// Every derived key must inherit the same tag so scripts collocate.
	if got := l.Lock("1"); got != "bq:{payments}:1:lock" {
		t.Fatalf("lock key does not inherit hash tag: %s", got)
	}
}

func TestGroupKeys(t *testing.T) {
	l := New("bq", "orders", false)
	if got := l.Group("g1"); got != "bq:orders:groups:g1" {
		t.Fatalf("unexpected group key: %s", got)
	}
	if got := l.GroupJobs("g1"); got != "bq:orders:groups:g1:jobs" {
		t.Fatalf("unexpected group jobs key: %s", got)
	}
}

func TestDedupKey(t *testing.T) {
	l := New("bq", "orders", false)
	if got := l.Dedup("abc"); got != "bq:orders:de:abc" {
		t.Fatalf("unexpected dedup key: %s", got)
	}
}

func TestFullJobKeyRoundTrip(t *testing.T) {
	full := FullJobKey("bq", "orders", "123")
	if full != "bq:orders:123" {
		t.Fatalf("unexpected full job key: %s", full)
	}
	q, id, ok := SplitFullJobKey(full)
	if !ok || q != "bq:orders" || id != "123" {
		t.Fatalf("split mismatch: q=%s id=%s ok=%v", q, id, ok)
	}
}

func TestSplitFullJobKeySplitsOnLastColon(t *testing.T) {
	// job ids may themselves contain colons (user-supplied ids); the split
	// must happen on the LAST colon per spec.md §9 open question 1.
	q, id, ok := SplitFullJobKey("bq:orders:user:with:colons")
	if !ok || q != "bq:orders:user:with" || id != "colons" {
		t.Fatalf("split mismatch: q=%s id=%s ok=%v", q, id, ok)
	}
}
