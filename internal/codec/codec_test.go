package codec

import "testing"

func TestEncodeDecodeOptionsRoundTrip(t *testing.T) {
	count := int64(100)
	o := Options{
		Attempts: 3,
		Delay:    1500,
		Priority: 5,
		Backoff:  &BackoffSpec{Type: "exponential", Delay: 1000},
		RemoveOnComplete: &KeepSpec{Count: &count},
		Group:    &GroupRef{ID: "g1", Name: "checkout", Queue: "orders"},
		JobID:    "abc-123",
	}

	b, err := EncodeOptions(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeOptions(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Attempts != o.Attempts || got.Delay != o.Delay || got.Priority != o.Priority {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, o)
	}
	if got.Backoff == nil || got.Backoff.Type != "exponential" {
		t.Fatalf("backoff not preserved: %+v", got.Backoff)
	}
	if got.RemoveOnComplete == nil || *got.RemoveOnComplete.Count != count {
		t.Fatalf("keep spec not preserved: %+v", got.RemoveOnComplete)
	}
	if got.Group == nil || got.Group.ID != "g1" {
		t.Fatalf("group ref not preserved: %+v", got.Group)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	o := Options{Attempts: 1, JobID: "x"}
	a, err := EncodeOptions(o)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeOptions(o)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("encoding not deterministic: %s vs %s", a, b)
	}
}

func TestEncodeEmptyOptionsDecodesToZeroValue(t *testing.T) {
	o := Options{}
	b, err := EncodeOptions(o)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeOptions(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Backoff != nil || got.Parent != nil || got.Group != nil {
		t.Fatalf("expected nil option fields, got %+v", got)
	}
}

func TestNormalizeBackoffBareDelay(t *testing.T) {
	spec := NormalizeBackoff(2000)
	if spec.Type != "fixed" || spec.Delay != 2000 {
		t.Fatalf("unexpected normalization: %+v", spec)
	}
}

func TestDecodeArgsRoundTrip(t *testing.T) {
	type payload struct {
		OrderID int    `json:"orderId"`
		Note    string `json:"note"`
	}
	p := payload{OrderID: 42, Note: "hello"}
	b, err := EncodeArgs(p)
	if err != nil {
		t.Fatal(err)
	}
	var out payload
	if err := DecodeArgs(b, &out); err != nil {
		t.Fatal(err)
	}
	if out != p {
		t.Fatalf("round-trip mismatch: %+v vs %+v", out, p)
	}
}
