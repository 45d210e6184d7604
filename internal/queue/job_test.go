package queue

import (
	"testing"

	"github.com/sagaqueue/sagaqueue/internal/codec"
)

func TestFromHashPopulatesLifecycleFields(t *testing.T) {
	opts := codec.Options{Attempts: 3, Priority: 5}
	encoded, err := codec.EncodeOptions(opts)
	if err != nil {
		t.Fatal(err)
	}

	h := map[string]string{
		"name":         "charge-card",
		"data":         `{"orderId":123}`,
		"opts":         string(encoded),
		"timestamp":    "1000",
		"attemptsMade": "2",
		"returnvalue":  `"ok"`,
	}
	j, err := FromHash("7", h)
	if err != nil {
		t.Fatal(err)
	}
	if j.ID != "7" || j.Name != "charge-card" || j.AttemptsMade != 2 {
		t.Fatalf("unexpected decode: %#v", j)
	}
	if j.Opts.Attempts != 3 || j.Opts.Priority != 5 {
		t.Fatalf("opts did not round-trip: %#v", j.Opts)
	}
}

func TestFromHashToleratesMissingFields(t *testing.T) {
	j, err := FromHash("1", map[string]string{"name": "noop"})
	if err != nil {
		t.Fatal(err)
	}
	if j.AttemptsMade != 0 || j.FinishedOn != 0 {
		t.Fatalf("expected zero-valued lifecycle fields, got %#v", j)
	}
}

func TestParseIntHandlesNegative(t *testing.T) {
	if got := parseInt("-42"); got != -42 {
		t.Fatalf("parseInt(-42) = %d", got)
	}
	if got := parseInt(""); got != 0 {
		t.Fatalf("parseInt(\"\") = %d", got)
	}
}
