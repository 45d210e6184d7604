package backoff

import (
	"math/rand"
	"testing"

	"github.com/sagaqueue/sagaqueue/internal/codec"
)

func TestLinearBackoffLaw(t *testing.T) {
	spec := codec.BackoffSpec{Type: "linear", Delay: 1000}
	for n := 1; n <= 5; n++ {
		got, err := Compute(spec, n, nil, JobView{}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := int64(1000 * n)
		if got != want {
			t.Fatalf("linear(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestExponentialBackoffLaw(t *testing.T) {
	spec := codec.BackoffSpec{Type: "exponential", Delay: 1000}
	for n := 1; n <= 4; n++ {
		got, err := Compute(spec, n, nil, JobView{}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := int64(1) << uint(n-1) * 1000
		if got != want {
			t.Fatalf("exponential(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestPolynomialBackoffLaw(t *testing.T) {
	spec := codec.BackoffSpec{Type: "polynomial", Delay: 100, Exponent: 3}
	got, err := Compute(spec, 2, nil, JobView{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 800 {
		t.Fatalf("polynomial(2) = %d, want 800", got)
	}
}

func TestPolynomialRejectsNonPositiveExponent(t *testing.T) {
	spec := codec.BackoffSpec{Type: "polynomial", Delay: 100, Exponent: -1}
	if _, err := Compute(spec, 1, nil, JobView{}, nil, nil); err != ErrNonPositiveExponent {
		t.Fatalf("expected ErrNonPositiveExponent, got %v", err)
	}
}

func TestFixedJitterBounds(t *testing.T) {
	spec := codec.BackoffSpec{Type: "fixed", Delay: 1000, Jitter: 0.5}
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		got, err := Compute(spec, 1, nil, JobView{}, rnd, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got < 500 || got >= 1000 {
			t.Fatalf("jittered delay %d out of [500, 1000)", got)
		}
	}
}

func TestMaxDelayClamps(t *testing.T) {
	spec := codec.BackoffSpec{Type: "exponential", Delay: 1000, MaxDelay: 2500}
	got, err := Compute(spec, 10, nil, JobView{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got > 2500 {
		t.Fatalf("delay %d exceeds maxDelay", got)
	}
}

func TestDecorrelatedJitterPersistsPrevDelay(t *testing.T) {
	spec := codec.BackoffSpec{Type: "decorrelatedJitter", Delay: 100, MaxDelay: 10000}
	job := JobView{Data: map[string]interface{}{}}
	rnd := rand.New(rand.NewSource(7))
	first, err := Compute(spec, 1, nil, job, rnd, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := job.Data[prevDelayField]; !ok {
		t.Fatal("expected prevDelay to be persisted into job data")
	}
	second, err := Compute(spec, 2, nil, job, rnd, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first <= 0 || second <= 0 {
		t.Fatalf("expected positive delays, got %d and %d", first, second)
	}
}

func TestUnknownStrategyWithoutCustomFails(t *testing.T) {
	spec := codec.BackoffSpec{Type: "moon-phase"}
	if _, err := Compute(spec, 1, nil, JobView{}, nil, nil); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestUnknownStrategyResolvesToCustom(t *testing.T) {
	spec := codec.BackoffSpec{Type: "moon-phase"}
	custom := func(attempt int, err error, job JobView) (int64, error) {
		return int64(attempt) * 42, nil
	}
	got, err := Compute(spec, 3, nil, JobView{}, nil, custom)
	if err != nil {
		t.Fatal(err)
	}
	if got != 126 {
		t.Fatalf("custom strategy result = %d, want 126", got)
	}
}

func TestBareNumberNormalizesToFixed(t *testing.T) {
	spec := NormalizeBareDelay(500)
	got, err := Compute(spec, 1, nil, JobView{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 500 {
		t.Fatalf("normalized fixed delay = %d, want 500", got)
	}
}

func NormalizeBareDelay(n int64) codec.BackoffSpec {
	return codec.NormalizeBackoff(n)
}
