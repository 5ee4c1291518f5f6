package resilience

import (
	"errors"
	"testing"
	"time"
)

// fakeBackend stands in for a speech provider: it answers with a canned
// transcript or fails until told otherwise.
type fakeBackend struct {
	transcript string
	down       bool
	calls      int
}

func (b *fakeBackend) recognize() (string, error) {
	b.calls++
	if b.down {
		return "", errBackendDown
	}
	return b.transcript, nil
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	primary := &fakeBackend{transcript: "بسم الله"}
	secondary := &fakeBackend{transcript: "الحمد لله"}

	fg := NewFallbackGroup(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("whisper", secondary)

	got, err := ExecuteWithResult(fg, (*fakeBackend).recognize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "بسم الله" {
		t.Fatalf("transcript = %q, want the primary's", got)
	}
	if secondary.calls != 0 {
		t.Fatalf("fallback was called %d times while primary is healthy", secondary.calls)
	}
}

func TestFallbackGroup_FailsOverToNext(t *testing.T) {
	primary := &fakeBackend{down: true}
	secondary := &fakeBackend{transcript: "الحمد لله"}

	fg := NewFallbackGroup(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("whisper", secondary)

	got, err := ExecuteWithResult(fg, (*fakeBackend).recognize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "الحمد لله" {
		t.Fatalf("transcript = %q, want the fallback's", got)
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.calls)
	}
}

func TestFallbackGroup_ExhaustedChain(t *testing.T) {
	fg := NewFallbackGroup(&fakeBackend{down: true}, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("whisper", &fakeBackend{down: true})

	_, err := ExecuteWithResult(fg, (*fakeBackend).recognize)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if err.Error() == ErrAllFailed.Error() {
		t.Fatalf("err = %v, want the last backend failure carried in the message", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsBackend(t *testing.T) {
	primary := &fakeBackend{down: true}
	secondary := &fakeBackend{transcript: "الحمد لله"}

	fg := NewFallbackGroup(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("whisper", secondary)

	// Two exhausting rounds open the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := ExecuteWithResult(fg, (*fakeBackend).recognize); err != nil {
			t.Fatalf("round %d: unexpected error: %v", i, err)
		}
	}
	primaryCalls := primary.calls

	got, err := ExecuteWithResult(fg, (*fakeBackend).recognize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "الحمد لله" {
		t.Fatalf("transcript = %q, want the fallback's", got)
	}
	if primary.calls != primaryCalls {
		t.Fatal("tripped primary was still called")
	}
}

func TestFallbackGroup_RecoveredPrimaryTakesBack(t *testing.T) {
	primary := &fakeBackend{down: true, transcript: "بسم الله"}
	secondary := &fakeBackend{transcript: "الحمد لله"}

	fg := NewFallbackGroup(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  1,
		},
	})
	fg.AddFallback("whisper", secondary)

	if _, err := ExecuteWithResult(fg, (*fakeBackend).recognize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	primary.down = false
	time.Sleep(15 * time.Millisecond)

	got, err := ExecuteWithResult(fg, (*fakeBackend).recognize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "بسم الله" {
		t.Fatalf("transcript = %q, want the recovered primary's", got)
	}
}
