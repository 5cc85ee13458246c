package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyTaxonomy(t *testing.T) {
	cases := []struct {
		kind Kind
		want Classification
	}{
		{KindCheckpointStorage, Classification{SeverityHigh, true, ActionRetryWithBackoff}},
		{KindCheckpointCorrupted, Classification{SeverityCritical, true, ActionRestartComponent}},
		{KindResourceMemory, Classification{SeverityCritical, true, ActionRestartComponent}},
		{KindResourceDisk, Classification{SeverityCritical, false, ActionEscalate}},
		{KindResourceGPU, Classification{SeverityHigh, true, ActionRetryWithBackoff}},
		{KindLLMOutOfMemory, Classification{SeverityHigh, true, ActionRestartComponent}},
		{KindLLMTimeout, Classification{SeverityMedium, true, ActionRetryWithBackoff}},
		{KindLLMInferenceFailed, Classification{SeverityMedium, true, ActionRetryImmediate}},
		{KindSupervisionMaxRestart, Classification{SeverityCritical, true, ActionRestartSystem}},
		{KindSupervisionCircuit, Classification{SeverityHigh, true, ActionRetryWithBackoff}},
		{KindIOTransient, Classification{SeverityLow, true, ActionRetryImmediate}},
		{KindTimeout, Classification{SeverityMedium, true, ActionRetryWithBackoff}},
		{KindCancelled, Classification{SeverityNone, false, ActionFatal}},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			got := Classify(New(tc.kind, errors.New("boom")))
			if got != tc.want {
				t.Fatalf("Classify(%s) = %+v, want %+v", tc.kind, got, tc.want)
			}
		})
	}
}

func TestClassifyWrappedError(t *testing.T) {
	inner := New(KindLLMTimeout, errors.New("deadline"))
	wrapped := fmt.Errorf("submit inference: %w", inner)

	got := Classify(wrapped)
	if got.Action != ActionRetryWithBackoff || got.Severity != SeverityMedium {
		t.Fatalf("wrapped classification = %+v", got)
	}
}

func TestClassifyCancelledSentinel(t *testing.T) {
	wrapped := fmt.Errorf("await response: %w", ErrCancelled)
	got := Classify(wrapped)
	if got.Recoverable {
		t.Fatal("cancellation must not be recoverable")
	}
	if got.Action != ActionFatal {
		t.Fatalf("cancellation action = %s, want fatal", got.Action)
	}
}

func TestClassifyUnknownDefaultsConservative(t *testing.T) {
	got := Classify(errors.New("something unmapped"))
	want := Classification{SeverityMedium, true, ActionRetryWithBackoff}
	if got != want {
		t.Fatalf("unknown error classification = %+v, want %+v", got, want)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != (Classification{}) {
		t.Fatalf("Classify(nil) = %+v, want zero", got)
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := New(KindResourceDisk, inner)
	if !errors.Is(err, inner) {
		t.Fatal("ClassifiedError should unwrap to its cause")
	}
	if err.Error() != "resource.disk_exhausted: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
