package tokens

import "testing"

func TestCountFallsBackWithoutEncoding(t *testing.T) {
	var e *Estimator
	if got := e.Count("twelve chars"); got != 3 {
		t.Errorf("nil estimator should fall back to chars/4, got %d", got)
	}
	empty := &Estimator{}
	if got := empty.Count("twelve chars"); got != 3 {
		t.Errorf("encoding-less estimator should fall back to chars/4, got %d", got)
	}
}

func TestEstimateUsesGlobalEstimator(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	got := Estimate(text)
	if got <= 0 {
		t.Fatalf("expected a positive token count, got %d", got)
	}
	if got != Get().Count(text) {
		t.Error("Estimate should agree with the global estimator")
	}
	if Estimate("") != 0 {
		t.Error("empty text should cost nothing")
	}
}
