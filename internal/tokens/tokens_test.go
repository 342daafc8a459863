package tokens

import (
	"errors"
	"strings"
	"testing"

	"github.com/grantflow/intake/internal/domain"
)

func TestEstimator_Empty(t *testing.T) {
	e := NewEstimator()
	if got := e.Estimate(""); got != 0 {
		t.Errorf("Estimate(\"\") = %d, want 0", got)
	}
}

func TestEstimator_NonEmpty(t *testing.T) {
	e := NewEstimator()
	got := e.Estimate("We are building a new machine learning pipeline for defect detection.")
	if got < 5 {
		t.Errorf("Estimate() = %d, want at least 5", got)
	}
}

func TestEstimator_Deterministic(t *testing.T) {
	e := NewEstimator()
	text := "Same input must give the same estimate."
	if a, b := e.Estimate(text), e.Estimate(text); a != b {
		t.Errorf("Estimate() not deterministic: %d vs %d", a, b)
	}
}

func TestEstimator_Heuristic(t *testing.T) {
	e := &Estimator{CharsPerToken: 4.0}
	text := strings.Repeat("a", 400)
	got := e.heuristic(text)
	if got != 100 {
		t.Errorf("heuristic(400 chars) = %d, want 100", got)
	}

	// Short text never rounds down to zero.
	if got := e.heuristic("hi"); got != 1 {
		t.Errorf("heuristic(\"hi\") = %d, want 1", got)
	}
}

func TestEstimator_MessagesIncludeOverhead(t *testing.T) {
	e := NewEstimator()
	base := e.Estimate("system prompt") + e.Estimate("hello")
	got := e.EstimateMessages("system prompt", "hello")
	if got <= base {
		t.Errorf("EstimateMessages() = %d, want > %d (per-message overhead)", got, base)
	}
}

func TestPriceTable_Cost(t *testing.T) {
	table := NewPriceTable(map[string]Price{
		"test-model": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	})

	cost, err := table.Cost("test-model", 1000, 500)
	if err != nil {
		t.Fatalf("Cost() error = %v", err)
	}

	// 1000/1e6*3 + 500/1e6*15 = 0.003 + 0.0075
	want := 0.0105
	if cost != want {
		t.Errorf("Cost() = %v, want %v", cost, want)
	}
}

func TestPriceTable_UnknownModelFailsClosed(t *testing.T) {
	table := DefaultPriceTable()

	_, err := table.Cost("mystery-model-9000", 100, 100)
	if err == nil {
		t.Fatal("Cost() with unknown model should fail")
	}
	if !errors.Is(err, domain.ErrUnknownModel) {
		t.Errorf("Cost() error = %v, want ErrUnknownModel", err)
	}
}

func TestPriceTable_Rounding(t *testing.T) {
	table := NewPriceTable(map[string]Price{
		"m": {InputPerMTok: 1.0 / 3.0, OutputPerMTok: 0},
	})

	cost, err := table.Cost("m", 1, 0)
	if err != nil {
		t.Fatalf("Cost() error = %v", err)
	}

	// 1/1e6 * (1/3) rounds to 6 decimals.
	if cost != 0 {
		t.Errorf("Cost() = %v, want 0 after rounding", cost)
	}

	cost, err = table.Cost("m", 10_000_000, 0)
	if err != nil {
		t.Fatalf("Cost() error = %v", err)
	}
	if cost != 3.333333 {
		t.Errorf("Cost() = %v, want 3.333333", cost)
	}
}
