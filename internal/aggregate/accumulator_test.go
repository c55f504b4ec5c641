package aggregate

import (
	"reflect"
	"testing"
)

func TestSetAccumulatorCapsDeterministically(t *testing.T) {
	a := NewSetAccumulator(2)
	for _, v := range []string{"c", "a", "b", "a"} {
		a.Accumulate(Entry{EntityKey: v, Value: v})
	}
	got, emit := a.Result()
	if !emit {
		t.Fatal("set result suppressed")
	}
	want := []any{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSetAccumulatorSkipsNull(t *testing.T) {
	a := NewSetAccumulator(10)
	a.Accumulate(Entry{Value: nil})
	a.Accumulate(Entry{Value: "x"})
	got, _ := a.Result()
	if !reflect.DeepEqual(got, []any{"x"}) {
		t.Errorf("got %v", got)
	}
}

func TestDistinctSumCountsEachEntityOnce(t *testing.T) {
	a := NewDistinctSumAccumulator()
	// The same file seen via two bundles contributes its size once.
	a.Accumulate(Entry{EntityKey: "f1", Value: float64(10)})
	a.Accumulate(Entry{EntityKey: "f1", Value: float64(10)})
	a.Accumulate(Entry{EntityKey: "f2", Value: float64(5)})
	got, _ := a.Result()
	if got != float64(15) {
		t.Errorf("sum = %v, want 15", got)
	}
}

func TestUniqueCount(t *testing.T) {
	a := NewUniqueCountAccumulator()
	for _, k := range []string{"d1", "d2", "d1"} {
		a.Accumulate(Entry{EntityKey: k})
	}
	got, _ := a.Result()
	if got != 2 {
		t.Errorf("count = %v, want 2", got)
	}
}

func TestFrequencyAccumulatorCountsStrings(t *testing.T) {
	a := NewFrequencyAccumulator(10)
	for _, v := range []string{"flu", "flu", "cold"} {
		a.Accumulate(Entry{Value: v})
	}
	got, _ := a.Result()
	want := map[string]float64{"flu": 2, "cold": 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFrequencyAccumulatorMergesCounters(t *testing.T) {
	a := NewFrequencyAccumulator(10)
	a.Accumulate(Entry{Value: map[string]any{"flu": float64(2)}})
	a.Accumulate(Entry{Value: map[string]any{"flu": float64(1), "cold": float64(3)}})
	got, _ := a.Result()
	want := map[string]float64{"flu": 3, "cold": 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFrequencyAccumulatorCapKeepsTopCounts(t *testing.T) {
	a := NewFrequencyAccumulator(2)
	for i := 0; i < 3; i++ {
		a.Accumulate(Entry{Value: "common"})
	}
	a.Accumulate(Entry{Value: "rare"})
	a.Accumulate(Entry{Value: "medium"})
	a.Accumulate(Entry{Value: "medium"})
	got, _ := a.Result()
	want := map[string]float64{"common": 3, "medium": 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSingleValueKeepsFirstNonNull(t *testing.T) {
	a := &SingleValueAccumulator{}
	a.Accumulate(Entry{Value: nil})
	a.Accumulate(Entry{Value: "first"})
	a.Accumulate(Entry{Value: "second"})
	got, _ := a.Result()
	if got != "first" {
		t.Errorf("got %v", got)
	}
}

func TestDropAccumulatorSuppressesField(t *testing.T) {
	a := DropAccumulator{}
	a.Accumulate(Entry{Value: "anything"})
	if _, emit := a.Result(); emit {
		t.Error("drop accumulator emitted a value")
	}
}
