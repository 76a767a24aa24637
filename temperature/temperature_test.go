package temperature

import (
	"fmt"
	"math"
	"testing"
)

func ExampleConvert() {
	fmt.Printf("%.2f\n", Convert(4.2, K, C))
	fmt.Printf("%.2f\n", Convert(20, C, K))
	// Output:
	// -268.95
	// 293.15
}

func TestConvertRoundTrip(t *testing.T) {
	units := []Unit{K, C, F}
	for _, from := range units {
		for _, to := range units {
			got := Convert(Convert(77.3, from, to), to, from)
			if math.Abs(got-77.3) > 1e-9 {
				t.Errorf("%s->%s->%s: expected 77.3 got %g", from, to, from, got)
			}
		}
	}
}

func TestParseUnit(t *testing.T) {
	for in, want := range map[string]Unit{"k": K, "Kelvin": K, "C": C, "celsius": C, "F": F} {
		u, err := ParseUnit(in)
		if err != nil || u != want {
			t.Errorf("%q: expected %s got %s %v", in, want, u, err)
		}
	}
	if _, err := ParseUnit("rankine"); err == nil {
		t.Error("expected error for unknown unit")
	}
}
