// Package temperature holds temperature units and conversions between them
package temperature

import (
	"fmt"
	"strings"
)

type (
	// Celsius is a temperature in C
	Celsius float64

	// Kelvin is a temperature in K
	Kelvin float64

	// Fahrenheit is a temperature in deg F
	Fahrenheit float64
)

// Unit is a temperature scale
type Unit string

const (
	// K is the kelvin scale, used by cryogenic controllers
	K Unit = "K"

	// C is the Celsius scale
	C Unit = "C"

	// F is the Fahrenheit scale
	F Unit = "F"
)

// ParseUnit accepts K, C, F or their long names, case insensitive
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "k", "kelvin":
		return K, nil
	case "c", "celsius", "celcius":
		return C, nil
	case "f", "fahrenheit":
		return F, nil
	}
	return "", fmt.Errorf("temperature: unknown unit %q", s)
}

// Convert converts v from one unit to another
func Convert(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	var c Celsius
	switch from {
	case K:
		c = K2C(Kelvin(v))
	case F:
		c = F2C(Fahrenheit(v))
	default:
		c = Celsius(v)
	}
	switch to {
	case K:
		return float64(C2K(c))
	case F:
		return float64(C2F(c))
	}
	return float64(c)
}

// C2F converts a temp in Celsius to Fahrenheit
func C2F(c Celsius) Fahrenheit {
	return Fahrenheit(c*9/5 + 32)
}

// C2K converts a temp in Celsius to Kelvin
func C2K(c Celsius) Kelvin {
	return Kelvin(c + 273.15)
}

// K2C converts a temp in Kelvin to Celsius
func K2C(k Kelvin) Celsius {
	return Celsius(k - 273.15)
}

// F2C converts a temp in Fahrenheit to Celcius
func F2C(f Fahrenheit) Celsius {
	return Celsius((f - 32) * 5 / 9)
}
