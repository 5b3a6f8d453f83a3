package codec

import "math"

// Tolerance defaults for the float/double equality predicate, grounded
// on opcua_link.py's FLOAT_ABSOLUTE_TOLERANCE / FLOAT_RELATIVE_TOLERANCE.
const (
	DefaultAbsoluteTolerance = 1e-6
	DefaultRelativeTolerance = 1e-5
)

// AreValuesEqual implements the §4.1 tolerance predicate: floats match
// within absolute or relative tolerance, NaN equals NaN, infinities
// match by sign, and every other kind compares exactly.
func AreValuesEqual(a, b Value) bool {
	return areValuesEqualTol(a, b, DefaultAbsoluteTolerance, DefaultRelativeTolerance)
}

// AreValuesEqualTol is AreValuesEqual with explicit tolerances, for
// callers that configure non-default tolerances.
func AreValuesEqualTol(a, b Value, absTol, relTol float64) bool {
	return areValuesEqualTol(a, b, absTol, relTol)
}

func areValuesEqualTol(a, b Value, absTol, relTol float64) bool {
	if a.Kind != b.Kind {
		// int/float cross-comparison is allowed on write-compat checks
		// elsewhere, but equality here requires matching kinds unless
		// both are numeric.
		af, aok := a.AsFloat64()
		bf, bok := b.AsFloat64()
		if aok && bok {
			return floatsEqual(af, bf, absTol, relTol)
		}
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.B == b.B
	case KindInt:
		return a.I == b.I
	case KindFloat:
		return floatsEqual(a.F, b.F, absTol, relTol)
	case KindString:
		return a.S == b.S
	case KindBytes:
		if len(a.Byts) != len(b.Byts) {
			return false
		}
		for i := range a.Byts {
			if a.Byts[i] != b.Byts[i] {
				return false
			}
		}
		return true
	case KindSequence:
		if len(a.Seq) != len(b.Seq) {
			return false
		}
		for i := range a.Seq {
			if !areValuesEqualTol(a.Seq[i], b.Seq[i], absTol, relTol) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !areValuesEqualTol(av, bv, absTol, relTol) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func floatsEqual(a, b, absTol, relTol float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		// infinities match only when both infinite with the same sign
		return math.IsInf(a, 1) && math.IsInf(b, 1) || math.IsInf(a, -1) && math.IsInf(b, -1)
	}
	diff := math.Abs(a - b)
	if diff <= absTol {
		return true
	}
	maxAbs := math.Max(math.Abs(a), math.Abs(b))
	if maxAbs == 0 {
		return diff <= absTol
	}
	return diff/maxAbs <= relTol
}

// RoundHalfUp rounds f to decimalPoint decimal places using
// round-half-up (not Go's default round-half-to-even), matching the
// source's round_half_up helper used for outbound float normalization.
// decimalPoint defaults to 3 when the caller passes a value < 0.
func RoundHalfUp(f float64, decimalPoint int) float64 {
	if decimalPoint < 0 {
		decimalPoint = 3
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	scale := math.Pow(10, float64(decimalPoint))
	if f >= 0 {
		return math.Floor(f*scale+0.5) / scale
	}
	return -math.Floor(-f*scale+0.5) / scale
}
