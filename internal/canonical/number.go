package canonical

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var errNonFinite = errors.New("NaN and Infinity are not representable")

// formatFloat renders f in shortest round-trip form. Decimal exponents in
// [-4, 16) use positional notation with at least one fractional digit;
// everything else uses d[.ddd]e±XX.
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", errNonFinite
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	idx := strings.IndexByte(sci, 'e')
	exp, err := strconv.Atoi(sci[idx+1:])
	if err != nil {
		return "", err
	}
	if exp < -4 || exp >= 16 {
		return sci, nil
	}
	fixed := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(fixed, '.') {
		fixed += ".0"
	}
	return fixed, nil
}
