package judge

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// CompareExact compares outputs after removing trailing whitespace on every
// line and trailing blank lines.
func CompareExact(produced, expected []byte) bool {
	return bytes.Equal(normalize(produced), normalize(expected))
}

func normalize(b []byte) []byte {
	lines := bytes.Split(b, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRightFunc(line, unicode.IsSpace)
	}
	end := len(lines)
	for end > 0 && len(lines[end-1]) == 0 {
		end--
	}
	return bytes.Join(lines[:end], []byte("\n"))
}

// CompareTolerance compares whitespace separated tokens. Numeric tokens match
// when they differ by at most abs or by at most rel times the expected value.
// Non-numeric expected tokens must match exactly.
func CompareTolerance(produced, expected []byte, abs, rel float64) (bool, string) {
	got := strings.Fields(string(produced))
	want := strings.Fields(string(expected))
	if len(got) != len(want) {
		return false, fmt.Sprintf("expected %d tokens, got %d", len(want), len(got))
	}
	for i := range want {
		e, err := strconv.ParseFloat(want[i], 64)
		if err != nil {
			if got[i] != want[i] {
				return false, fmt.Sprintf("token %d: expected %q", i+1, want[i])
			}
			continue
		}
		p, err := strconv.ParseFloat(got[i], 64)
		if err != nil {
			return false, fmt.Sprintf("token %d: expected a number", i+1)
		}
		if !withinTolerance(p, e, abs, rel) {
			return false, fmt.Sprintf("token %d: expected %s, got %s", i+1, want[i], got[i])
		}
	}
	return true, ""
}

func withinTolerance(p, e, abs, rel float64) bool {
	if math.IsNaN(e) || math.IsNaN(p) {
		return math.IsNaN(e) && math.IsNaN(p)
	}
	if math.IsInf(e, 0) || math.IsInf(p, 0) {
		return p == e
	}
	diff := math.Abs(p - e)
	return diff <= abs || diff <= rel*math.Abs(e)
}
