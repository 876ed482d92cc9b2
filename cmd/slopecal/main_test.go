package main

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"slopecal/pkg/slopecal"
)

func summaryWithPhaseErrors(errs ...float64) *solveSummary {
	s := &solveSummary{Type: slopecal.FSlope, DBPath: "out.parmdb"}
	for i, e := range errs {
		s.Chunks = append(s.Chunks, chunkResult{
			Index:       i,
			Start:       2 * i,
			End:         2*i + 2,
			Stats:       &slopecal.SolverStats{State: slopecal.StateConverged, Iterations: 3},
			PhaseErrDeg: e,
		})
	}
	return s
}

func TestPrintSummarySkipsMissingPhaseError(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, summaryWithPhaseErrors(0.5, math.NaN(), 1.5))
	got := out.String()
	if !strings.Contains(got, "Phase error:     1.500 deg") {
		t.Fatalf("expected max phase error 1.500 over measured chunks, got:\n%s", got)
	}
	if !strings.Contains(got, "1 chunk(s) without a value") {
		t.Fatalf("expected one chunk reported without a value, got:\n%s", got)
	}
}

func TestPrintSummaryNoPhaseError(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, summaryWithPhaseErrors(math.NaN(), math.NaN()))
	if got := out.String(); strings.Contains(got, "Phase error") {
		t.Fatalf("expected no phase error line without a reference antenna, got:\n%s", got)
	}

	out.Reset()
	printSummary(&out, summaryWithPhaseErrors(0.25))
	got := out.String()
	if !strings.Contains(got, "Phase error:     0.250 deg") || strings.Contains(got, "without a value") {
		t.Fatalf("expected a plain phase error line, got:\n%s", got)
	}
}

func TestMaxPhaseError(t *testing.T) {
	worst, missing := maxPhaseError(summaryWithPhaseErrors(math.NaN(), 2, 0.1).Chunks)
	if worst != 2 || missing != 1 {
		t.Fatalf("expected worst 2 with 1 missing, got %g with %d missing", worst, missing)
	}
}
