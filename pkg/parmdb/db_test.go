package parmdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

func filledFloats(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestCreateLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.parmdb")
	db, err := Create(path, map[string]string{"solver": "f-slope", "note": "it's a test / with slash"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	axes := []string{"ant", "time", "freq", "corr"}
	if err := db.DefineParam("G", []int{3, 10, 1, 2}, Float64, axes, map[string][]float64{"time": {0, 1, 2, 3, 4, 5, 6, 7, 8, 9}}, -1); err != nil {
		t.Fatalf("DefineParam G: %v", err)
	}
	if err := db.DefineParam("B", []int{3, 1, 10, 2}, Complex128, axes, nil, 0); err != nil {
		t.Fatalf("DefineParam B: %v", err)
	}
	for _, r := range [][2]int{{0, 2}, {4, 6}, {7, 9}} {
		i0, i1 := r[0], r[1]
		g := NewFloatArray([]int{3, i1 - i0, 1, 2}, filledFloats(3*(i1-i0)*2, float64(i0)))
		if err := db.AddSlice("G", g, map[string]Slice{"time": {i0, i1}}); err != nil {
			t.Fatalf("AddSlice G: %v", err)
		}
		vals := make([]complex128, 3*(i1-i0)*2)
		for i := range vals {
			vals[i] = complex(float64(i0), float64(i))
		}
		b := NewComplexArray([]int{3, 1, i1 - i0, 2}, vals)
		if err := db.AddSlice("B", b, map[string]Slice{"freq": {i0, i1}}); err != nil {
			t.Fatalf("AddSlice B: %v", err)
		}
	}
	id := db.ID()
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID() != id {
		t.Fatalf("expected id %v, got %v", id, loaded.ID())
	}
	if meta := loaded.Metadata(); meta["solver"] != "f-slope" || meta["note"] != "it's a test / with slash" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if names := loaded.Names(); !slices.Equal(names, []string{"G", "B"}) {
		t.Fatalf("expected [G B], got %v", names)
	}

	g, err := loaded.Get("G")
	if err != nil {
		t.Fatalf("Get G: %v", err)
	}
	for tt := 0; tt < 10; tt++ {
		want := -1.0
		switch {
		case tt < 2:
			want = 0
		case tt >= 4 && tt < 6:
			want = 4
		case tt >= 7 && tt < 9:
			want = 7
		}
		for a := 0; a < 3; a++ {
			for c := 0; c < 2; c++ {
				if v := g.FloatAt(a, tt, 0, c); v != want {
					t.Fatalf("G[%d,%d,0,%d]: expected %g, got %g", a, tt, c, want, v)
				}
			}
		}
	}

	b, err := loaded.Get("B")
	if err != nil {
		t.Fatalf("Get B: %v", err)
	}
	// slice (4,6): value index i over shape (3,1,2,2)
	if v := b.ComplexAt(1, 0, 5, 0); v != complex(4, float64(1*4+1*2+0)) {
		t.Fatalf("B[1,0,5,0]: got %v", v)
	}
	if v := b.ComplexAt(2, 0, 6, 1); v != 0 {
		t.Fatalf("expected unwritten B entry to be empty, got %v", v)
	}

	desc, err := loaded.Desc("G")
	if err != nil {
		t.Fatalf("Desc: %v", err)
	}
	if desc.DType != Float64 || !slices.Equal(desc.Shape, []int{3, 10, 1, 2}) || desc.Empty != -1 {
		t.Fatalf("unexpected desc %+v", desc)
	}
	if len(desc.Grids["time"]) != 10 || desc.Grids["time"][9] != 9 {
		t.Fatalf("unexpected time grid %v", desc.Grids["time"])
	}
	if desc.AxisIndex("freq") != 2 || desc.AxisIndex("dir") != -1 {
		t.Fatalf("unexpected axis index")
	}
}

func TestFileLayoutIsBlockAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aligned.parmdb")
	db, err := Create(path, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := db.DefineParam("phase", []int{2, 3}, Float64, []string{"ant", "time"}, nil, 0); err != nil {
		t.Fatalf("DefineParam: %v", err)
	}
	if err := db.AddSlice("phase", NewFloatArray([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}), nil); err != nil {
		t.Fatalf("AddSlice: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data)%recordSize != 0 {
		t.Fatalf("expected file size to be a multiple of %d, got %d", recordSize, len(data))
	}
	if !bytes.HasPrefix(data, []byte("ENTRY   = 'DBHEADER'")) {
		t.Fatalf("unexpected first card %q", data[:cardSize])
	}

	loaded, err := LoadBytes(data)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	arr, err := loaded.Get("phase")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !slices.Equal(arr.Float, []float64{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected values %v", arr.Float)
	}
}

func TestDefineParamValidation(t *testing.T) {
	db, err := Create(filepath.Join(t.TempDir(), "v.parmdb"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()
	if err := db.DefineParam("x", []int{2, 3}, Float64, []string{"ant"}, nil, 0); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for label count, got %v", err)
	}
	if err := db.DefineParam("x", []int{2}, Float64, []string{"ant"}, map[string][]float64{"time": {0}}, 0); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for grid axis, got %v", err)
	}
	if err := db.DefineParam("x", []int{2}, Float64, []string{"ant"}, nil, 0); err != nil {
		t.Fatalf("DefineParam: %v", err)
	}
	if err := db.DefineParam("x", []int{2}, Float64, []string{"ant"}, nil, 0); err == nil {
		t.Fatal("expected error for duplicate parameter")
	}
}

func TestAddSliceValidation(t *testing.T) {
	db, err := Create(filepath.Join(t.TempDir(), "s.parmdb"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()
	if err := db.DefineParam("p", []int{2, 4}, Float64, []string{"ant", "time"}, nil, 0); err != nil {
		t.Fatalf("DefineParam: %v", err)
	}

	cases := []struct {
		name string
		arr  *Array
		sl   map[string]Slice
		want error
	}{
		{"unknown param", NewFloatArray([]int{2, 4}, make([]float64, 8)), nil, ErrUnknownParam},
		{"unsliced extent", NewFloatArray([]int{2, 3}, make([]float64, 6)), nil, ErrShapeMismatch},
		{"slice extent", NewFloatArray([]int{2, 2}, make([]float64, 4)), map[string]Slice{"time": {0, 3}}, ErrShapeMismatch},
		{"slice bounds", NewFloatArray([]int{2, 2}, make([]float64, 4)), map[string]Slice{"time": {3, 5}}, ErrShapeMismatch},
		{"unknown axis", NewFloatArray([]int{2, 4}, make([]float64, 8)), map[string]Slice{"freq": {0, 1}}, ErrShapeMismatch},
		{"value count", NewFloatArray([]int{2, 4}, make([]float64, 7)), nil, ErrShapeMismatch},
		{"dtype", NewComplexArray([]int{2, 4}, make([]complex128, 8)), nil, ErrShapeMismatch},
	}
	for _, tc := range cases {
		name := "p"
		if tc.want == ErrUnknownParam {
			name = "q"
		}
		if err := db.AddSlice(name, tc.arr, tc.sl); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := db.AddSlice("p", NewFloatArray([]int{2, 2}, make([]float64, 4)), map[string]Slice{"time": {2, 4}}); err != nil {
		t.Fatalf("expected valid slice to be accepted, got %v", err)
	}
}

func TestModeErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.parmdb")
	db, err := Create(path, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := db.DefineParam("p", []int{1}, Float64, []string{"ant"}, nil, 0); err != nil {
		t.Fatalf("DefineParam: %v", err)
	}
	if _, err := db.Get("p"); !errors.Is(err, ErrMode) {
		t.Fatalf("expected ErrMode for Get while creating, got %v", err)
	}
	loaded, err := db.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := loaded.DefineParam("q", []int{1}, Float64, []string{"ant"}, nil, 0); !errors.Is(err, ErrMode) {
		t.Fatalf("expected ErrMode for DefineParam after load, got %v", err)
	}
	if err := loaded.AddSlice("p", NewFloatArray([]int{1}, []float64{1}), nil); !errors.Is(err, ErrMode) {
		t.Fatalf("expected ErrMode for AddSlice after load, got %v", err)
	}
	if _, err := loaded.Get("q"); !errors.Is(err, ErrUnknownParam) {
		t.Fatalf("expected ErrUnknownParam, got %v", err)
	}
	if _, err := loaded.Desc("q"); !errors.Is(err, ErrUnknownParam) {
		t.Fatalf("expected ErrUnknownParam from Desc, got %v", err)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.parmdb")
	db, err := Create(path, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := db.DefineParam("p", []int{4}, Float64, []string{"ant"}, nil, 0); err != nil {
		t.Fatalf("DefineParam: %v", err)
	}
	if err := db.AddSlice("p", NewFloatArray([]int{4}, []float64{1, 2, 3, 4}), nil); err != nil {
		t.Fatalf("AddSlice: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// header block, metadata block, description block (no grids), slice header, slice payload
	data[4*recordSize+3] ^= 0xff
	if _, err := LoadBytes(data); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestLoadRejectsUnknownRecord(t *testing.T) {
	h := newHeader()
	h.setString("ENTRY", entryHeader)
	h.setString("DBID", "6f1c1c9e-8a4e-4a8e-9d55-1d1c1f0e2a11")
	h.setString("CREATED", "2024-01-01T00:00:00Z")
	h.setInt("NBYTES", 0)
	h.setString("DATASUM", checksum(nil))
	first, err := h.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h2 := newHeader()
	h2.setString("ENTRY", "HISTORY")
	h2.setInt("NBYTES", 0)
	h2.setString("DATASUM", checksum(nil))
	second, err := h2.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := LoadBytes(append(first, second...)); !errors.Is(err, ErrUnknownRecord) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
	if _, err := LoadBytes(nil); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for empty input, got %v", err)
	}
}

func TestConcurrentSlices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "par.parmdb")
	db, err := Create(path, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	const chunks = 16
	if err := db.DefineParam("phase", []int{chunks, 3}, Float64, []string{"time", "ant"}, nil, 0); err != nil {
		t.Fatalf("DefineParam: %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, chunks)
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arr := NewFloatArray([]int{1, 3}, filledFloats(3, float64(i)))
			errs <- db.AddSlice("phase", arr, map[string]Slice{"time": {i, i + 1}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AddSlice: %v", err)
		}
	}
	loaded, err := db.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	arr, err := loaded.Get("phase")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := 0; i < chunks; i++ {
		if v := arr.FloatAt(i, 2); v != float64(i) {
			t.Fatalf("chunk %d: expected %d, got %g", i, i, v)
		}
	}
}

func TestParseCardValue(t *testing.T) {
	cases := map[string]string{
		"'f-slope '":        "f-slope",
		"'it''s' / comment": "it's",
		"42 / answer":       "42",
		"-1.5":              "-1.5",
		"":                  "",
	}
	for raw, want := range cases {
		if got := parseCardValue(raw); got != want {
			t.Fatalf("%q: expected %q, got %q", raw, want, got)
		}
	}
}
