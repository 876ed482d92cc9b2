// Package parmdb is an append-only store for gridded solution parameters.
//
// A database file is a sequence of records. Every record is a block of
// 80-byte "KEYWORD = value" header cards terminated by END and padded to
// 2880 bytes, followed by a big-endian payload padded the same way. The
// first record identifies the database; each parameter is described once
// and then filled by any number of slice records, which are pasted into a
// pre-filled array on load.
package parmdb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownParam is returned for a parameter that was never defined.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrMode is returned when an operation does not fit the open mode.
	ErrMode = errors.New("operation not valid in this mode")
	// ErrShapeMismatch is returned when a definition or slice is inconsistent.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrChecksum is returned when a payload does not match its DATASUM card.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrUnknownRecord is returned for a record whose ENTRY card is not recognised.
	ErrUnknownRecord = errors.New("unknown record type")
	// ErrCorrupt is returned for unreadable or truncated records.
	ErrCorrupt = errors.New("corrupt database")
)

const (
	entryHeader = "DBHEADER"
	entryDesc   = "PARMDESC"
	entrySlice  = "SLICE"
)

type mode int

const (
	modeCreate mode = iota
	modeLoad
	modeClosed
)

func (m mode) String() string {
	switch m {
	case modeCreate:
		return "create"
	case modeLoad:
		return "load"
	default:
		return "closed"
	}
}

// Slice is the half-open index range [Lo, Hi) along one axis.
type Slice struct {
	Lo int
	Hi int
}

// ParamDesc describes a defined parameter.
type ParamDesc struct {
	Name       string
	Shape      []int
	DType      DType
	AxisLabels []string
	Grids      map[string][]float64
	Empty      complex128
}

// AxisIndex returns the position of the named axis, or -1.
func (d *ParamDesc) AxisIndex(label string) int {
	return slices.Index(d.AxisLabels, label)
}

func (d *ParamDesc) clone() ParamDesc {
	c := *d
	c.Shape = append([]int(nil), d.Shape...)
	c.AxisLabels = append([]string(nil), d.AxisLabels...)
	c.Grids = make(map[string][]float64, len(d.Grids))
	for k, v := range d.Grids {
		c.Grids[k] = append([]float64(nil), v...)
	}
	return c
}

// DB is a parameter database opened either for writing (Create) or reading
// (Load). All methods are safe for concurrent use.
type DB struct {
	mu       sync.Mutex
	mode     mode
	path     string
	file     *os.File
	w        *bufio.Writer
	id       uuid.UUID
	created  time.Time
	metadata map[string]string
	descs    map[string]*ParamDesc
	order    []string
	arrays   map[string]*Array
}

// Create creates (or truncates) the database at path and writes its header
// record.
func Create(path string, metadata map[string]string) (*DB, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating parameter database: %w", err)
	}
	db := &DB{
		mode:     modeCreate,
		path:     path,
		file:     f,
		w:        bufio.NewWriter(f),
		id:       uuid.New(),
		created:  time.Now().UTC().Truncate(time.Second),
		metadata: make(map[string]string, len(metadata)),
		descs:    make(map[string]*ParamDesc),
	}
	for k, v := range metadata {
		db.metadata[k] = v
	}

	meta, err := yaml.Marshal(db.metadata)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	h := newHeader()
	h.setString("ENTRY", entryHeader)
	h.setString("DBID", db.id.String())
	h.setString("CREATED", db.created.Format(time.RFC3339))
	if err := db.writeRecord(h, meta); err != nil {
		f.Close()
		return nil, err
	}
	return db, nil
}

// Load reads the database at path.
func Load(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening parameter database: %w", err)
	}
	defer f.Close()
	db, err := load(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	db.path = path
	return db, nil
}

// LoadBytes reads a database from memory.
func LoadBytes(data []byte) (*DB, error) {
	return load(bytes.NewReader(data))
}

// ID returns the database identity written at creation.
func (db *DB) ID() uuid.UUID { return db.id }

// Created returns the creation time.
func (db *DB) Created() time.Time { return db.created }

// Metadata returns a copy of the database metadata.
func (db *DB) Metadata() map[string]string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]string, len(db.metadata))
	for k, v := range db.metadata {
		out[k] = v
	}
	return out
}

// DefineParam declares a parameter. Every axis of grids must be one of
// axisLabels, and empty fills values never written by a slice.
func (db *DB) DefineParam(name string, shape []int, dtype DType, axisLabels []string, grids map[string][]float64, empty complex128) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.mode != modeCreate {
		return fmt.Errorf("%w: define %q in %s mode", ErrMode, name, db.mode)
	}
	if _, ok := db.descs[name]; ok {
		return fmt.Errorf("parameter %q already defined", name)
	}
	if dtype != Float64 && dtype != Complex128 {
		return fmt.Errorf("parameter %q: unsupported dtype %v", name, dtype)
	}
	if len(shape) != len(axisLabels) {
		return fmt.Errorf("%w: %q has %d axes but %d labels", ErrShapeMismatch, name, len(shape), len(axisLabels))
	}
	for i, n := range shape {
		if n <= 0 {
			return fmt.Errorf("%w: %q axis %s has extent %d", ErrShapeMismatch, name, axisLabels[i], n)
		}
		if slices.Index(axisLabels, axisLabels[i]) != i {
			return fmt.Errorf("%w: %q repeats axis %s", ErrShapeMismatch, name, axisLabels[i])
		}
	}
	desc := &ParamDesc{
		Name:       name,
		Shape:      append([]int(nil), shape...),
		DType:      dtype,
		AxisLabels: append([]string(nil), axisLabels...),
		Grids:      make(map[string][]float64, len(grids)),
		Empty:      empty,
	}
	for axis, g := range grids {
		if desc.AxisIndex(axis) < 0 {
			return fmt.Errorf("%w: %q has a grid for undefined axis %s", ErrShapeMismatch, name, axis)
		}
		desc.Grids[axis] = append([]float64(nil), g...)
	}

	h := newHeader()
	h.setString("ENTRY", entryDesc)
	h.setString("NAME", name)
	h.setString("DTYPE", dtype.String())
	h.setInt("NAXIS", len(shape))
	for i := range shape {
		h.setInt("NAXIS"+strconv.Itoa(i+1), shape[i])
		h.setString("AXLAB"+strconv.Itoa(i+1), axisLabels[i])
	}
	h.setFloat("EMPTYRE", real(empty))
	h.setFloat("EMPTYIM", imag(empty))

	// grids are written in axis order
	var payload []float64
	ng := 0
	for _, axis := range desc.AxisLabels {
		g, ok := desc.Grids[axis]
		if !ok {
			continue
		}
		ng++
		h.setString("GRIDAX"+strconv.Itoa(ng), axis)
		h.setInt("GRIDLN"+strconv.Itoa(ng), len(g))
		payload = append(payload, g...)
	}
	h.setInt("NGRID", ng)
	if err := db.writeRecord(h, encodeFloats(payload)); err != nil {
		return err
	}
	db.descs[name] = desc
	db.order = append(db.order, name)
	return nil
}

// AddSlice appends values for a sub-block of a parameter. Axes named in
// sl take the given range and must match the array's extent along
// them; every other axis must match the defined shape.
func (db *DB) AddSlice(name string, arr *Array, sl map[string]Slice) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.mode != modeCreate {
		return fmt.Errorf("%w: add slice of %q in %s mode", ErrMode, name, db.mode)
	}
	desc, ok := db.descs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	lo, err := checkSlice(desc, arr, sl)
	if err != nil {
		return err
	}

	h := newHeader()
	h.setString("ENTRY", entrySlice)
	h.setString("NAME", name)
	h.setInt("NAXIS", len(arr.Shape))
	for i, n := range arr.Shape {
		h.setInt("NAXIS"+strconv.Itoa(i+1), n)
		h.setInt("SLO"+strconv.Itoa(i+1), lo[i])
	}
	var payload []byte
	if arr.DType == Complex128 {
		payload = encodeComplex(arr.Complex)
	} else {
		payload = encodeFloats(arr.Float)
	}
	return db.writeRecord(h, payload)
}

func checkSlice(desc *ParamDesc, arr *Array, sl map[string]Slice) ([]int, error) {
	if arr.DType != desc.DType {
		return nil, fmt.Errorf("%w: %q is %v, slice is %v", ErrShapeMismatch, desc.Name, desc.DType, arr.DType)
	}
	if len(arr.Shape) != len(desc.Shape) {
		return nil, fmt.Errorf("%w: %q has %d axes, slice has %d", ErrShapeMismatch, desc.Name, len(desc.Shape), len(arr.Shape))
	}
	for axis := range sl {
		if desc.AxisIndex(axis) < 0 {
			return nil, fmt.Errorf("%w: %q has no axis %s", ErrShapeMismatch, desc.Name, axis)
		}
	}
	lo := make([]int, len(desc.Shape))
	for i, axis := range desc.AxisLabels {
		s, ok := sl[axis]
		if !ok {
			if arr.Shape[i] != desc.Shape[i] {
				return nil, fmt.Errorf("%w: %q axis %d (%s) is %d, defined as %d",
					ErrShapeMismatch, desc.Name, i, axis, arr.Shape[i], desc.Shape[i])
			}
			continue
		}
		if s.Lo < 0 || s.Hi > desc.Shape[i] || s.Lo > s.Hi {
			return nil, fmt.Errorf("%w: %q slice %s=[%d:%d) outside [0:%d)",
				ErrShapeMismatch, desc.Name, axis, s.Lo, s.Hi, desc.Shape[i])
		}
		if s.Hi-s.Lo != arr.Shape[i] {
			return nil, fmt.Errorf("%w: %q slice %s=[%d:%d) does not match extent %d",
				ErrShapeMismatch, desc.Name, axis, s.Lo, s.Hi, arr.Shape[i])
		}
		lo[i] = s.Lo
	}
	if n := product(arr.Shape); arr.Len() != n {
		return nil, fmt.Errorf("%w: %q slice holds %d values, shape needs %d", ErrShapeMismatch, desc.Name, arr.Len(), n)
	}
	return lo, nil
}

func (db *DB) writeRecord(h *header, payload []byte) error {
	h.setInt("NBYTES", len(payload))
	h.setString("DATASUM", checksum(payload))
	cards, err := h.encode()
	if err != nil {
		return err
	}
	if _, err := db.w.Write(cards); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}
	if _, err := db.w.Write(payload); err != nil {
		return fmt.Errorf("writing record payload: %w", err)
	}
	if _, err := db.w.Write(make([]byte, padding(len(payload)))); err != nil {
		return fmt.Errorf("writing record padding: %w", err)
	}
	return db.w.Flush()
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}

// Close flushes and closes a database opened with Create. Closing a loaded
// database only releases its arrays.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	prev := db.mode
	db.mode = modeClosed
	db.arrays = nil
	if prev != modeCreate {
		return nil
	}
	if err := db.w.Flush(); err != nil {
		db.file.Close()
		return fmt.Errorf("flushing parameter database: %w", err)
	}
	return db.file.Close()
}

// Reload closes a database opened with Create and loads it back.
func (db *DB) Reload() (*DB, error) {
	if err := db.Close(); err != nil {
		return nil, err
	}
	return Load(db.path)
}

// Names returns the parameter names in definition order.
func (db *DB) Names() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.order...)
}

// Get returns the named parameter array. Only valid after Load.
func (db *DB) Get(name string) (*Array, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.mode != modeLoad {
		return nil, fmt.Errorf("%w: get %q in %s mode", ErrMode, name, db.mode)
	}
	a, ok := db.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return a, nil
}

// Desc returns a copy of the named parameter's description.
func (db *DB) Desc(name string) (ParamDesc, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.descs[name]
	if !ok {
		return ParamDesc{}, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return d.clone(), nil
}

func load(r io.Reader) (*DB, error) {
	db := &DB{
		mode:     modeLoad,
		metadata: make(map[string]string),
		descs:    make(map[string]*ParamDesc),
		arrays:   make(map[string]*Array),
	}
	for n := 0; ; n++ {
		h, err := readHeader(r)
		if err == io.EOF {
			if n == 0 {
				return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
			}
			return db, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		payload, err := readPayload(r, h)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		entry, err := h.getString("ENTRY")
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		if n == 0 && entry != entryHeader {
			return nil, fmt.Errorf("%w: first record is %s, not %s", ErrCorrupt, entry, entryHeader)
		}
		switch entry {
		case entryHeader:
			err = db.replayHeader(h, payload)
		case entryDesc:
			err = db.replayDesc(h, payload)
		case entrySlice:
			err = db.replaySlice(h, payload)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownRecord, entry)
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
	}
}

func readPayload(r io.Reader, h *header) ([]byte, error) {
	n, err := h.getInt("NBYTES")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative payload size", ErrCorrupt)
	}
	buf := make([]byte, n+padding(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrCorrupt, err)
	}
	payload := buf[:n]
	want, err := h.getString("DATASUM")
	if err != nil {
		return nil, err
	}
	if got := checksum(payload); got != want {
		return nil, fmt.Errorf("%w: DATASUM %s, payload hashes to %s", ErrChecksum, want, got)
	}
	return payload, nil
}

func (db *DB) replayHeader(h *header, payload []byte) error {
	id, err := h.getString("DBID")
	if err != nil {
		return err
	}
	if db.id, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: DBID: %v", ErrCorrupt, err)
	}
	created, err := h.getString("CREATED")
	if err != nil {
		return err
	}
	if db.created, err = time.Parse(time.RFC3339, created); err != nil {
		return fmt.Errorf("%w: CREATED: %v", ErrCorrupt, err)
	}
	if len(payload) > 0 {
		if err := yaml.Unmarshal(payload, &db.metadata); err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
		}
	}
	return nil
}

func readShape(h *header) ([]int, error) {
	naxis, err := h.getInt("NAXIS")
	if err != nil {
		return nil, err
	}
	shape := make([]int, naxis)
	for i := range shape {
		if shape[i], err = h.getInt("NAXIS" + strconv.Itoa(i+1)); err != nil {
			return nil, err
		}
	}
	return shape, nil
}

func (db *DB) replayDesc(h *header, payload []byte) error {
	name, err := h.getString("NAME")
	if err != nil {
		return err
	}
	dts, err := h.getString("DTYPE")
	if err != nil {
		return err
	}
	dtype, err := ParseDType(dts)
	if err != nil {
		return err
	}
	shape, err := readShape(h)
	if err != nil {
		return err
	}
	labels := make([]string, len(shape))
	for i := range labels {
		if labels[i], err = h.getString("AXLAB" + strconv.Itoa(i+1)); err != nil {
			return err
		}
	}
	re, err := h.getFloat("EMPTYRE")
	if err != nil {
		return err
	}
	im, err := h.getFloat("EMPTYIM")
	if err != nil {
		return err
	}

	desc := &ParamDesc{
		Name:       name,
		Shape:      shape,
		DType:      dtype,
		AxisLabels: labels,
		Grids:      make(map[string][]float64),
		Empty:      complex(re, im),
	}
	ng, err := h.getInt("NGRID")
	if err != nil {
		return err
	}
	vals := decodeFloats(payload)
	off := 0
	for i := 1; i <= ng; i++ {
		axis, err := h.getString("GRIDAX" + strconv.Itoa(i))
		if err != nil {
			return err
		}
		n, err := h.getInt("GRIDLN" + strconv.Itoa(i))
		if err != nil {
			return err
		}
		if n < 0 || off+n > len(vals) {
			return fmt.Errorf("%w: grid %s of %q overruns payload", ErrCorrupt, axis, name)
		}
		desc.Grids[axis] = vals[off : off+n : off+n]
		off += n
	}

	if _, ok := db.descs[name]; !ok {
		db.order = append(db.order, name)
	}
	db.descs[name] = desc
	db.arrays[name] = filledArray(dtype, shape, desc.Empty)
	return nil
}

func (db *DB) replaySlice(h *header, payload []byte) error {
	name, err := h.getString("NAME")
	if err != nil {
		return err
	}
	desc, ok := db.descs[name]
	if !ok {
		return fmt.Errorf("%w: slice of %q precedes its description", ErrUnknownParam, name)
	}
	shape, err := readShape(h)
	if err != nil {
		return err
	}
	if len(shape) != len(desc.Shape) {
		return fmt.Errorf("%w: slice of %q has %d axes", ErrShapeMismatch, name, len(shape))
	}
	lo := make([]int, len(shape))
	for i := range lo {
		if lo[i], err = h.getInt("SLO" + strconv.Itoa(i+1)); err != nil {
			return err
		}
		if lo[i] < 0 || lo[i]+shape[i] > desc.Shape[i] {
			return fmt.Errorf("%w: slice of %q exceeds axis %s", ErrShapeMismatch, name, desc.AxisLabels[i])
		}
	}

	var arr *Array
	if desc.DType == Complex128 {
		arr = NewComplexArray(shape, decodeComplex(payload))
	} else {
		arr = NewFloatArray(shape, decodeFloats(payload))
	}
	if arr.Len() != product(shape) {
		return fmt.Errorf("%w: slice of %q holds %d values, shape needs %d", ErrShapeMismatch, name, arr.Len(), product(shape))
	}
	db.arrays[name].paste(arr, lo)
	return nil
}
