package parmdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	cardSize      = 80
	recordSize    = 2880
	cardsPerBlock = recordSize / cardSize
	maxKeyword    = 8
)

// header is an ordered list of FITS-style "KEYWORD = value" cards.
type header struct {
	keys   []string
	values map[string]string
}

func newHeader() *header {
	return &header{values: make(map[string]string)}
}

func (h *header) set(key, raw string) {
	key = strings.ToUpper(key)
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = raw
}

func (h *header) setString(key, v string) {
	h.set(key, "'"+strings.ReplaceAll(v, "'", "''")+"'")
}

func (h *header) setInt(key string, v int) {
	h.set(key, strconv.Itoa(v))
}

func (h *header) setFloat(key string, v float64) {
	h.set(key, strconv.FormatFloat(v, 'g', -1, 64))
}

func (h *header) getString(key string) (string, error) {
	raw, ok := h.values[strings.ToUpper(key)]
	if !ok {
		return "", fmt.Errorf("%w: missing card %s", ErrCorrupt, key)
	}
	return parseCardValue(raw), nil
}

func (h *header) getInt(key string) (int, error) {
	s, err := h.getString(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: card %s: %v", ErrCorrupt, key, err)
	}
	return v, nil
}

func (h *header) getFloat(key string) (float64, error) {
	s, err := h.getString(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: card %s: %v", ErrCorrupt, key, err)
	}
	return v, nil
}

// encode renders the cards followed by END, padded with blanks to a whole
// number of 2880-byte blocks.
func (h *header) encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range h.keys {
		if len(key) > maxKeyword {
			return nil, fmt.Errorf("keyword %q longer than %d characters", key, maxKeyword)
		}
		card := fmt.Sprintf("%-8s= %s", key, h.values[key])
		if len(card) > cardSize {
			return nil, fmt.Errorf("card %s does not fit in %d bytes", key, cardSize)
		}
		fmt.Fprintf(&buf, "%-80s", card)
	}
	fmt.Fprintf(&buf, "%-80s", "END")
	buf.Write(bytes.Repeat([]byte{' '}, padding(buf.Len())))
	return buf.Bytes(), nil
}

// readHeader reads 36-card blocks until the END card. io.EOF is returned
// untouched when r is exhausted before the first card.
func readHeader(r io.Reader) (*header, error) {
	h := newHeader()
	card := make([]byte, cardSize)
	first := true
	for {
		for i := 0; i < cardsPerBlock; i++ {
			if _, err := io.ReadFull(r, card); err != nil {
				if first && err == io.EOF {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("%w: reading header card: %v", ErrCorrupt, err)
			}
			first = false
			record := string(card)
			keyword := strings.TrimSpace(record[:maxKeyword])

			if keyword == "END" {
				if rest := cardsPerBlock - 1 - i; rest > 0 {
					if _, err := io.ReadFull(r, make([]byte, rest*cardSize)); err != nil {
						return nil, fmt.Errorf("%w: reading header padding: %v", ErrCorrupt, err)
					}
				}
				return h, nil
			}
			if keyword != "" && record[8] == '=' && record[9] == ' ' {
				h.set(keyword, strings.TrimSpace(record[10:]))
			}
		}
	}
}

// parseCardValue strips quotes and a trailing "/ comment" from a raw card value.
func parseCardValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if raw[0] != '\'' {
		return strings.TrimSpace(strings.SplitN(raw, "/", 2)[0])
	}
	var sb strings.Builder
	for i := 1; i < len(raw); i++ {
		if raw[i] != '\'' {
			sb.WriteByte(raw[i])
			continue
		}
		if i+1 < len(raw) && raw[i+1] == '\'' {
			sb.WriteByte('\'')
			i++
			continue
		}
		break
	}
	return strings.TrimRight(sb.String(), " ")
}

func padding(n int) int {
	if rem := n % recordSize; rem != 0 {
		return recordSize - rem
	}
	return 0
}

func encodeFloats(vals []float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func encodeComplex(vals []complex128) []byte {
	out := make([]byte, 16*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(out[i*16:], math.Float64bits(real(v)))
		binary.BigEndian.PutUint64(out[i*16+8:], math.Float64bits(imag(v)))
	}
	return out
}

func decodeFloats(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
	}
	return out
}

func decodeComplex(b []byte) []complex128 {
	out := make([]complex128, len(b)/16)
	for i := range out {
		re := math.Float64frombits(binary.BigEndian.Uint64(b[i*16:]))
		im := math.Float64frombits(binary.BigEndian.Uint64(b[i*16+8:]))
		out[i] = complex(re, im)
	}
	return out
}
