package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// similarity is the cosine of the angle between a and b, accumulated in
// float64. Mismatched, empty or zero vectors score 0, as does any NaN.
func similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		na += float64(x) * float64(x)
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / math.Sqrt(na*nb)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return s
}

// encodeVector lays v out as little-endian float32 words, the layout of the
// embeddings.vector column.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 0, 4*len(v))
	for _, f := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not a float32 array", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if dims > 0 && dims != len(v) {
		return nil, fmt.Errorf("vector has %d dimensions, row says %d", len(v), dims)
	}
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return v, nil
}
