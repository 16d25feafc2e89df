package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/Brownie44l1/segdist/internal/tally"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ErrMalformed is returned when a cache artifact cannot be decoded.
var ErrMalformed = errors.New("malformed tally artifact")

// Artifacts are NumPy .npy files holding a little-endian float64 C-order
// matrix, readable with numpy.load.
const npyDescr = "<f8"

// EncodeNPY writes m in .npy format.
func EncodeNPY(w io.Writer, m *tally.Matrix) error {
	if m.Rows == 0 || m.Cols == 0 {
		return encodeEmptyNPY(w, m.Rows, m.Cols)
	}
	if err := npyio.Write(w, mat.NewDense(m.Rows, m.Cols, m.Data)); err != nil {
		return fmt.Errorf("writing tally data: %w", err)
	}
	return nil
}

// encodeEmptyNPY writes the header of a matrix with no elements. gonum has no
// zero-sized Dense, so npyio cannot produce the (0, K) shape itself.
func encodeEmptyNPY(w io.Writer, rows, cols int) error {
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d), }", npyDescr, rows, cols)
	// magic(6) + version(2) + length(2) + header + '\n' is a multiple of 64.
	if rem := (10 + len(header) + 1) % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing tally header: %w", err)
	}
	return nil
}

// DecodeNPY reads a matrix written by EncodeNPY (or by numpy.save for a 2-D
// float64 C-order array). The header shape must account for exactly the data
// bytes that follow it.
func DecodeNPY(data []byte) (*tally.Matrix, error) {
	br := bytes.NewReader(data)
	r, err := npyio.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	descr := r.Header.Descr
	if descr.Type != npyDescr {
		return nil, fmt.Errorf("%w: expected '%s' data, got '%s'", ErrMalformed, npyDescr, descr.Type)
	}
	if descr.Fortran {
		return nil, fmt.Errorf("%w: expected C-order data", ErrMalformed)
	}
	if len(descr.Shape) != 2 {
		return nil, fmt.Errorf("%w: expected a 2-D shape, got %v", ErrMalformed, descr.Shape)
	}
	rows, cols := descr.Shape[0], descr.Shape[1]
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: negative shape (%d, %d)", ErrMalformed, rows, cols)
	}
	if cols > 0 && rows > math.MaxInt/8/cols {
		return nil, fmt.Errorf("%w: shape (%d, %d) is too large", ErrMalformed, rows, cols)
	}
	if size := rows * cols * 8; size != br.Len() {
		return nil, fmt.Errorf("%w: shape (%d, %d) needs %d data bytes, found %d",
			ErrMalformed, rows, cols, size, br.Len())
	}
	if rows == 0 || cols == 0 {
		return tally.NewMatrix(rows, cols), nil
	}

	var dense mat.Dense
	if err := r.Read(&dense); err != nil {
		return nil, fmt.Errorf("%w: reading data: %v", ErrMalformed, err)
	}
	m := tally.NewMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		copy(m.Row(i), dense.RawRowView(i))
	}
	return m, nil
}
