package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Brownie44l1/segdist/internal/metrics"
	"github.com/Brownie44l1/segdist/internal/tally"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCompute struct {
	calls int
	dirs  []string
	err   error
}

func (c *countingCompute) compute(_ context.Context, dir string, size int) (*tally.Matrix, error) {
	c.calls++
	c.dirs = append(c.dirs, dir)
	if c.err != nil {
		return nil, c.err
	}
	m := tally.NewMatrix(size, 3)
	for i := range m.Data {
		m.Data[i] = float64(i) / 7
	}
	return m, nil
}

func TestKeyName(t *testing.T) {
	a, err := NewKey("/data/train/images", 100)
	require.NoError(t, err)
	b, err := NewKey("/data/train/./images/", 100)
	require.NoError(t, err)
	c, err := NewKey("/data/train/images", 200)
	require.NoError(t, err)
	// A path whose separator-to-underscore spelling matches a's.
	d, err := NewKey("/data/train_images", 100)
	require.NoError(t, err)

	assert.Equal(t, a.Name(), b.Name())
	assert.NotEqual(t, a.Name(), c.Name())
	assert.NotEqual(t, a.Name(), d.Name())
	assert.Regexp(t, `^images-[0-9a-f]{24}_segtally_100\.npy$`, a.Name())
}

func TestNewKeyRelative(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	rel, err := NewKey("testdata-does-not-exist", 5)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "testdata-does-not-exist"), rel.Dir)
}

// npyWithHeader builds a version 1.0 .npy file from a raw header dict and
// data section.
func npyWithHeader(dict string, data []byte) []byte {
	header := dict + "\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	buf.WriteByte(byte(len(header)))
	buf.WriteByte(byte(len(header) >> 8))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func TestNPYRoundTrip(t *testing.T) {
	m, err := tally.MatrixFrom(2, 3, []float64{0, 0.25, 0.75, 1, -2.5, 1e-300})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeNPY(&buf, m))
	assert.Equal(t, "\x93NUMPY", string(buf.Bytes()[:6]))

	got, err := DecodeNPY(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestNPYReadsNumpyLayout(t *testing.T) {
	data := make([]byte, 0, 4*8)
	for _, v := range []float64{1, 2, 3, 4} {
		data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
	}
	raw := npyWithHeader("{'descr': '<f8', 'fortran_order': False, 'shape': (2, 2), }", data)

	got, err := DecodeNPY(raw)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got.Row(0))
	assert.Equal(t, []float64{3, 4}, got.Row(1))
}

func TestNPYEmptyMatrix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeNPY(&buf, tally.NewMatrix(0, 336)))

	raw := buf.Bytes()
	headerLen := int(raw[8]) | int(raw[9])<<8
	assert.Zero(t, (10+headerLen)%64, "header must end on a 64-byte boundary")
	assert.Len(t, raw, 10+headerLen)

	got, err := DecodeNPY(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Rows)
	assert.Equal(t, 336, got.Cols)
}

func TestDecodeNPYMalformed(t *testing.T) {
	var good bytes.Buffer
	require.NoError(t, EncodeNPY(&good, tally.NewMatrix(2, 2)))
	raw := good.Bytes()

	shaped := func(shape string) []byte {
		return npyWithHeader("{'descr': '<f8', 'fortran_order': False, 'shape': "+shape+", }", nil)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("NOTNPY"), raw[6:]...)},
		{"truncated data", raw[:len(raw)-3]},
		{"trailing data", append(append([]byte{}, raw...), 0)},
		{"wrong dtype", bytes.Replace(raw, []byte("<f8"), []byte("<f4"), 1)},
		{"fortran order", npyWithHeader("{'descr': '<f8', 'fortran_order': True, 'shape': (1, 1), }", make([]byte, 8))},
		{"one dimension", shaped("(4,)")},
		{"shape without data", shaped("(3, 4)")},
		{"shape overflowing int", shaped("(4611686018427387904, 4)")},
		{"shape larger than memory", shaped("(1099511627776, 336)")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeNPY(tt.data)
			require.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, m)
		})
	}
}

func TestCacheComputesOnceThenLoads(t *testing.T) {
	cacheDir := filepath.Join(t.TempDir(), "nested", "cache")
	dataDir := t.TempDir()
	cc := &countingCompute{}
	m := metrics.New()
	c := New(NewFileStore(cacheDir), cc.compute, m, nil)

	first, err := c.Tally(context.Background(), dataDir, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.calls)

	second, err := c.Tally(context.Background(), dataDir, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.calls, "second call must not recompute")
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may be left behind")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheWritesTotal))
}

func TestCacheKeysBySize(t *testing.T) {
	dataDir := t.TempDir()
	cc := &countingCompute{}
	c := New(NewFileStore(t.TempDir()), cc.compute, nil, nil)

	small, err := c.Tally(context.Background(), dataDir, 2)
	require.NoError(t, err)
	large, err := c.Tally(context.Background(), dataDir, 5)
	require.NoError(t, err)

	assert.Equal(t, 2, cc.calls)
	assert.Equal(t, 2, small.Rows)
	assert.Equal(t, 5, large.Rows)
}

func TestCacheDisabled(t *testing.T) {
	cc := &countingCompute{}
	c := New(nil, cc.compute, nil, nil)
	dataDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Tally(context.Background(), dataDir, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, cc.calls)
	assert.Equal(t, []string{dataDir, dataDir, dataDir}, cc.dirs)
}

func TestCacheComputeErrorWritesNothing(t *testing.T) {
	cacheDir := t.TempDir()
	boom := errors.New("segmenter unavailable")
	c := New(NewFileStore(cacheDir), (&countingCompute{err: boom}).compute, nil, nil)

	_, err := c.Tally(context.Background(), t.TempDir(), 3)
	require.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheMalformedEntryIsFatal(t *testing.T) {
	cacheDir := t.TempDir()
	dataDir := t.TempDir()
	store := NewFileStore(cacheDir)
	key, err := NewKey(dataDir, 3)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(key), []byte("garbage"), 0o644))

	cc := &countingCompute{}
	_, err = New(store, cc.compute, nil, nil).Tally(context.Background(), dataDir, 3)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, cc.calls)
}

func TestCacheUncreatableDirectory(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cc := &countingCompute{}
	_, err := New(NewFileStore(filepath.Join(blocker, "cache")), cc.compute, nil, nil).
		Tally(context.Background(), t.TempDir(), 3)
	require.Error(t, err)
	assert.Zero(t, cc.calls, "an unusable cache must fail before computing")
}

func TestFileStoreLoadMissing(t *testing.T) {
	key, err := NewKey(t.TempDir(), 1)
	require.NoError(t, err)
	_, err = NewFileStore(t.TempDir()).Load(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
}

// barrierStore reports a miss only once every caller has reached Load.
type barrierStore struct {
	Store
	wg *sync.WaitGroup
}

func (s barrierStore) Load(ctx context.Context, key Key) (*tally.Matrix, error) {
	s.wg.Done()
	s.wg.Wait()
	return s.Store.Load(ctx, key)
}

func TestCacheConcurrentMissesComputeOnce(t *testing.T) {
	const callers = 4
	var wg sync.WaitGroup
	wg.Add(callers)
	store := barrierStore{Store: NewFileStore(t.TempDir()), wg: &wg}

	var calls atomic.Int32
	compute := func(_ context.Context, _ string, size int) (*tally.Matrix, error) {
		calls.Add(1)
		// Hold the computation open so every caller joins it.
		time.Sleep(100 * time.Millisecond)
		return tally.NewMatrix(size, 2), nil
	}
	c := New(store, compute, nil, nil)
	dir := t.TempDir()

	results := make([]*tally.Matrix, callers)
	errs := make([]error, callers)
	var done sync.WaitGroup
	for i := 0; i < callers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			results[i], errs[i] = c.Tally(context.Background(), dir, 3)
		}(i)
	}
	done.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 3, results[i].Rows)
	}
	assert.Equal(t, int32(1), calls.Load())
}
