/*
Copyright 2025 The TopOpt Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dmda

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/logging"
)

// VecFileClassID tags a vector record in a binary container.
const VecFileClassID int32 = 1211214

// decodeChunk is the number of values decoded per read.
const decodeChunk = 1 << 16

var (
	// ErrBadClassID is returned when a record does not start with VecFileClassID.
	ErrBadClassID = errors.New("record is not a vector")
	// ErrSizeMismatch is returned when a stored vector's length differs from the target's.
	ErrSizeMismatch = errors.New("stored vector length does not match")
	// ErrViewerClosed is returned when a closed viewer is used.
	ErrViewerClosed = errors.New("viewer is closed")
)

// FileMode selects how a BinaryViewer opens its file.
type FileMode int

const (
	// ModeRead opens an existing container for sequential reads.
	ModeRead FileMode = iota
	// ModeWrite creates or truncates a container for sequential writes.
	ModeWrite
)

func (m FileMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("FileMode(%d)", int(m))
	}
}

// BinaryViewer reads or writes a sequence of vectors to a single container
// file. Only the root rank touches the file; every method is collective.
//
// In write mode the data goes to a sibling temporary file that replaces
// the target on Close, so an interrupted write never leaves a truncated
// container under the final name.
type BinaryViewer struct {
	comm comm.Comm
	fs   afero.Fs
	path string
	mode FileMode

	// root only
	file afero.File
	tmp  string
	r    *bufio.Reader
	w    *bufio.Writer

	closed bool
	failed bool
}

// OpenBinary opens path on fs for the given mode. It is collective.
func OpenBinary(ctx context.Context, c comm.Comm, fs afero.Fs, path string, mode FileMode) (*BinaryViewer, error) {
	bv := &BinaryViewer{comm: c, fs: fs, path: path, mode: mode}
	var err error
	if comm.IsRoot(c) {
		err = bv.openLocal()
	}
	if err = comm.BcastError(ctx, c, "dmda.viewer.open", err); err != nil {
		if bv.file != nil {
			bv.discard(ctx)
		}
		return nil, fmt.Errorf("opening %s for %s: %w", path, mode, err)
	}
	return bv, nil
}

func (bv *BinaryViewer) openLocal() error {
	switch bv.mode {
	case ModeRead:
		f, err := bv.fs.Open(bv.path)
		if err != nil {
			return err
		}
		bv.file = f
		bv.r = bufio.NewReader(f)
	case ModeWrite:
		if dir := filepath.Dir(bv.path); dir != "." {
			if err := bv.fs.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		bv.tmp = bv.path + ".tmp"
		f, err := bv.fs.OpenFile(bv.tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		bv.file = f
		bv.w = bufio.NewWriter(f)
	default:
		return fmt.Errorf("unknown file mode %v", bv.mode)
	}
	return nil
}

// discard drops the root's file handle without publishing anything.
func (bv *BinaryViewer) discard(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).V(logging.DEBUG)
	if err := bv.file.Close(); err != nil {
		log.Info("Closing discarded container", "file", bv.file.Name(), "error", err.Error())
	}
	if bv.tmp != "" {
		bv.removeTemp(ctx)
	}
	bv.file = nil
}

func (bv *BinaryViewer) removeTemp(ctx context.Context) {
	if err := bv.fs.Remove(bv.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Temporary container left behind",
			"file", bv.tmp, "target", bv.path, "error", err.Error())
	}
}

// WriteVec appends v to the container in natural ordering.
func (bv *BinaryViewer) WriteVec(ctx context.Context, v *Vec) error {
	if err := bv.check(ModeWrite, v); err != nil {
		return err
	}
	all, err := bv.comm.Allgather(ctx, "dmda.viewer.write_vec", v.data)
	if err != nil {
		return fmt.Errorf("writing vector to %s: %w", bv.path, err)
	}

	var werr error
	if comm.IsRoot(bv.comm) {
		natural := make([]float64, v.Size())
		for rank, part := range all {
			local := part.([]float64)
			start, width := v.da.box(rank)
			v.da.forEachPoint(start, width, func(l, n int) {
				copy(natural[n:n+v.da.dof], local[l:l+v.da.dof])
			})
		}
		werr = EncodeVec(bv.w, natural)
	}
	if err := comm.BcastError(ctx, bv.comm, "dmda.viewer.write_vec.status", werr); err != nil {
		bv.failed = true
		return fmt.Errorf("writing vector to %s: %w", bv.path, err)
	}
	return nil
}

type readResult struct {
	natural []float64
	err     error
}

// ReadVec reads the next vector of the container into v.
func (bv *BinaryViewer) ReadVec(ctx context.Context, v *Vec) error {
	if err := bv.check(ModeRead, v); err != nil {
		return err
	}
	var res readResult
	if comm.IsRoot(bv.comm) {
		res.natural, res.err = decodeVecLen(bv.r, v.Size())
	}
	res, err := comm.Bcast(ctx, bv.comm, comm.Root, "dmda.viewer.read_vec", res)
	if err != nil {
		return fmt.Errorf("reading vector from %s: %w", bv.path, err)
	}
	if res.err != nil {
		return fmt.Errorf("reading vector from %s: %w", bv.path, res.err)
	}
	v.da.forEachPoint(v.da.start, v.da.width, func(l, n int) {
		copy(v.data[l:l+v.da.dof], res.natural[n:n+v.da.dof])
	})
	return nil
}

func (bv *BinaryViewer) check(mode FileMode, v *Vec) error {
	switch {
	case bv.closed:
		return ErrViewerClosed
	case bv.mode != mode:
		return fmt.Errorf("viewer on %s is open for %s", bv.path, bv.mode)
	case v == nil || v.destroyed:
		return fmt.Errorf("vector for %s: %w", bv.path, ErrDestroyed)
	case v.da.comm.Size() != bv.comm.Size():
		return fmt.Errorf("vector for %s: %w", bv.path, ErrLayoutMismatch)
	}
	return nil
}

// Close flushes and closes the container. In write mode the container is
// published under its final name, unless a write failed, in which case
// nothing is published. It is collective.
func (bv *BinaryViewer) Close(ctx context.Context) error {
	if bv.closed {
		return nil
	}
	bv.closed = true

	var err error
	if comm.IsRoot(bv.comm) && bv.file != nil {
		err = bv.closeLocal(ctx)
	}
	if err = comm.BcastError(ctx, bv.comm, "dmda.viewer.close", err); err != nil {
		return fmt.Errorf("closing %s: %w", bv.path, err)
	}
	return nil
}

func (bv *BinaryViewer) closeLocal(ctx context.Context) error {
	defer func() { bv.file = nil }()
	if bv.mode == ModeRead {
		return bv.file.Close()
	}
	if bv.failed {
		bv.discard(ctx)
		return nil
	}
	if err := bv.w.Flush(); err != nil {
		bv.discard(ctx)
		return err
	}
	if err := bv.file.Sync(); err != nil {
		bv.discard(ctx)
		return err
	}
	if err := bv.file.Close(); err != nil {
		bv.removeTemp(ctx)
		return err
	}
	if err := bv.fs.Rename(bv.tmp, bv.path); err != nil {
		bv.removeTemp(ctx)
		return err
	}
	return nil
}

// EncodeVec writes one vector record: the class id, the length and the
// values, all big-endian.
func EncodeVec(w io.Writer, values []float64) error {
	if len(values) > math.MaxInt32 {
		return fmt.Errorf("vector of %d values exceeds the record limit", len(values))
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(VecFileClassID))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(values)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, 8*len(values))
	for i, x := range values {
		binary.BigEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	_, err := w.Write(buf)
	return err
}

// DecodeVec reads one vector record. It returns io.EOF when r is
// exhausted before the record starts.
func DecodeVec(r io.Reader) ([]float64, error) {
	return decodeVecLen(r, -1)
}

// decodeVecLen reads one record, rejecting it unless its length is want
// (any length when want is negative).
func decodeVecLen(r io.Reader, want int) ([]float64, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading record header: %w", err)
	}
	if id := int32(binary.BigEndian.Uint32(hdr[0:4])); id != VecFileClassID {
		return nil, fmt.Errorf("%w: class id %d", ErrBadClassID, id)
	}
	n := int(int32(binary.BigEndian.Uint32(hdr[4:8])))
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrSizeMismatch, n)
	}
	if want >= 0 && n != want {
		return nil, fmt.Errorf("%w: stored %d, want %d", ErrSizeMismatch, n, want)
	}
	// Read in bounded chunks so a corrupt length cannot force a huge
	// allocation before the data runs out.
	out := make([]float64, 0, min(n, decodeChunk))
	buf := make([]byte, 8*min(n, decodeChunk))
	for len(out) < n {
		k := min(n-len(out), decodeChunk)
		if _, err := io.ReadFull(r, buf[:8*k]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("reading %d values: %w", n, err)
		}
		for i := 0; i < k; i++ {
			out = append(out, math.Float64frombits(binary.BigEndian.Uint64(buf[8*i:])))
		}
	}
	return out, nil
}

// ScanContainer decodes every vector record of a container. It is a local
// operation intended for tooling; solver code reads through BinaryViewer.
func ScanContainer(fs afero.Fs, path string) ([][]float64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var out [][]float64
	for {
		v, err := DecodeVec(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d of %s: %w", len(out), path, err)
		}
		out = append(out, v)
	}
}
