package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/hyperjump/ivfsync/internal/fsutil"
)

const (
	codecMagic   = "IVFPQIDX"
	codecVersion = uint32(1)

	maxDim   = 1 << 16
	maxLists = 1 << 20
	maxSize  = 1<<31 - 1

	// maxCentroidValues bounds nlist*dim (1 GiB of float32).
	maxCentroidValues = 1 << 28

	// readChunk is how many elements readBody allocates ahead of the data it has read.
	readChunk = 1 << 16
)

// Encode writes the index to w: an 8-byte magic and a version, then a zstd stream
// holding the little-endian body. The same index always encodes to the same bytes.
func (idx *Index) Encode(w io.Writer) error {
	if _, err := io.WriteString(w, codecMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, codecVersion); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("vector: zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)
	if err := idx.writeBody(bw); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func (idx *Index) writeBody(w io.Writer) error {
	le := binary.LittleEndian
	hdr := []uint32{
		uint32(idx.dim),
		uint32(idx.state),
		uint32(idx.params.NList),
		uint32(idx.params.M),
		uint32(idx.params.NProbe),
		uint32(idx.params.Iterations),
	}
	if err := binary.Write(w, le, hdr); err != nil {
		return err
	}
	if err := binary.Write(w, le, idx.params.Seed); err != nil {
		return err
	}
	if idx.state != Trained {
		return nil
	}

	trained := []uint32{uint32(idx.nlist), uint32(idx.pq.m), uint32(idx.pq.ksub)}
	if err := binary.Write(w, le, trained); err != nil {
		return err
	}
	if err := binary.Write(w, le, idx.centroids); err != nil {
		return err
	}
	if err := binary.Write(w, le, idx.pq.codebooks); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint64(len(idx.locs))); err != nil {
		return err
	}
	for _, l := range idx.lists {
		if err := binary.Write(w, le, uint32(len(l.positions))); err != nil {
			return err
		}
		if err := binary.Write(w, le, l.positions); err != nil {
			return err
		}
		if _, err := w.Write(l.codes); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads an index written by Encode.
func Decode(r io.Reader) (*Index, error) {
	var magic [len(codecMagic)]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, corrupt("read magic", err)
	}
	if string(magic[:]) != codecMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic[:])
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, corrupt("read version", err)
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, corrupt("open zstd stream", err)
	}
	defer dec.Close()
	idx, err := readBody(bufio.NewReader(dec))
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func readBody(r io.Reader) (*Index, error) {
	le := binary.LittleEndian
	hdr := make([]uint32, 6)
	if err := binary.Read(r, le, hdr); err != nil {
		return nil, corrupt("read header", err)
	}
	var seed int64
	if err := binary.Read(r, le, &seed); err != nil {
		return nil, corrupt("read seed", err)
	}
	dim := int(hdr[0])
	if dim < 1 || dim > maxDim {
		return nil, fmt.Errorf("%w: dimension %d", ErrCorrupt, dim)
	}
	params := Params{
		NList:      int(hdr[2]),
		M:          int(hdr[3]),
		NProbe:     int(hdr[4]),
		Iterations: int(hdr[5]),
		Seed:       seed,
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	idx := &Index{dim: dim, params: params, state: State(hdr[1])}
	switch idx.state {
	case Untrained:
		return idx, nil
	case Trained:
	default:
		return nil, fmt.Errorf("%w: state %d", ErrCorrupt, hdr[1])
	}

	trained := make([]uint32, 3)
	if err := binary.Read(r, le, trained); err != nil {
		return nil, corrupt("read trained header", err)
	}
	nlist, m, ksub := int(trained[0]), int(trained[1]), int(trained[2])
	if nlist < 1 || nlist > maxLists || m < 1 || m > dim || dim%m != 0 || ksub < 1 || ksub > maxCodebookSize {
		return nil, fmt.Errorf("%w: nlist=%d m=%d ksub=%d", ErrCorrupt, nlist, m, ksub)
	}
	if nlist*dim > maxCentroidValues {
		return nil, fmt.Errorf("%w: %d lists of dimension %d", ErrCorrupt, nlist, dim)
	}
	idx.nlist = nlist
	var err error
	if idx.centroids, err = readSlice[float32](r, nlist*dim, "read centroids"); err != nil {
		return nil, err
	}
	idx.pq = &productQuantizer{m: m, ksub: ksub, dsub: dim / m}
	if idx.pq.codebooks, err = readSlice[float32](r, m*ksub*(dim/m), "read codebooks"); err != nil {
		return nil, err
	}

	var size uint64
	if err := binary.Read(r, le, &size); err != nil {
		return nil, corrupt("read size", err)
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: size %d", ErrCorrupt, size)
	}
	idx.lists = make([]invertedList, nlist)
	var total uint64
	for c := range idx.lists {
		var n uint32
		if err := binary.Read(r, le, &n); err != nil {
			return nil, corrupt("read list length", err)
		}
		total += uint64(n)
		if total > size {
			return nil, fmt.Errorf("%w: lists hold more than %d vectors", ErrCorrupt, size)
		}
		var l invertedList
		if l.positions, err = readSlice[int64](r, int(n), "read positions"); err != nil {
			return nil, err
		}
		if l.codes, err = readSlice[byte](r, int(n)*m, "read codes"); err != nil {
			return nil, err
		}
		for _, code := range l.codes {
			if int(code) >= ksub {
				return nil, fmt.Errorf("%w: code %d exceeds codebook size %d", ErrCorrupt, code, ksub)
			}
		}
		idx.lists[c] = l
	}
	if total != size {
		return nil, fmt.Errorf("%w: lists hold %d vectors, header says %d", ErrCorrupt, total, size)
	}

	// Every position has been read, so size is backed by data.
	idx.locs = make([]location, size)
	seen := make([]bool, size)
	for c, l := range idx.lists {
		for off, pos := range l.positions {
			if pos < 0 || uint64(pos) >= size || seen[pos] {
				return nil, fmt.Errorf("%w: position %d in list %d", ErrCorrupt, pos, c)
			}
			seen[pos] = true
			idx.locs[pos] = location{list: int32(c), offset: int32(off)}
		}
	}
	return idx, nil
}

// Save writes the index to path atomically.
func (idx *Index) Save(path string) error {
	if err := fsutil.WriteFileAtomic(path, 0o644, idx.Encode); err != nil {
		return fmt.Errorf("vector: save %s: %w", path, err)
	}
	return nil
}

// Load reads an index saved by Save.
func Load(path string) (*Index, error) {
	var idx *Index
	err := fsutil.ReadFile(path, func(r io.Reader) error {
		var err error
		idx, err = Decode(r)
		return err
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("vector: load %s: %w", path, err)
	}
	return idx, nil
}

// readSlice reads n little-endian values, growing the slice one chunk at a time so a
// header claiming more data than the stream holds fails before allocating it all.
func readSlice[T float32 | int64 | byte](r io.Reader, n int, op string) ([]T, error) {
	out := make([]T, 0, min(n, readChunk))
	for len(out) < n {
		start := len(out)
		out = append(out, make([]T, min(n-start, readChunk))...)
		if err := binary.Read(r, binary.LittleEndian, out[start:]); err != nil {
			return nil, corrupt(op, err)
		}
	}
	return out, nil
}

func corrupt(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, op, err)
}
