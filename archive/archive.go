// Package archive reads the tar-based binary package format (.xbps):
// compression autodetection, a single-member plist extraction helper used
// to pull a package's manifest without unpacking the whole archive, and a
// sequential entry iterator used by the executor's unpack phase. Grounded
// on crossplane-crossplane's package-cache layer, which wraps the same
// compress/gzip + archive/tar combination behind a streaming Reader, and
// extended here with github.com/ulikunitz/xz, github.com/pierrec/lz4/v4,
// and github.com/klauspost/compress/zstd, the three extra codecs xbps
// archives are built with beyond plain gzip.
package archive

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// magic byte prefixes used for compression autodetection.
var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic   = []byte{0x04, 0x22, 0x4d, 0x18}
)

// NewReader wraps r in the decompressor matching its leading bytes,
// falling back to treating the stream as an uncompressed tar when nothing
// matches (the format xbps-create still supports for local testing).
func NewReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 4096)
	peek, err := br.Peek(6)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("archive: peeking header: %w", err)
	}

	switch {
	case hasPrefix(peek, gzipMagic):
		return gzip.NewReader(br)
	case hasPrefix(peek, bzip2Magic):
		return bzip2.NewReader(br), nil
	case hasPrefix(peek, xzMagic):
		return xz.NewReader(br)
	case hasPrefix(peek, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case hasPrefix(peek, lz4Magic):
		return lz4.NewReader(br), nil
	default:
		return br, nil
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Entry is one tar member surfaced by Iter, exposing exactly the fields
// the unpack phase needs to recreate it on disk.
type Entry struct {
	Name     string
	Linkname string // hardlink/symlink target, empty otherwise
	Typeflag byte
	Mode     int64
	Size     int64
	Uid, Gid int
	ModTime  int64 // unix seconds

	Payload io.Reader // bounded to Size; valid only until the next Next() call
}

// Iterator walks a package archive's members in on-disk order.
type Iterator struct {
	tr *tar.Reader
}

// NewIterator wraps a (possibly already-decompressed) package stream.
func NewIterator(r io.Reader) (*Iterator, error) {
	dr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Iterator{tr: tar.NewReader(dr)}, nil
}

// Next returns the next entry, or io.EOF once the archive is exhausted.
func (it *Iterator) Next() (*Entry, error) {
	hdr, err := it.tr.Next()
	if err != nil {
		return nil, err
	}
	return &Entry{
		Name:     hdr.Name,
		Linkname: hdr.Linkname,
		Typeflag: hdr.Typeflag,
		Mode:     hdr.Mode,
		Size:     hdr.Size,
		Uid:      hdr.Uid,
		Gid:      hdr.Gid,
		ModTime:  hdr.ModTime.Unix(),
		Payload:  it.tr,
	}, nil
}

// ExtractMember scans r for the named member and returns its raw bytes,
// without consuming or buffering the rest of the archive in memory. Used
// by FetchPlist to pull a package's "props.plist"/"files.plist"-equivalent
// manifest member out of a (possibly remote) .xbps file.
func ExtractMember(r io.Reader, name string) ([]byte, error) {
	it, err := NewIterator(r)
	if err != nil {
		return nil, err
	}
	for {
		ent, err := it.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive: member %q not found", name)
		}
		if err != nil {
			return nil, err
		}
		if ent.Name != name {
			continue
		}
		return io.ReadAll(ent.Payload)
	}
}

// AppendBuf appends a single in-memory member to an uncompressed tar
// stream, the building block rindex uses to assemble a fresh
// "<arch>-repodata" archive member by member without staging files on
// disk.
func AppendBuf(tw *tar.Writer, name string, mode int64, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: mode,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("archive: writing body for %s: %w", name, err)
	}
	return nil
}
