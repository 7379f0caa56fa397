// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tarball inspects uploaded package archives (gzipped tarballs)
// without trusting their contents.
package tarball

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// ErrTooLarge indicates the archive exceeded the decompressed size limit.
var ErrTooLarge = errors.New("uploaded tarball is too large when decompressed")

// MalformedError indicates a structurally invalid archive.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("uploaded tarball is malformed: %s", e.Reason)
}

// Reader reads entries of a gzipped tarball.
type Reader struct {
	z *gzip.Reader
	r *tar.Reader
}

// New returns a Reader over the gzipped tarball in r.
func New(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{z: gz, r: tar.NewReader(gz)}, nil
}

// NewLimited is like New but fails with ErrTooLarge once the
// decompressed stream exceeds max bytes.
func NewLimited(r io.Reader, max int64) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{z: gz, r: tar.NewReader(&limitReader{r: gz, n: max})}, nil
}

func (r *Reader) Read(p []byte) (n int, err error) {
	return r.r.Read(p)
}

func (r *Reader) Close() error {
	return r.z.Close()
}

func (r *Reader) Next() (*tar.Header, error) {
	return r.r.Next()
}

// Walk calls f for each remaining entry, with the Reader positioned at
// the entry's body.
func (r *Reader) Walk(f func(*tar.Header, io.Reader) error) error {
	for {
		header, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(header, r); err != nil {
			return err
		}
	}
}

// Walk calls f for each entry in the gzipped tarball.
func Walk(r io.Reader, f func(*tar.Header, io.Reader) error) error {
	t, err := New(r)
	if err != nil {
		return err
	}
	defer t.Close()
	return t.Walk(f)
}

// limitReader fails with ErrTooLarge once more than n bytes have been
// read, unlike io.LimitReader which reports a silent EOF.
type limitReader struct {
	r io.Reader
	n int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		// The budget is spent. If the underlying stream still has
		// data the archive is over the limit; a clean EOF here means
		// it ended exactly at the limit.
		var b [1]byte
		n, err := l.r.Read(b[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

// Verify walks the archive through a size-limited Reader and checks
// that every entry lives under the "{name}-{version}/" prefix and that
// no entry is a hard link or symlink. It returns the sha256 digest of
// the raw compressed bytes, which becomes the version's checksum of
// record.
//
// Decompression is incremental; the full decompressed stream is never
// held in memory. Exceeding maxUnpack returns ErrTooLarge.
func Verify(raw []byte, name, version string, maxUnpack int64) (digest.Digest, error) {
	t, err := NewLimited(bytes.NewReader(raw), maxUnpack)
	if err != nil {
		return "", &MalformedError{Reason: "not a gzip stream"}
	}
	defer t.Close()

	prefix := name + "-" + version
	err = t.Walk(func(hdr *tar.Header, body io.Reader) error {
		// Every entry must live under `$name-$version/`. An archive
		// that smuggles a second top-level name could overwrite files
		// belonging to a different package on extraction.
		clean := path.Clean(hdr.Name)
		first, _, nested := strings.Cut(clean, "/")
		if first != prefix {
			return &MalformedError{Reason: fmt.Sprintf("entry %q is outside %s/", hdr.Name, prefix)}
		}
		// Only the package directory itself may carry the bare
		// top-level name; a regular file named `$name-$version` is not
		// under the prefix.
		if !nested && hdr.Typeflag != tar.TypeDir {
			return &MalformedError{Reason: fmt.Sprintf("entry %q is outside %s/", hdr.Name, prefix)}
		}

		// Hard links and symlinks can be abused to write outside the
		// extraction root, so reject them outright.
		if hdr.Typeflag == tar.TypeLink || hdr.Typeflag == tar.TypeSymlink {
			return &MalformedError{Reason: fmt.Sprintf("entry %q is a link", hdr.Name)}
		}

		_, err := io.Copy(io.Discard, body)
		return err
	})
	if err != nil {
		var malformed *MalformedError
		switch {
		case errors.Is(err, ErrTooLarge):
			return "", ErrTooLarge
		case errors.As(err, &malformed):
			return "", err
		default:
			return "", &MalformedError{Reason: err.Error()}
		}
	}

	return digest.SHA256.FromBytes(raw), nil
}
