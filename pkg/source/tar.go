package source

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"pageview/pkg/formats"
	"pageview/pkg/identity"
)

// decompress wraps r in the stream decoder for filter.
func decompress(r io.Reader, filter formats.Filter) (io.Reader, func(), error) {
	noop := func() {}
	switch filter {
	case formats.FilterNone:
		return r, noop, nil
	case formats.FilterGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, func() { zr.Close() }, nil
	case formats.FilterXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return xr, noop, nil
	case formats.FilterBzip2:
		return bzip2.NewReader(r), noop, nil
	case formats.FilterZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return dec, dec.Close, nil
	case formats.FilterLz4:
		return lz4.NewReader(r), noop, nil
	case formats.FilterBrotli:
		return brotli.NewReader(r), noop, nil
	default:
		return nil, noop, fmt.Errorf("filter %s: %w", filter, ErrUnsupportedFormat)
	}
}

// openTar decodes the whole stream up front; compressed tar cannot seek to a member.
func openTar(r io.ReaderAt, size int64, filter formats.Filter, id identity.Identity, reg *formats.Registry) (*memorySource, error) {
	stream, release, err := decompress(io.NewSectionReader(r, 0, size), filter)
	if err != nil {
		return nil, decodeError("open "+filter.String()+" stream", err)
	}
	defer release()

	type member struct {
		name string
		data []byte
	}
	var members []member
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, decodeError("read tar header", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if !reg.IsImage(name) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, decodeError(name, err)
		}
		members = append(members, member{name: name, data: data})
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].name < members[j].name })

	pages := make([][]byte, len(members))
	for i, m := range members {
		pages[i] = m.data
	}
	return &memorySource{id: id, pages: pages}, nil
}
