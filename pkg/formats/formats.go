// Package formats classifies file names into container kinds and image pages.
// A Registry is built once from configuration and never mutated afterwards.
package formats

import (
	"path"
	"strings"
)

// Kind identifies the backend able to paginate a container.
type Kind int

const (
	KindUnknown Kind = iota
	KindDirectory
	KindZip
	KindSevenZip
	KindRar
	KindPDF
	KindEpub
	KindTar
	KindMobi
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindZip:
		return "zip"
	case KindSevenZip:
		return "7z"
	case KindRar:
		return "rar"
	case KindPDF:
		return "pdf"
	case KindEpub:
		return "epub"
	case KindTar:
		return "tar"
	case KindMobi:
		return "mobi"
	default:
		return "unknown"
	}
}

// Filter is the stream compression wrapped around a tar archive.
type Filter int

const (
	FilterNone Filter = iota
	FilterGzip
	FilterXz
	FilterBzip2
	FilterZstd
	FilterLz4
	FilterBrotli
)

func (f Filter) String() string {
	switch f {
	case FilterGzip:
		return "gzip"
	case FilterXz:
		return "xz"
	case FilterBzip2:
		return "bzip2"
	case FilterZstd:
		return "zstd"
	case FilterLz4:
		return "lz4"
	case FilterBrotli:
		return "brotli"
	default:
		return "none"
	}
}

type suffixRule struct {
	suffix string
	kind   Kind
	filter Filter
}

// Ordered longest first so compound suffixes win over their last component.
var containerRules = []suffixRule{
	{".tar.zst", KindTar, FilterZstd},
	{".tar.lz4", KindTar, FilterLz4},
	{".tar.bz2", KindTar, FilterBzip2},
	{".tar.gz", KindTar, FilterGzip},
	{".tar.xz", KindTar, FilterXz},
	{".tar.br", KindTar, FilterBrotli},
	{".tbz2", KindTar, FilterBzip2},
	{".azw3", KindMobi, FilterNone},
	{".epub", KindEpub, FilterNone},
	{".mobi", KindMobi, FilterNone},
	{".tgz", KindTar, FilterGzip},
	{".txz", KindTar, FilterXz},
	{".tar", KindTar, FilterNone},
	{".cbt", KindTar, FilterNone},
	{".zip", KindZip, FilterNone},
	{".cbz", KindZip, FilterNone},
	{".rar", KindRar, FilterNone},
	{".cbr", KindRar, FilterNone},
	{".pdf", KindPDF, FilterNone},
	{".azw", KindMobi, FilterNone},
	{".cb7", KindSevenZip, FilterNone},
	{".7z", KindSevenZip, FilterNone},
}

// Registry answers extension questions for the lifetime of the process.
type Registry struct {
	images map[string]struct{}
	list   []string
}

// NewRegistry builds a registry from image extensions given with or without a leading dot.
func NewRegistry(imageExts []string) *Registry {
	r := &Registry{images: make(map[string]struct{}, len(imageExts))}
	for _, ext := range imageExts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		if _, dup := r.images[ext]; dup {
			continue
		}
		r.images[ext] = struct{}{}
		r.list = append(r.list, ext)
	}
	return r
}

// ImageExtensions returns the configured image extensions in configuration order.
func (r *Registry) ImageExtensions() []string {
	return append([]string(nil), r.list...)
}

// IsImage reports whether name carries one of the configured image extensions.
func (r *Registry) IsImage(name string) bool {
	ext := strings.TrimPrefix(path.Ext(strings.ToLower(name)), ".")
	if ext == "" {
		return false
	}
	_, ok := r.images[ext]
	return ok
}

// Detect classifies a container file name. Directories are not detected here.
func (r *Registry) Detect(name string) (Kind, Filter) {
	lower := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if _, ok := SplitSevenZipBase(lower); ok {
		return KindSevenZip, FilterNone
	}
	for _, rule := range containerRules {
		if strings.HasSuffix(lower, rule.suffix) && len(lower) > len(rule.suffix) {
			return rule.kind, rule.filter
		}
	}
	return KindUnknown, FilterNone
}

// SplitSevenZipBase recognizes split volume names like "book.7z.001" and returns "book.7z".
func SplitSevenZipBase(name string) (string, bool) {
	lower := strings.ToLower(name)
	idx := strings.LastIndex(lower, ".7z.")
	if idx <= 0 {
		return "", false
	}
	num := lower[idx+4:]
	if num == "" {
		return "", false
	}
	for i := 0; i < len(num); i++ {
		if !isDigit(num[i]) {
			return "", false
		}
	}
	return name[:idx+3], true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
