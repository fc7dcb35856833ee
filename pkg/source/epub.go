package source

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/yeka/zip"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"pageview/pkg/identity"
	"pageview/pkg/logger"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// openEpub serves zip entries in the order the spine documents reference them.
func openEpub(ra io.ReaderAt, size int64, closer io.Closer, id identity.Identity, pw *passwordSet) (*zipSource, error) {
	zr, err := openZipReader(ra, size, pw)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[norm.NFC.String(strings.TrimPrefix(f.Name, "/"))] = f
	}

	order, err := epubImageRefs(entries)
	if err != nil {
		return nil, err
	}
	pages := make([]*zip.File, 0, len(order))
	for _, ref := range order {
		f, ok := entries[norm.NFC.String(ref)]
		if !ok {
			logger.Warn("Epub image reference not found in archive", "ref", ref)
			continue
		}
		pages = append(pages, f)
	}
	return &zipSource{closer: closer, id: id, pages: pages, passwords: pw}, nil
}

func epubImageRefs(entries map[string]*zip.File) ([]string, error) {
	var container epubContainer
	if err := decodeEpubXML(entries, "META-INF/container.xml", &container); err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return nil, decodeError("epub container", fmt.Errorf("no rootfile"))
	}
	opfPath := path.Clean(container.Rootfiles[0].FullPath)

	var pkg epubPackage
	if err := decodeEpubXML(entries, opfPath, &pkg); err != nil {
		return nil, err
	}
	manifest := make(map[string]int, len(pkg.Manifest))
	for i, item := range pkg.Manifest {
		manifest[item.ID] = i
	}

	opfDir := path.Dir(opfPath)
	var refs []string
	for _, ref := range pkg.Spine {
		i, ok := manifest[ref.IDRef]
		if !ok {
			logger.Debug("Epub spine item missing from manifest", "idref", ref.IDRef)
			continue
		}
		item := pkg.Manifest[i]
		docPath, ok := resolveEpubRef(opfDir, item.Href)
		if !ok {
			continue
		}
		if strings.HasPrefix(item.MediaType, "image/") {
			refs = append(refs, docPath)
			continue
		}
		f, ok := entries[norm.NFC.String(docPath)]
		if !ok {
			logger.Warn("Epub spine document not found", "path", docPath)
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			logger.Warn("Failed to read epub document", "path", docPath, "err", err)
			continue
		}
		refs = append(refs, documentImageRefs(data, path.Dir(docPath))...)
	}
	return refs, nil
}

func decodeEpubXML(entries map[string]*zip.File, name string, v any) error {
	f, ok := entries[norm.NFC.String(name)]
	if !ok {
		return decodeError("epub", fmt.Errorf("%s missing", name))
	}
	data, err := readZipFile(f)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return decodeError(name, err)
	}
	return nil
}

// documentImageRefs returns archive paths of img and svg image elements in document order.
func documentImageRefs(markup []byte, docDir string) []string {
	doc, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return nil
	}
	var refs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "img" || n.Data == "image") {
			if ref := imageAttr(n); ref != "" {
				if p, ok := resolveEpubRef(docDir, ref); ok {
					refs = append(refs, p)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return refs
}

// imageAttr returns src, then href, then xlink:href.
func imageAttr(n *html.Node) string {
	var href, xlink string
	for _, a := range n.Attr {
		switch {
		case a.Key == "src" && a.Namespace == "":
			return a.Val
		case a.Key == "href" && a.Namespace == "":
			href = a.Val
		case a.Key == "href" && a.Namespace == "xlink", a.Key == "xlink:href":
			xlink = a.Val
		}
	}
	if href != "" {
		return href
	}
	return xlink
}

// resolveEpubRef joins a document-relative reference to its directory inside the archive.
func resolveEpubRef(baseDir, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "#?"); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return "", false
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		return "", false
	}
	if decoded, err := url.PathUnescape(ref); err == nil {
		ref = decoded
	}
	var joined string
	if strings.HasPrefix(ref, "/") {
		joined = path.Clean(strings.TrimPrefix(ref, "/"))
	} else {
		joined = path.Clean(path.Join(baseDir, ref))
	}
	if joined == "." || strings.HasPrefix(joined, "../") || joined == ".." {
		return "", false
	}
	return joined, true
}
