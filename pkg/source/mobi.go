package source

import (
	"encoding/binary"
	"fmt"
	"io"

	"pageview/pkg/identity"
	"pageview/pkg/imagemeta"
)

const (
	palmHeaderSize      = 78
	palmRecordEntrySize = 8
	// offset of the first image record index inside record 0 (PalmDOC header + MOBI header)
	mobiFirstImageOffset = 0x6C
	mobiNoIndex          = 0xFFFFFFFF
)

// openMobi keeps every record from the first image index on that sniffs as an image.
func openMobi(r io.ReaderAt, size int64, id identity.Identity) (*memorySource, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, ioError("read", "mobi", err)
	}
	records, err := palmRecords(data)
	if err != nil {
		return nil, decodeError("mobi", err)
	}

	first := 1
	if rec0 := records[0]; len(rec0) >= mobiFirstImageOffset+4 && string(rec0[16:20]) == "MOBI" {
		if v := binary.BigEndian.Uint32(rec0[mobiFirstImageOffset:]); v != mobiNoIndex && int(v) < len(records) {
			first = int(v)
		}
	}

	var pages [][]byte
	for _, rec := range records[first:] {
		if imagemeta.IsImage(rec) {
			pages = append(pages, rec)
		}
	}
	return &memorySource{id: id, pages: pages}, nil
}

// palmRecords splits a PalmDB file into its records.
func palmRecords(data []byte) ([][]byte, error) {
	if len(data) < palmHeaderSize {
		return nil, fmt.Errorf("file too short for palm database header")
	}
	count := int(binary.BigEndian.Uint16(data[76:78]))
	if count == 0 {
		return nil, fmt.Errorf("palm database has no records")
	}
	tableEnd := palmHeaderSize + count*palmRecordEntrySize
	if len(data) < tableEnd {
		return nil, fmt.Errorf("record table truncated: %d records", count)
	}

	offsets := make([]int, count+1)
	for i := 0; i < count; i++ {
		entry := data[palmHeaderSize+i*palmRecordEntrySize:]
		offsets[i] = int(binary.BigEndian.Uint32(entry[0:4]))
	}
	offsets[count] = len(data)

	records := make([][]byte, count)
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if start < tableEnd || start > len(data) || end < start || end > len(data) {
			return nil, fmt.Errorf("record %d has invalid bounds %d..%d", i, start, end)
		}
		records[i] = data[start:end]
	}
	return records, nil
}
