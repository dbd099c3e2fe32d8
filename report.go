// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// A report file is a gob stream of ReportEntry values. The first
// entry carries the header; every following entry carries one chunk
// of records. Files ending in ".gz" are gzip compressed.
const (
	ReportExtension      = ".wmm"
	reportVersion        = 1
	DefaultChunkSize     = 100000
	maxReportChromosomes = 1 << 16
)

type ReportHeader struct {
	Version     int
	Records     int
	ChunkSize   int
	Chromosomes []string
}

// ReportChunk holds parallel columns for consecutive records.
// Context is packed, 3 bytes per record.
type ReportChunk struct {
	Chromosome []uint16
	Position   []int64
	Context    []byte
	Methylated []uint32
	Total      []uint32
}

type ReportEntry struct {
	Header *ReportHeader
	Chunk  *ReportChunk
}

// HasReportExtension reports whether fnm names a report file.
func HasReportExtension(fnm string) bool {
	return strings.HasSuffix(fnm, ReportExtension) || strings.HasSuffix(fnm, ReportExtension+".gz")
}

// Columns holds cytosine records as parallel arrays. Chromosome
// values index the owning report's Chromosomes().
type Columns struct {
	Chromosome []uint16
	Position   []int64
	Context    []ContextCode
	Methylated []uint32
	Total      []uint32
}

func (cols *Columns) Len() int { return len(cols.Position) }

// Slice returns a copy of records [start, end).
func (cols *Columns) Slice(start, end int) *Columns {
	return &Columns{
		Chromosome: append([]uint16(nil), cols.Chromosome[start:end]...),
		Position:   append([]int64(nil), cols.Position[start:end]...),
		Context:    append([]ContextCode(nil), cols.Context[start:end]...),
		Methylated: append([]uint32(nil), cols.Methylated[start:end]...),
		Total:      append([]uint32(nil), cols.Total[start:end]...),
	}
}

func (cols *Columns) appendColumns(other *Columns) {
	cols.Chromosome = append(cols.Chromosome, other.Chromosome...)
	cols.Position = append(cols.Position, other.Position...)
	cols.Context = append(cols.Context, other.Context...)
	cols.Methylated = append(cols.Methylated, other.Methylated...)
	cols.Total = append(cols.Total, other.Total...)
}

// Append adds one record.
func (cols *Columns) Append(chrom uint16, pos int64, cc ContextCode, methylated, total uint32) {
	cols.Chromosome = append(cols.Chromosome, chrom)
	cols.Position = append(cols.Position, pos)
	cols.Context = append(cols.Context, cc)
	cols.Methylated = append(cols.Methylated, methylated)
	cols.Total = append(cols.Total, total)
}

// check returns an error if the columns have different lengths or
// contain impossible records.
func (cols *Columns) check(nchrom int) error {
	n := len(cols.Position)
	if len(cols.Chromosome) != n || len(cols.Context) != n || len(cols.Methylated) != n || len(cols.Total) != n {
		return fmt.Errorf("column lengths differ: chromosome %d, position %d, context %d, methylated %d, total %d",
			len(cols.Chromosome), n, len(cols.Context), len(cols.Methylated), len(cols.Total))
	}
	for i := 0; i < n; i++ {
		if int(cols.Chromosome[i]) >= nchrom {
			return fmt.Errorf("record %d: chromosome index %d out of range (%d chromosomes)", i, cols.Chromosome[i], nchrom)
		}
		if cols.Position[i] < 0 {
			return fmt.Errorf("record %d: negative position %d", i, cols.Position[i])
		}
		if cols.Methylated[i] > cols.Total[i] {
			return fmt.Errorf("record %d: methylated reads %d > total reads %d", i, cols.Methylated[i], cols.Total[i])
		}
	}
	return nil
}

func (cols *Columns) chunk() *ReportChunk {
	ctx := make([]byte, 0, 3*len(cols.Context))
	for _, cc := range cols.Context {
		ctx = append(ctx, cc[:]...)
	}
	return &ReportChunk{
		Chromosome: cols.Chromosome,
		Position:   cols.Position,
		Context:    ctx,
		Methylated: cols.Methylated,
		Total:      cols.Total,
	}
}

func (chunk *ReportChunk) columns() (*Columns, error) {
	if len(chunk.Context) != 3*len(chunk.Position) {
		return nil, fmt.Errorf("context column has %d bytes, expected %d", len(chunk.Context), 3*len(chunk.Position))
	}
	cols := &Columns{
		Chromosome: chunk.Chromosome,
		Position:   chunk.Position,
		Context:    make([]ContextCode, len(chunk.Position)),
		Methylated: chunk.Methylated,
		Total:      chunk.Total,
	}
	for i := range cols.Context {
		copy(cols.Context[i][:], chunk.Context[i*3:i*3+3])
	}
	return cols, nil
}

// Report provides random or sequential access to the records of one
// sample.
type Report interface {
	// Number of records.
	Len() int
	// Recommended number of records per chunk.
	ChunkSize() int
	Chromosomes() []string
	// Columns returns records [start, end).
	Columns(start, end int) (*Columns, error)
}

// MemReport is a Report held entirely in memory.
type MemReport struct {
	chromosomes []string
	chunkSize   int
	cols        *Columns
}

func NewMemReport(chromosomes []string, chunkSize int, cols *Columns) (*MemReport, error) {
	if cols == nil {
		cols = &Columns{}
	}
	if err := cols.check(len(chromosomes)); err != nil {
		return nil, inputErrorf("", "%s", err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MemReport{chromosomes: chromosomes, chunkSize: chunkSize, cols: cols}, nil
}

func (mr *MemReport) Len() int { return mr.cols.Len() }
func (mr *MemReport) ChunkSize() int { return mr.chunkSize }
func (mr *MemReport) Chromosomes() []string { return mr.chromosomes }

func (mr *MemReport) Columns(start, end int) (*Columns, error) {
	if start < 0 || end > mr.Len() || start > end {
		return nil, fmt.Errorf("range [%d,%d) out of bounds [0,%d)", start, end, mr.Len())
	}
	return mr.cols.Slice(start, end), nil
}

// ReportFile reads a report file one chunk at a time. Columns must be
// called with ascending, non-overlapping ranges; only the records
// between the last returned range and the next stored chunk boundary
// are held in memory.
type ReportFile struct {
	name     string
	header   ReportHeader
	rc       io.ReadCloser
	dec      *gob.Decoder
	buf      *Columns
	bufStart int
	eof      bool
}

// OpenReport opens a report file and reads its header.
func OpenReport(fnm string) (*ReportFile, error) {
	if !HasReportExtension(fnm) {
		return nil, inputErrorf(fnm, "filename does not end in %s or %s.gz", ReportExtension, ReportExtension)
	}
	rc, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	rf, err := readReport(fnm, rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return rf, nil
}

func readReport(name string, rc io.ReadCloser) (*ReportFile, error) {
	rf := &ReportFile{
		name: name,
		rc:   rc,
		dec:  gob.NewDecoder(bufio.NewReaderSize(rc, 1<<20)),
		buf:  &Columns{},
	}
	var ent ReportEntry
	err := rf.dec.Decode(&ent)
	if err == io.EOF {
		return nil, inputErrorf(name, "empty file")
	} else if err != nil {
		return nil, inputErrorf(name, "gob decode: %s", err)
	} else if ent.Header == nil {
		return nil, inputErrorf(name, "first entry is not a header")
	}
	rf.header = *ent.Header
	switch {
	case rf.header.Version != reportVersion:
		return nil, inputErrorf(name, "unsupported version %d", rf.header.Version)
	case rf.header.Records < 0:
		return nil, inputErrorf(name, "negative record count %d", rf.header.Records)
	case len(rf.header.Chromosomes) > maxReportChromosomes:
		return nil, inputErrorf(name, "too many chromosomes (%d)", len(rf.header.Chromosomes))
	}
	if rf.header.ChunkSize <= 0 {
		rf.header.ChunkSize = DefaultChunkSize
	}
	return rf, nil
}

func (rf *ReportFile) Name() string { return rf.name }
func (rf *ReportFile) Len() int { return rf.header.Records }
func (rf *ReportFile) ChunkSize() int { return rf.header.ChunkSize }
func (rf *ReportFile) Chromosomes() []string { return rf.header.Chromosomes }
func (rf *ReportFile) Header() ReportHeader { return rf.header }

// Close releases the underlying file. It is safe to call more than
// once.
func (rf *ReportFile) Close() error {
	if rf.rc == nil {
		return nil
	}
	err := rf.rc.Close()
	rf.rc = nil
	return err
}

func (rf *ReportFile) Columns(start, end int) (*Columns, error) {
	if start < 0 || end > rf.Len() || start > end {
		return nil, fmt.Errorf("range [%d,%d) out of bounds [0,%d)", start, end, rf.Len())
	}
	if start < rf.bufStart {
		return nil, fmt.Errorf("range [%d,%d) precedes current position %d: report file supports sequential reads only", start, end, rf.bufStart)
	}
	for rf.bufStart+rf.buf.Len() < end {
		cols, err := rf.nextChunk()
		if err != nil {
			return nil, err
		}
		rf.buf.appendColumns(cols)
	}
	ret := rf.buf.Slice(start-rf.bufStart, end-rf.bufStart)
	rf.buf = rf.buf.Slice(end-rf.bufStart, rf.buf.Len())
	rf.bufStart = end
	if end == rf.Len() && rf.buf.Len() == 0 {
		if err := rf.checkTrailer(); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (rf *ReportFile) nextChunk() (*Columns, error) {
	var ent ReportEntry
	err := rf.dec.Decode(&ent)
	if err == io.EOF {
		rf.eof = true
		return nil, inputErrorf(rf.name, "file ends after %d records, header says %d", rf.bufStart+rf.buf.Len(), rf.header.Records)
	} else if err != nil {
		return nil, inputErrorf(rf.name, "gob decode: %s", err)
	} else if ent.Header != nil {
		return nil, inputErrorf(rf.name, "unexpected second header")
	} else if ent.Chunk == nil {
		return &Columns{}, nil
	}
	cols, err := ent.Chunk.columns()
	if err == nil {
		err = cols.check(len(rf.header.Chromosomes))
	}
	if err != nil {
		return nil, inputErrorf(rf.name, "chunk at record %d: %s", rf.bufStart+rf.buf.Len(), err)
	}
	return cols, nil
}

// checkTrailer verifies that no records follow the number announced
// in the header.
func (rf *ReportFile) checkTrailer() error {
	if rf.eof {
		return nil
	}
	for {
		var ent ReportEntry
		err := rf.dec.Decode(&ent)
		if err == io.EOF {
			rf.eof = true
			return nil
		} else if err != nil {
			return inputErrorf(rf.name, "gob decode: %s", err)
		} else if ent.Chunk != nil && len(ent.Chunk.Position) > 0 {
			return inputErrorf(rf.name, "file has more records than the %d announced in header", rf.header.Records)
		}
	}
}

// LoadReport reads an entire report file into memory.
func LoadReport(fnm string) (*MemReport, error) {
	rf, err := OpenReport(fnm)
	if err != nil {
		return nil, err
	}
	defer rf.Close()
	cols, err := rf.Columns(0, rf.Len())
	if err != nil {
		return nil, err
	}
	return &MemReport{chromosomes: rf.Chromosomes(), chunkSize: rf.ChunkSize(), cols: cols}, nil
}

// ReportWriter writes a report file. The number of records must be
// known in advance.
type ReportWriter struct {
	header  ReportHeader
	enc     *gob.Encoder
	pending *Columns
	written int
	closers []func() error
}

// NewReportWriter writes the header to w and returns a writer for the
// records.
func NewReportWriter(w io.Writer, header ReportHeader) (*ReportWriter, error) {
	if header.ChunkSize <= 0 {
		header.ChunkSize = DefaultChunkSize
	}
	header.Version = reportVersion
	rw := &ReportWriter{
		header:  header,
		enc:     gob.NewEncoder(w),
		pending: &Columns{},
	}
	err := rw.enc.Encode(ReportEntry{Header: &header})
	if err != nil {
		return nil, err
	}
	return rw, nil
}

// CreateReport creates fnm and returns a writer for it, compressing
// the output if fnm ends in ".gz".
func CreateReport(fnm string, header ReportHeader) (*ReportWriter, error) {
	if !HasReportExtension(fnm) {
		return nil, configErrorf("output", "filename %q does not end in %s or %s.gz", fnm, ReportExtension, ReportExtension)
	}
	f, err := os.Create(fnm)
	if err != nil {
		return nil, err
	}
	bufw := bufio.NewWriterSize(f, 1<<22)
	var w io.Writer = bufw
	closers := []func() error{bufw.Flush, f.Close}
	if strings.HasSuffix(fnm, ".gz") {
		gzw := pgzip.NewWriter(bufw)
		w = gzw
		closers = append([]func() error{gzw.Close}, closers...)
	}
	rw, err := NewReportWriter(w, header)
	if err != nil {
		f.Close()
		return nil, err
	}
	rw.closers = closers
	return rw, nil
}

// Write appends records, encoding a chunk each time ChunkSize records
// are pending.
func (rw *ReportWriter) Write(cols *Columns) error {
	if err := cols.check(len(rw.header.Chromosomes)); err != nil {
		return err
	}
	if rw.written+rw.pending.Len()+cols.Len() > rw.header.Records {
		return fmt.Errorf("too many records: header says %d", rw.header.Records)
	}
	rw.pending.appendColumns(cols)
	for rw.pending.Len() >= rw.header.ChunkSize {
		if err := rw.flush(rw.header.ChunkSize); err != nil {
			return err
		}
	}
	return nil
}

func (rw *ReportWriter) flush(n int) error {
	err := rw.enc.Encode(ReportEntry{Chunk: rw.pending.Slice(0, n).chunk()})
	if err != nil {
		return err
	}
	rw.written += n
	rw.pending = rw.pending.Slice(n, rw.pending.Len())
	return nil
}

// Close writes any pending records and closes the underlying file,
// if any. It is an error to close before all announced records have
// been written.
func (rw *ReportWriter) Close() error {
	var err error
	if rw.pending.Len() > 0 {
		err = rw.flush(rw.pending.Len())
	}
	if err == nil && rw.written != rw.header.Records {
		err = fmt.Errorf("wrote %d records, header says %d", rw.written, rw.header.Records)
	}
	for _, c := range rw.closers {
		if e := c(); e != nil && err == nil {
			err = e
		}
	}
	rw.closers = nil
	return err
}

// isInputFormatError reports whether err is (or wraps) an
// InputFormatError.
func isInputFormatError(err error) bool {
	var ife *InputFormatError
	return errors.As(err, &ife)
}
