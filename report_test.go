// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bytes"
	"encoding/gob"
	"io/ioutil"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type reportSuite struct{}

var _ = check.Suite(&reportSuite{})

// scenarioColumns returns six records on chromosome 0 with a known
// CG weighted mean of 13/18.
func scenarioColumns(c *check.C) *Columns {
	cols := &Columns{}
	for i, rec := range []struct {
		code       string
		methylated uint32
		total      uint32
	}{
		{"CGA", 5, 10},
		{"CAG", 3, 6},
		{"CAA", 0, 4},
		{"CGG", 8, 8},
		{"CTG", 2, 2},
		{"CAT", 1, 5},
	} {
		cols.Append(0, int64(100+i*7), mustCode(c, rec.code), rec.methylated, rec.total)
	}
	return cols
}

// randomColumns returns n records spread over nchrom chromosomes in
// ascending position order. Some records have a context that the
// standard patterns do not classify.
func randomColumns(c *check.C, n, nchrom int, seed uint64) *Columns {
	rnd := rand.New(rand.NewSource(seed))
	cols := &Columns{}
	for i := 0; i < n; i++ {
		chrom := uint16(i * nchrom / n)
		cc := ContextCode{'C', "ACGT"[rnd.Intn(4)], "ACGT"[rnd.Intn(4)]}
		if rnd.Intn(20) == 0 {
			cc[1] = 'N'
		}
		total := uint32(rnd.Intn(30))
		methylated := uint32(0)
		if total > 0 {
			methylated = uint32(rnd.Intn(int(total) + 1))
		}
		cols.Append(chrom, int64(i*13), cc, methylated, total)
	}
	return cols
}

func writeTestReport(c *check.C, fnm string, chroms []string, chunkSize int, cols *Columns) {
	rw, err := CreateReport(fnm, ReportHeader{Records: cols.Len(), ChunkSize: chunkSize, Chromosomes: chroms})
	c.Assert(err, check.IsNil)
	c.Assert(rw.Write(cols), check.IsNil)
	c.Assert(rw.Close(), check.IsNil)
}

func (s *reportSuite) TestRoundTrip(c *check.C) {
	tmpdir := c.MkDir()
	cols := randomColumns(c, 250, 2, 1)
	for _, fnm := range []string{tmpdir + "/plain.wmm", tmpdir + "/compressed.wmm.gz"} {
		writeTestReport(c, fnm, []string{"Chr1", "Chr2"}, 100, cols)
		rf, err := OpenReport(fnm)
		c.Assert(err, check.IsNil)
		c.Check(rf.Len(), check.Equals, 250)
		c.Check(rf.ChunkSize(), check.Equals, 100)
		c.Check(rf.Chromosomes(), check.DeepEquals, []string{"Chr1", "Chr2"})
		c.Check(rf.Header().Version, check.Equals, reportVersion)
		c.Check(rf.Name(), check.Equals, fnm)
		for _, r := range [][2]int{{0, 30}, {30, 100}, {100, 237}, {237, 250}} {
			got, err := rf.Columns(r[0], r[1])
			c.Assert(err, check.IsNil)
			c.Check(got, check.DeepEquals, cols.Slice(r[0], r[1]), check.Commentf("%s %v", fnm, r))
		}
		c.Check(rf.Close(), check.IsNil)
		c.Check(rf.Close(), check.IsNil)

		mr, err := LoadReport(fnm)
		c.Assert(err, check.IsNil)
		all, err := mr.Columns(0, mr.Len())
		c.Assert(err, check.IsNil)
		c.Check(all, check.DeepEquals, cols.Slice(0, cols.Len()))
	}
}

func (s *reportSuite) TestSequentialOnly(c *check.C) {
	fnm := c.MkDir() + "/seq.wmm"
	writeTestReport(c, fnm, []string{"Chr1"}, 10, randomColumns(c, 50, 1, 2))
	rf, err := OpenReport(fnm)
	c.Assert(err, check.IsNil)
	defer rf.Close()
	_, err = rf.Columns(0, 20)
	c.Assert(err, check.IsNil)
	_, err = rf.Columns(10, 15)
	c.Check(err, check.ErrorMatches, `.*sequential reads only.*`)
	_, err = rf.Columns(40, 51)
	c.Check(err, check.ErrorMatches, `.*out of bounds.*`)
	// skipping ahead is allowed
	got, err := rf.Columns(40, 50)
	c.Assert(err, check.IsNil)
	c.Check(got.Len(), check.Equals, 10)
}

func (s *reportSuite) TestTruncated(c *check.C) {
	var buf bytes.Buffer
	rw, err := NewReportWriter(&buf, ReportHeader{Records: 10, ChunkSize: 4, Chromosomes: []string{"Chr1"}})
	c.Assert(err, check.IsNil)
	c.Assert(rw.Write(randomColumns(c, 5, 1, 3)), check.IsNil)
	c.Check(rw.Close(), check.ErrorMatches, `wrote 5 records, header says 10`)

	fnm := c.MkDir() + "/truncated.wmm"
	c.Assert(ioutil.WriteFile(fnm, buf.Bytes(), 0644), check.IsNil)
	rf, err := OpenReport(fnm)
	c.Assert(err, check.IsNil)
	defer rf.Close()
	_, err = rf.Columns(0, 10)
	c.Check(err, check.FitsTypeOf, &InputFormatError{})
	c.Check(err, check.ErrorMatches, `.*file ends after 5 records, header says 10`)
}

func (s *reportSuite) TestExtraRecords(c *check.C) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	c.Assert(enc.Encode(ReportEntry{Header: &ReportHeader{Version: reportVersion, Records: 2, ChunkSize: 2, Chromosomes: []string{"Chr1"}}}), check.IsNil)
	c.Assert(enc.Encode(ReportEntry{Chunk: randomColumns(c, 2, 1, 4).chunk()}), check.IsNil)
	c.Assert(enc.Encode(ReportEntry{Chunk: randomColumns(c, 1, 1, 5).chunk()}), check.IsNil)

	fnm := c.MkDir() + "/extra.wmm"
	c.Assert(ioutil.WriteFile(fnm, buf.Bytes(), 0644), check.IsNil)
	rf, err := OpenReport(fnm)
	c.Assert(err, check.IsNil)
	defer rf.Close()
	_, err = rf.Columns(0, 2)
	c.Check(isInputFormatError(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*more records than the 2 announced.*`)
}

func (s *reportSuite) TestBadFiles(c *check.C) {
	tmpdir := c.MkDir()
	_, err := OpenReport(tmpdir + "/report.txt")
	c.Check(err, check.FitsTypeOf, &InputFormatError{})

	c.Assert(ioutil.WriteFile(tmpdir+"/garbage.wmm", []byte("this is not a report\n"), 0644), check.IsNil)
	_, err = OpenReport(tmpdir + "/garbage.wmm")
	c.Check(err, check.FitsTypeOf, &InputFormatError{})

	c.Assert(ioutil.WriteFile(tmpdir+"/garbage.wmm.gz", []byte("this is not gzip\n"), 0644), check.IsNil)
	_, err = OpenReport(tmpdir + "/garbage.wmm.gz")
	c.Check(err, check.FitsTypeOf, &InputFormatError{})

	c.Assert(ioutil.WriteFile(tmpdir+"/empty.wmm", nil, 0644), check.IsNil)
	_, err = OpenReport(tmpdir + "/empty.wmm")
	c.Check(err, check.ErrorMatches, `.*empty file`)

	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(ReportEntry{Header: &ReportHeader{Version: 99}}), check.IsNil)
	c.Assert(ioutil.WriteFile(tmpdir+"/future.wmm", buf.Bytes(), 0644), check.IsNil)
	_, err = OpenReport(tmpdir + "/future.wmm")
	c.Check(err, check.ErrorMatches, `.*unsupported version 99`)
}

func (s *reportSuite) TestWriterChecks(c *check.C) {
	_, err := CreateReport(c.MkDir()+"/out.csv", ReportHeader{})
	c.Check(err, check.FitsTypeOf, &ConfigurationError{})

	rw, err := NewReportWriter(&bytes.Buffer{}, ReportHeader{Records: 3, Chromosomes: []string{"Chr1"}})
	c.Assert(err, check.IsNil)
	bad := &Columns{}
	bad.Append(1, 10, mustCode(c, "CGA"), 0, 1)
	c.Check(rw.Write(bad), check.ErrorMatches, `.*chromosome index 1 out of range.*`)
	bad = &Columns{}
	bad.Append(0, 10, mustCode(c, "CGA"), 3, 2)
	c.Check(rw.Write(bad), check.ErrorMatches, `.*methylated reads 3 > total reads 2`)
	c.Check(rw.Write(randomColumns(c, 4, 1, 6)), check.ErrorMatches, `too many records.*`)
}

func (s *reportSuite) TestMemReport(c *check.C) {
	mr, err := NewMemReport([]string{"Chr1"}, 0, scenarioColumns(c))
	c.Assert(err, check.IsNil)
	c.Check(mr.ChunkSize(), check.Equals, DefaultChunkSize)
	c.Check(mr.Len(), check.Equals, 6)
	_, err = mr.Columns(4, 7)
	c.Check(err, check.NotNil)
	got, err := mr.Columns(1, 3)
	c.Assert(err, check.IsNil)
	c.Check(got.Total, check.DeepEquals, []uint32{6, 4})

	_, err = NewMemReport(nil, 0, scenarioColumns(c))
	c.Check(err, check.FitsTypeOf, &InputFormatError{})

	mr, err = NewMemReport([]string{"Chr1"}, 10, nil)
	c.Assert(err, check.IsNil)
	c.Check(mr.Len(), check.Equals, 0)
}

func (s *reportSuite) TestHasReportExtension(c *check.C) {
	c.Check(HasReportExtension("a.wmm"), check.Equals, true)
	c.Check(HasReportExtension("dir/a.wmm.gz"), check.Equals, true)
	c.Check(HasReportExtension("a.wmm.bz2"), check.Equals, false)
	c.Check(HasReportExtension("a.tsv.gz"), check.Equals, false)
}
