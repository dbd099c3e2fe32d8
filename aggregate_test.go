// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bytes"
	"math"
	"strings"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type aggregateSuite struct{}

var _ = check.Suite(&aggregateSuite{})

func (s *aggregateSuite) scenario(c *check.C) *MemReport {
	mr, err := NewMemReport([]string{"Chr1"}, 0, scenarioColumns(c))
	c.Assert(err, check.IsNil)
	return mr
}

func (s *aggregateSuite) TestScenarioMethylpy(c *check.C) {
	cp, err := ParseContextPatterns("methylpy")
	c.Assert(err, check.IsNil)
	gs, err := GenomeWide(s.scenario(c), AggregateOptions{Patterns: cp})
	c.Assert(err, check.IsNil)
	cg, ok := gs.Tally("CG")
	c.Assert(ok, check.Equals, true)
	c.Check(cg, check.Equals, Tally{Methylated: 13, Total: 18, Cytosines: 2})
	c.Check(formatMean(cg.Mean()), check.Equals, "0.72222")
	chg, _ := gs.Tally("CHG")
	c.Check(chg, check.Equals, Tally{Methylated: 13, Total: 16, Cytosines: 3})
	chh, _ := gs.Tally("CHH")
	c.Check(chh, check.Equals, Tally{Methylated: 19, Total: 35, Cytosines: 6})
	c.Check(gs.Records, check.Equals, 6)
	c.Check(gs.Unclassified, check.Equals, Tally{})
}

func (s *aggregateSuite) TestScenarioStandard(c *check.C) {
	gs, err := GenomeWide(s.scenario(c), AggregateOptions{})
	c.Assert(err, check.IsNil)
	c.Check(gs.Labels, check.DeepEquals, []string{"CG", "CHG", "CHH"})
	var buf bytes.Buffer
	c.Assert(WriteGenomeWideCSV(&buf, "sample.wmm", gs), check.IsNil)
	c.Check(buf.String(), check.Equals, `sample.wmm,CG,0.72222,18,2
sample.wmm,CHG,0.625,8,2
sample.wmm,CHH,0.11111,9,2
`)
	_, ok := gs.Tally("CHA")
	c.Check(ok, check.Equals, false)
}

func (s *aggregateSuite) TestChunkSizeInvariance(c *check.C) {
	cols := randomColumns(c, 1000, 3, 10)
	chroms := []string{"Chr1", "Chr2", "Chr3"}
	mr, err := NewMemReport(chroms, 100, cols)
	c.Assert(err, check.IsNil)
	want, err := GenomeWide(mr, AggregateOptions{})
	c.Assert(err, check.IsNil)
	for _, chunkSize := range []int{1, 100, 137, 999, 1000, 5000} {
		got, err := GenomeWide(mr, AggregateOptions{ChunkSize: chunkSize})
		c.Assert(err, check.IsNil)
		c.Check(got, check.DeepEquals, want, check.Commentf("chunk size %d", chunkSize))
	}

	// streaming from a file stored in 100-record chunks
	fnm := c.MkDir() + "/chunks.wmm.gz"
	writeTestReport(c, fnm, chroms, 100, cols)
	for _, chunkSize := range []int{0, 137} {
		rf, err := OpenReport(fnm)
		c.Assert(err, check.IsNil)
		got, err := GenomeWide(rf, AggregateOptions{ChunkSize: chunkSize})
		c.Check(err, check.IsNil)
		c.Check(got, check.DeepEquals, want, check.Commentf("chunk size %d", chunkSize))
		rf.Close()
	}
}

func (s *aggregateSuite) TestConservation(c *check.C) {
	cols := randomColumns(c, 2000, 2, 11)
	mr, err := NewMemReport([]string{"Chr1", "Chr2"}, 0, cols)
	c.Assert(err, check.IsNil)
	gs, err := GenomeWide(mr, AggregateOptions{ChunkSize: 333})
	c.Assert(err, check.IsNil)
	c.Check(gs.Unclassified.Cytosines > 0, check.Equals, true)
	sum := gs.Unclassified
	for _, t := range gs.Tallies {
		sum = sum.Plus(t)
	}
	var methylated, total uint64
	for i := range cols.Total {
		methylated += uint64(cols.Methylated[i])
		total += uint64(cols.Total[i])
	}
	c.Check(sum, check.Equals, Tally{Methylated: methylated, Total: total, Cytosines: 2000})
	c.Check(gs.Records, check.Equals, 2000)
	c.Check(gs.Excluded, check.Equals, 0)
}

func (s *aggregateSuite) TestChromosomeFilter(c *check.C) {
	cols := randomColumns(c, 100, 2, 12)
	mr, err := NewMemReport([]string{"Chr1", "Chr2"}, 0, cols)
	c.Assert(err, check.IsNil)
	gs, err := GenomeWide(mr, AggregateOptions{Chromosomes: []string{"Chr2", "ChrM"}})
	c.Assert(err, check.IsNil)
	c.Check(gs.Records, check.Equals, 50)
	c.Check(gs.Excluded, check.Equals, 50)
}

func (s *aggregateSuite) TestEmpty(c *check.C) {
	mr, err := NewMemReport([]string{"Chr1"}, 0, nil)
	c.Assert(err, check.IsNil)
	gs, err := GenomeWide(mr, AggregateOptions{Downsample: 0.5})
	c.Assert(err, check.IsNil)
	for _, t := range gs.Tallies {
		c.Check(math.IsNaN(t.Mean()), check.Equals, true)
		c.Check(t.MeanOrZero(), check.Equals, 0.0)
	}
	var buf bytes.Buffer
	c.Assert(WriteGenomeWideCSV(&buf, "empty.wmm", gs), check.IsNil)
	c.Check(buf.String(), check.Equals, "empty.wmm,CG,NaN,0,0\nempty.wmm,CHG,NaN,0,0\nempty.wmm,CHH,NaN,0,0\n")
}

func (s *aggregateSuite) TestBadOptions(c *check.C) {
	mr := s.scenario(c)
	for _, p := range []float64{-0.1, 1.5, math.NaN()} {
		_, err := GenomeWide(mr, AggregateOptions{Downsample: p})
		c.Check(err, check.FitsTypeOf, &ConfigurationError{}, check.Commentf("p=%v", p))
	}
	_, err := GenomeWide(mr, AggregateOptions{ChunkSize: -1})
	c.Check(err, check.FitsTypeOf, &ConfigurationError{})
}

func (s *aggregateSuite) TestDownsampleOne(c *check.C) {
	mr, err := NewMemReport([]string{"Chr1", "Chr2"}, 0, randomColumns(c, 500, 2, 13))
	c.Assert(err, check.IsNil)
	want, err := GenomeWide(mr, AggregateOptions{})
	c.Assert(err, check.IsNil)
	got, err := GenomeWide(mr, AggregateOptions{Downsample: 1})
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, want)
}

func (s *aggregateSuite) TestDownsampleReproducible(c *check.C) {
	mr, err := NewMemReport([]string{"Chr1"}, 0, randomColumns(c, 500, 1, 14))
	c.Assert(err, check.IsNil)
	full, err := GenomeWide(mr, AggregateOptions{})
	c.Assert(err, check.IsNil)
	run := func(seed uint64) *GenomeSummary {
		gs, err := GenomeWide(mr, AggregateOptions{Downsample: 0.5, ChunkSize: 77, Rand: rand.NewSource(seed)})
		c.Assert(err, check.IsNil)
		return gs
	}
	a, b := run(42), run(42)
	c.Check(a, check.DeepEquals, b)
	c.Check(run(43), check.Not(check.DeepEquals), a)
	for i, t := range a.Tallies {
		c.Check(t.Cytosines, check.Equals, full.Tallies[i].Cytosines)
		c.Check(t.Total <= full.Tallies[i].Total, check.Equals, true)
		c.Check(t.Methylated <= full.Tallies[i].Methylated, check.Equals, true)
	}
}

func (s *aggregateSuite) TestDownsampler(c *check.C) {
	ds, err := newDownsampler(0, nil)
	c.Check(err, check.IsNil)
	c.Check(ds, check.IsNil)

	ds, err = newDownsampler(0.5, rand.NewSource(1))
	c.Assert(err, check.IsNil)
	methylated := make([]uint32, 100)
	total := make([]uint32, 100)
	for i := range total {
		methylated[i] = uint32(i * 50)
		total[i] = 10000
	}
	orig := append([]uint32(nil), methylated...)
	newMeth, newTotal := ds.apply(methylated, total)
	c.Check(methylated, check.DeepEquals, orig)
	var sumMeth, sumTotal uint64
	for i := range total {
		c.Check(newMeth[i] <= methylated[i], check.Equals, true)
		c.Check(newTotal[i]-newMeth[i] <= total[i]-methylated[i], check.Equals, true)
		sumMeth += uint64(newMeth[i])
		sumTotal += uint64(newTotal[i])
	}
	c.Check(float64(sumTotal)/1e6 > 0.49 && float64(sumTotal)/1e6 < 0.51, check.Equals, true, check.Commentf("sumTotal %d", sumTotal))
	// methylated fraction is preserved in expectation
	c.Check(math.Abs(float64(sumMeth)/float64(sumTotal)-0.2475) < 0.01, check.Equals, true, check.Commentf("%d/%d", sumMeth, sumTotal))
	c.Check(ds.draw(0), check.Equals, uint32(0))
}

func (s *aggregateSuite) TestDefaultChunkSize(c *check.C) {
	// ChunkSize 0 follows the report's own chunk size
	mr, err := NewMemReport([]string{"Chr1", "Chr2"}, 7, randomColumns(c, 100, 2, 15))
	c.Assert(err, check.IsNil)
	want, err := GenomeWide(mr, AggregateOptions{ChunkSize: 7})
	c.Assert(err, check.IsNil)
	got, err := GenomeWide(mr, AggregateOptions{})
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, want)
	_, err = GenomeWide(mr, AggregateOptions{ChunkSize: -7})
	c.Check(err, check.FitsTypeOf, &ConfigurationError{})
}

func (s *aggregateSuite) TestNoLabels(c *check.C) {
	cp, err := ParseContextPatterns("")
	c.Assert(err, check.IsNil)
	gs, err := GenomeWide(s.scenario(c), AggregateOptions{Patterns: cp})
	c.Assert(err, check.IsNil)
	c.Check(gs.Tallies, check.HasLen, 0)
	c.Check(gs.Unclassified, check.Equals, Tally{Methylated: 19, Total: 35, Cytosines: 6})
	var buf bytes.Buffer
	c.Assert(WriteGenomeWideCSV(&buf, "sample.wmm", gs), check.IsNil)
	c.Check(buf.Len(), check.Equals, 0)
}

func (s *aggregateSuite) TestGenomeWideCSVQuoting(c *check.C) {
	gs, err := GenomeWide(s.scenario(c), AggregateOptions{})
	c.Assert(err, check.IsNil)
	var buf bytes.Buffer
	c.Assert(WriteGenomeWideCSV(&buf, `odd,"name".wmm`, gs), check.IsNil)
	c.Check(strings.SplitN(buf.String(), "\n", 2)[0], check.Equals, `"odd,""name"".wmm",CG,0.72222,18,2`)
}
