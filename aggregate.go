// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"math"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

// Tally accumulates read counts over a set of cytosines.
type Tally struct {
	Methylated uint64
	Total      uint64
	Cytosines  int
}

func (t *Tally) add(methylated, total uint32) {
	t.Methylated += uint64(methylated)
	t.Total += uint64(total)
	t.Cytosines++
}

// Plus returns the sum of two tallies.
func (t Tally) Plus(o Tally) Tally {
	return Tally{
		Methylated: t.Methylated + o.Methylated,
		Total:      t.Total + o.Total,
		Cytosines:  t.Cytosines + o.Cytosines,
	}
}

// Mean returns the weighted mean methylation (methylated reads /
// total reads), or NaN if there are no reads.
func (t Tally) Mean() float64 {
	if t.Total == 0 {
		return math.NaN()
	}
	return float64(t.Methylated) / float64(t.Total)
}

// MeanOrZero is like Mean, but returns 0 if there are no reads.
func (t Tally) MeanOrZero() float64 {
	if t.Total == 0 {
		return 0
	}
	return t.Mean()
}

// AggregateOptions control genome-wide and windowed aggregation.
type AggregateOptions struct {
	// Context labels; nil means DefaultContextPatterns().
	Patterns *ContextPatterns
	// Records per chunk. The zero value selects the report's
	// recommended chunk size; negative values are rejected with a
	// ConfigurationError. Commands reject an explicit 0 before
	// getting here (see checkChunkSizeFlag). Ignored by windowed
	// aggregation.
	ChunkSize int
	// Fraction of reads to keep, in (0,1]. 0 means no
	// downsampling.
	Downsample float64
	// Random source for downsampling. Nil means a randomly seeded
	// source; pass a seeded source for reproducible results.
	Rand rand.Source
	// Chromosomes to include. Nil means all chromosomes for
	// genome-wide aggregation and DefaultWindowChromosomes for
	// windowed aggregation.
	Chromosomes []string
}

func (opts AggregateOptions) patterns() *ContextPatterns {
	if opts.Patterns == nil {
		return DefaultContextPatterns()
	}
	return opts.Patterns
}

// GenomeSummary holds genome-wide tallies for each context label.
type GenomeSummary struct {
	Labels  []string
	Tallies []Tally
	// Records whose context matched no label.
	Unclassified Tally
	// Records considered, i.e., on an included chromosome.
	Records int
	// Records excluded by the chromosome filter.
	Excluded int
}

// Tally returns the tally for the given label.
func (gs *GenomeSummary) Tally(label string) (Tally, bool) {
	for i, l := range gs.Labels {
		if l == label {
			return gs.Tallies[i], true
		}
	}
	return Tally{}, false
}

// chromosomeFilter returns include[i] == true for each report
// chromosome i named in want. A nil want includes everything.
func chromosomeFilter(have, want []string) []bool {
	include := make([]bool, len(have))
	if want == nil {
		for i := range include {
			include[i] = true
		}
		return include
	}
	idx := map[string]int{}
	for i, name := range have {
		idx[name] = i
	}
	for _, name := range want {
		if i, ok := idx[name]; ok {
			include[i] = true
		} else {
			log.WithField("chromosome", name).Warn("requested chromosome not present in report")
		}
	}
	return include
}

// GenomeWide streams report in consecutive chunks of
// opts.ChunkSize records and returns per-label tallies. Chunks are
// requested in ascending order, so report may be a ReportFile.
func GenomeWide(report Report, opts AggregateOptions) (*GenomeSummary, error) {
	cp := opts.patterns()
	chunkSize := opts.ChunkSize
	if chunkSize < 0 {
		return nil, configErrorf("chunk size", "%d is not positive", chunkSize)
	} else if chunkSize == 0 {
		chunkSize = report.ChunkSize()
		if chunkSize <= 0 {
			chunkSize = DefaultChunkSize
		}
	}
	ds, err := newDownsampler(opts.Downsample, opts.Rand)
	if err != nil {
		return nil, err
	}
	include := chromosomeFilter(report.Chromosomes(), opts.Chromosomes)

	gs := &GenomeSummary{
		Labels:  cp.Labels(),
		Tallies: make([]Tally, cp.Len()),
	}
	n := report.Len()
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		cols, err := report.Columns(start, end)
		if err != nil {
			return nil, err
		}
		methylated, total := cols.Methylated, cols.Total
		if ds != nil {
			methylated, total = ds.apply(methylated, total)
		}
		for i, cc := range cols.Context {
			if !include[cols.Chromosome[i]] {
				gs.Excluded++
				continue
			}
			gs.Records++
			labels := cp.Lookup(cc)
			if len(labels) == 0 {
				gs.Unclassified.add(methylated[i], total[i])
				continue
			}
			for _, li := range labels {
				gs.Tallies[li].add(methylated[i], total[i])
			}
		}
		log.Debugf("chunk [%d,%d) done", start, end)
	}
	if gs.Unclassified.Cytosines > 0 {
		log.WithFields(log.Fields{
			"cytosines": gs.Unclassified.Cytosines,
			"reads":     gs.Unclassified.Total,
		}).Info("cytosines with a context matching no label were excluded")
	}
	return gs, nil
}
