// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
)

type chromosomeStats struct {
	records    int
	minPos     int64
	maxPos     int64
	methylated uint64
	total      uint64
}

// dumpReport writes a human-readable summary of a report: header
// fields, per-chromosome record counts and coordinate ranges, and
// the number of records with each context code.
func dumpReport(report Report, w io.Writer) error {
	chroms := report.Chromosomes()
	fmt.Fprintf(w, "records %d, chunk size %d, chromosomes %d\n", report.Len(), report.ChunkSize(), len(chroms))
	stats := make([]chromosomeStats, len(chroms))
	codes := map[ContextCode]int{}
	for start := 0; start < report.Len(); start += report.ChunkSize() {
		end := start + report.ChunkSize()
		if end > report.Len() {
			end = report.Len()
		}
		cols, err := report.Columns(start, end)
		if err != nil {
			return err
		}
		for i, c := range cols.Chromosome {
			st := &stats[c]
			pos := cols.Position[i]
			if st.records == 0 || pos < st.minPos {
				st.minPos = pos
			}
			if pos > st.maxPos {
				st.maxPos = pos
			}
			st.records++
			st.methylated += uint64(cols.Methylated[i])
			st.total += uint64(cols.Total[i])
			codes[cols.Context[i]]++
		}
	}
	for i, name := range chroms {
		st := stats[i]
		mean := Tally{Methylated: st.methylated, Total: st.total}.Mean()
		fmt.Fprintf(w, "chromosome %s: records %d, positions %d-%d, reads %d, mean methylation %s\n", name, st.records, st.minPos, st.maxPos, st.total, formatMean(mean))
	}
	var sorted []ContextCode
	for cc := range codes {
		sorted = append(sorted, cc)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	for _, cc := range sorted {
		_, err := fmt.Fprintf(w, "context %s: records %d\n", cc, codes[cc])
		if err != nil {
			return err
		}
	}
	return nil
}

type dumpCmd struct{}

func (cmd *dumpCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input report `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" {
		err = errors.New("-i is required")
		return 2
	}

	report, err := OpenReport(*inputFilename)
	if err != nil {
		return 1
	}
	defer report.Close()

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	fmt.Fprintf(bufw, "file %s, format version %d\n", report.Name(), report.Header().Version)
	err = dumpReport(report, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	log.Debugf("dumped %s", *inputFilename)
	return 0
}
