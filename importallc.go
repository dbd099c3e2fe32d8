// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// allcRecord is one line of a methylpy allc file:
// chr pos strand context mc_reads total_reads [methylated ...]
type allcRecord struct {
	chrom      string
	pos        int64
	context    ContextCode
	methylated uint32
	total      uint32
}

func parseAllcLine(line []byte) (allcRecord, error) {
	var rec allcRecord
	fields := bytes.Split(line, []byte{'\t'})
	if len(fields) < 6 {
		return rec, fmt.Errorf("%d fields, expected at least 6", len(fields))
	}
	rec.chrom = string(fields[0])
	pos, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil || pos < 0 {
		return rec, fmt.Errorf("bad position %q", fields[1])
	}
	rec.pos = pos
	if len(fields[3]) < 3 {
		return rec, fmt.Errorf("context %q is shorter than 3 bases", fields[3])
	}
	copy(rec.context[:], bytes.ToUpper(fields[3][:3]))
	mc, err := strconv.ParseUint(string(fields[4]), 10, 32)
	if err != nil {
		return rec, fmt.Errorf("bad methylated read count %q", fields[4])
	}
	total, err := strconv.ParseUint(string(fields[5]), 10, 32)
	if err != nil {
		return rec, fmt.Errorf("bad total read count %q", fields[5])
	}
	if mc > total {
		return rec, fmt.Errorf("methylated reads %d > total reads %d", mc, total)
	}
	rec.methylated, rec.total = uint32(mc), uint32(total)
	return rec, nil
}

// scanAllc calls fn for each record in an allc file, checking that
// positions do not decrease within a chromosome.
func scanAllc(fnm string, fn func(allcRecord) error) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(bufio.NewReaderSize(f, 1<<22))
	scanner.Buffer(nil, 1<<20)
	lastPos := map[string]int64{}
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		rec, err := parseAllcLine(line)
		if err != nil {
			return inputErrorf(fnm, "line %d: %s", lineno, err)
		}
		if last, ok := lastPos[rec.chrom]; ok && rec.pos < last {
			return inputErrorf(fnm, "line %d: position %d on %s follows position %d", lineno, rec.pos, rec.chrom, last)
		}
		lastPos[rec.chrom] = rec.pos
		if err = fn(rec); err != nil {
			return err
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return f.Close()
}

// ImportAllc converts a methylpy allc file (optionally gzipped) to a
// report file. The input is read twice: once to count records and
// collect chromosome names, once to write them.
func ImportAllc(infnm, outfnm string, chunkSize int) error {
	if chunkSize < 0 {
		return configErrorf("chunk size", "%d is not positive", chunkSize)
	}
	header := ReportHeader{ChunkSize: chunkSize}
	chromIdx := map[string]uint16{}
	err := scanAllc(infnm, func(rec allcRecord) error {
		header.Records++
		if _, ok := chromIdx[rec.chrom]; !ok {
			if len(header.Chromosomes) >= maxReportChromosomes {
				return inputErrorf(infnm, "more than %d chromosomes", maxReportChromosomes)
			}
			chromIdx[rec.chrom] = uint16(len(header.Chromosomes))
			header.Chromosomes = append(header.Chromosomes, rec.chrom)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"records":     header.Records,
		"chromosomes": len(header.Chromosomes),
	}).Infof("%s: scanned", infnm)

	rw, err := CreateReport(outfnm, header)
	if err != nil {
		return err
	}
	defer rw.Close()
	batch := &Columns{}
	err = scanAllc(infnm, func(rec allcRecord) error {
		batch.Append(chromIdx[rec.chrom], rec.pos, rec.context, rec.methylated, rec.total)
		if batch.Len() >= 1<<16 {
			if err := rw.Write(batch); err != nil {
				return err
			}
			batch = &Columns{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err = rw.Write(batch); err != nil {
		return err
	}
	return rw.Close()
}

type importAllcCmd struct{}

func (cmd *importAllcCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", true, "run on local host (if false, run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "", "input allc `file` (tsv, optionally gzipped)")
	outputFilename := flags.String("o", "", "output report `file` (.wmm or .wmm.gz)")
	chunkSize := flags.Int("chunk-size", DefaultChunkSize, "records per stored chunk")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" || *outputFilename == "" {
		err = errors.New("-i and -o are required")
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	} else if *chunkSize <= 0 {
		err = configErrorf("chunk size", "%d is not positive", *chunkSize)
		return 2
	} else if !HasReportExtension(*outputFilename) {
		err = configErrorf("output", "filename %q does not end in %s or %s.gz", *outputFilename, ReportExtension, ReportExtension)
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "wmm import-allc",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         2 << 30,
			VCPUs:       2,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"import-allc", "-local=true",
			"-loglevel=" + *loglevel,
			"-i", *inputFilename,
			"-o", "/mnt/output/" + filepath.Base(*outputFilename),
			fmt.Sprintf("-chunk-size=%d", *chunkSize),
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/"+filepath.Base(*outputFilename))
		return 0
	}

	err = ImportAllc(*inputFilename, *outputFilename, *chunkSize)
	if err != nil {
		return 1
	}
	log.Infof("wrote %s", *outputFilename)
	return 0
}
