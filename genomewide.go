// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// formatMean rounds to 5 decimal places and writes NaN as "NaN".
func formatMean(x float64) string {
	if math.IsNaN(x) {
		return "NaN"
	}
	return strconv.FormatFloat(math.Round(x*1e5)/1e5, 'f', -1, 64)
}

// sampleName returns the file name without directory and report
// extension, e.g. "/data/sample_1.rep2.wmm.gz" => "sample_1.rep2".
// Names without a report extension are returned unchanged apart from
// the directory.
func sampleName(fnm string) string {
	base := filepath.Base(fnm)
	for _, ext := range []string{ReportExtension + ".gz", ReportExtension} {
		if strings.HasSuffix(base, ext) && len(base) > len(ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

// WriteGenomeWideCSV writes one headerless row per context label:
// filename,context,mean_meth,nreads,nC.
func WriteGenomeWideCSV(w io.Writer, filename string, gs *GenomeSummary) error {
	cw := csv.NewWriter(w)
	for i, label := range gs.Labels {
		t := gs.Tallies[i]
		cw.Write([]string{filename, label, formatMean(t.Mean()), strconv.FormatUint(t.Total, 10), strconv.Itoa(t.Cytosines)})
	}
	cw.Flush()
	return cw.Error()
}

type genomeWideCmd struct{}

func (cmd *genomeWideCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "", "input report `file` (.wmm or .wmm.gz)")
	outputDir := flags.String("o", "", "output `directory`")
	chunkSize := flags.Int("chunk-size", 0, "records per chunk (default: chunk size recorded in input file)")
	contexts := flags.String("contexts", "standard", "context `patterns`: preset name or LABEL=CODE,CODE;LABEL=...")
	downsample := flags.Float64("downsample", 0, "keep `fraction` of reads, in (0,1] (0 for no downsampling)")
	seed := flags.Uint64("seed", 0, "random `seed` for downsampling (0 for random)")
	chromosomes := flags.String("chromosomes", "", "comma-separated chromosome `names` to include (default all)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" || *outputDir == "" {
		err = errors.New("-i and -o are required")
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
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

	opts := AggregateOptions{
		ChunkSize:   *chunkSize,
		Downsample:  *downsample,
		Chromosomes: splitList(*chromosomes),
		Rand:        randSource(*seed),
	}
	if err = checkChunkSizeFlag(flags, "chunk-size", *chunkSize); err != nil {
		return 2
	}
	if *downsample != 0 {
		if err = checkDownsample(*downsample); err != nil {
			return 2
		}
	}
	opts.Patterns, err = ParseContextPatterns(*contexts)
	if err != nil {
		return 2
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "wmm genomewide",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4 << 30,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"genomewide", "-local=true",
			"-loglevel=" + *loglevel,
			"-i", *inputFilename,
			"-o", "/mnt/output",
			"-contexts=" + opts.Patterns.String(),
			fmt.Sprintf("-downsample=%v", *downsample),
			fmt.Sprintf("-seed=%d", *seed),
			"-chromosomes=" + *chromosomes,
		}
		if *chunkSize != 0 {
			runner.Args = append(runner.Args, fmt.Sprintf("-chunk-size=%d", *chunkSize))
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	if fi, e := os.Stat(*outputDir); e != nil {
		err = e
		return 1
	} else if !fi.IsDir() {
		err = fmt.Errorf("%s: not a directory", *outputDir)
		return 1
	}

	report, err := OpenReport(*inputFilename)
	if err != nil {
		return 1
	}
	defer report.Close()
	gs, err := GenomeWide(report, opts)
	if err != nil {
		return 1
	}
	err = report.Close()
	if err != nil {
		return 1
	}
	outfnm := filepath.Join(*outputDir, "genomewide_"+sampleName(*inputFilename)+".csv")
	err = writeFile(outfnm, func(w io.Writer) error {
		return WriteGenomeWideCSV(w, filepath.Base(*inputFilename), gs)
	})
	if err != nil {
		return 1
	}
	log.WithFields(log.Fields{
		"records":      gs.Records,
		"unclassified": gs.Unclassified.Cytosines,
	}).Infof("wrote %s", outfnm)
	return 0
}
