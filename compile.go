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
	"runtime"
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// Per-file error policies for Compile.
const (
	// Log and record the failure, continue with the next file.
	OnErrorSkip = "skip"
	// Stop at the first failure; write nothing.
	OnErrorFail = "fail"
)

const (
	sampleOK      = "ok"
	sampleSkipped = "skipped"
	// The file is not a valid report (InputFormatError).
	sampleInvalid = "invalid"
	// The file could not be read, e.g., permission denied.
	sampleFailed = "failed"
)

type CompileOptions struct {
	AggregateOptions
	// OnErrorSkip (default) or OnErrorFail.
	OnError string
	// Files processed concurrently. Default 1.
	Threads int
	// Base seed for downsampling. File i (in sorted order) uses
	// seed Seed+i. 0 means random.
	Seed uint64
}

// SampleResult is the outcome for one directory entry.
type SampleResult struct {
	Sample  string
	File    string
	Status  string
	Err     error
	Summary *GenomeSummary
}

// Compile computes genome-wide tallies for each report file in
// inputDir, in filename order. Entries without a report extension
// are skipped. A file that is not a valid report is recorded as
// invalid, and one that cannot be read at all as failed; either
// aborts the whole batch if opts.OnError is OnErrorFail.
func Compile(inputDir string, opts CompileOptions) ([]SampleResult, error) {
	switch opts.OnError {
	case "":
		opts.OnError = OnErrorSkip
	case OnErrorSkip, OnErrorFail:
	default:
		return nil, configErrorf("on-error", "%q is not %q or %q", opts.OnError, OnErrorSkip, OnErrorFail)
	}
	if opts.ChunkSize < 0 {
		return nil, configErrorf("chunk size", "%d is not positive", opts.ChunkSize)
	}
	if opts.Downsample != 0 {
		if err := checkDownsample(opts.Downsample); err != nil {
			return nil, err
		}
	}
	if opts.Patterns == nil {
		opts.Patterns = DefaultContextPatterns()
	}

	names, err := listDir(inputDir)
	if err != nil {
		return nil, err
	}
	samples := sampleNames(names)
	results := make([]SampleResult, len(names))
	th := throttle{Max: opts.Threads}
	for i, name := range names {
		i, name := i, name
		results[i] = SampleResult{Sample: samples[i], File: name}
		if !HasReportExtension(name) {
			log.WithField("file", name).Warnf("not a %s file, skipping", ReportExtension)
			results[i].Status = sampleSkipped
			continue
		}
		if opts.OnError == OnErrorFail && th.Err() != nil {
			break
		}
		aggopts := opts.AggregateOptions
		if opts.Seed != 0 {
			aggopts.Rand = rand.NewSource(opts.Seed + uint64(i))
		} else {
			aggopts.Rand = nil
		}
		th.Go(func() error {
			log.WithField("file", name).Info("processing")
			gs, err := compileOne(filepath.Join(inputDir, name), aggopts)
			if err != nil {
				results[i].Status = sampleFailed
				if isInputFormatError(err) {
					results[i].Status = sampleInvalid
				}
				results[i].Err = err
				if opts.OnError == OnErrorFail {
					return fmt.Errorf("%s: %w", name, err)
				}
				log.WithField("file", name).WithError(err).Warn("skipping file that could not be processed")
				return nil
			}
			results[i].Status = sampleOK
			results[i].Summary = gs
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	logCompileSummary(opts.Patterns.Labels(), results)
	return results, nil
}

func compileOne(fnm string, opts AggregateOptions) (*GenomeSummary, error) {
	report, err := OpenReport(fnm)
	if err != nil {
		return nil, err
	}
	defer report.Close()
	gs, err := GenomeWide(report, opts)
	if err != nil {
		return nil, err
	}
	return gs, report.Close()
}

// sampleNames returns the sample name for each file. Where two
// report files would share a name (e.g., "s.wmm" and "s.wmm.gz"),
// the full file names are used instead.
func sampleNames(files []string) []string {
	names := make([]string, len(files))
	count := map[string]int{}
	for i, fnm := range files {
		names[i] = sampleName(fnm)
		if HasReportExtension(fnm) {
			count[names[i]]++
		}
	}
	for i, fnm := range files {
		if count[names[i]] > 1 {
			log.WithField("file", fnm).Warnf("sample name %q is not unique, using file name", names[i])
			names[i] = fnm
		}
	}
	return names
}

// listDir returns the sorted names of the entries in dir.
func listDir(dir string) ([]string, error) {
	d, err := open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	fis, err := d.Readdir(-1)
	if err != nil {
		return nil, fmt.Errorf("%s: readdir failed: %w", dir, err)
	}
	var names []string
	for _, fi := range fis {
		if fi.IsDir() {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LabelStats summarizes the genome-wide mean of one context label
// across samples.
type LabelStats struct {
	Label string
	// Samples with at least one read in this context.
	Samples int
	// Mean and standard deviation of the per-sample means. Mean is
	// NaN if Samples is 0; SD is NaN if Samples < 2.
	Mean float64
	SD   float64
}

func crossSampleStats(labels []string, results []SampleResult) []LabelStats {
	var stats []LabelStats
	for li, label := range labels {
		var means []float64
		for _, r := range results {
			if r.Summary == nil {
				continue
			}
			if m := r.Summary.Tallies[li].Mean(); !math.IsNaN(m) {
				means = append(means, m)
			}
		}
		ls := LabelStats{Label: label, Samples: len(means), Mean: math.NaN(), SD: math.NaN()}
		switch len(means) {
		case 0:
		case 1:
			ls.Mean = means[0]
		default:
			ls.Mean, ls.SD = stat.MeanStdDev(means, nil)
		}
		stats = append(stats, ls)
	}
	return stats
}

func logCompileSummary(labels []string, results []SampleResult) {
	count := map[string]int{}
	for _, r := range results {
		count[r.Status]++
	}
	log.WithFields(log.Fields{
		"ok":      count[sampleOK],
		"skipped": count[sampleSkipped],
		"invalid": count[sampleInvalid],
		"failed":  count[sampleFailed],
	}).Info("compile finished")
	for _, ls := range crossSampleStats(labels, results) {
		if ls.Samples < 2 {
			continue
		}
		log.WithFields(log.Fields{
			"context": ls.Label,
			"samples": ls.Samples,
			"mean":    formatMean(ls.Mean),
			"sd":      formatMean(ls.SD),
		}).Info("mean methylation across samples")
	}
}

// WriteCompiled writes genomewide_<label>.csv for each label,
// summary.csv with cross-sample statistics per label, and samples.csv
// listing every file considered, creating outputDir if needed.
func WriteCompiled(outputDir string, labels []string, results []SampleResult) error {
	err := os.MkdirAll(outputDir, 0777)
	if err != nil {
		return err
	}
	for li, label := range labels {
		err = writeFile(filepath.Join(outputDir, "genomewide_"+label+".csv"), func(w io.Writer) error {
			cw := csv.NewWriter(w)
			cw.Write([]string{"sample", "mean_meth", "nreads", "nC"})
			for _, r := range results {
				if r.Summary == nil {
					continue
				}
				t := r.Summary.Tallies[li]
				cw.Write([]string{r.Sample, formatMean(t.Mean()), strconv.FormatUint(t.Total, 10), strconv.Itoa(t.Cytosines)})
			}
			cw.Flush()
			return cw.Error()
		})
		if err != nil {
			return err
		}
	}
	err = writeFile(filepath.Join(outputDir, "summary.csv"), func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Write([]string{"context", "samples", "mean_meth", "sd"})
		for _, ls := range crossSampleStats(labels, results) {
			cw.Write([]string{ls.Label, strconv.Itoa(ls.Samples), formatMean(ls.Mean), formatMean(ls.SD)})
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(outputDir, "samples.csv"), func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Write([]string{"sample", "file", "status", "error"})
		for _, r := range results {
			msg := ""
			if r.Err != nil {
				msg = r.Err.Error()
			}
			cw.Write([]string{r.Sample, r.File, r.Status, msg})
		}
		cw.Flush()
		return cw.Error()
	})
}

type compileCmd struct{}

func (cmd *compileCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofdir := flags.String("pprof-dir", "", "write Go profile data to `directory` periodically")
	runlocal := flags.Bool("local", true, "run on local host (if false, run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	inputDir := flags.String("input-dir", "", "input `directory` of report files")
	outputDir := flags.String("output-dir", "", "output `directory` (created if needed)")
	onError := flags.String("on-error", OnErrorSkip, "what to do when an input file cannot be read: \"skip\" or \"fail\"")
	threads := flags.Int("threads", runtime.NumCPU(), "number of files to process concurrently")
	chunkSize := flags.Int("chunk-size", 0, "records per chunk (default: chunk size recorded in each input file)")
	contexts := flags.String("contexts", "standard", "context `patterns`: preset name or LABEL=CODE,CODE;LABEL=...")
	downsample := flags.Float64("downsample", 0, "keep `fraction` of reads, in (0,1] (0 for no downsampling)")
	seed := flags.Uint64("seed", 0, "base random `seed` for downsampling (0 for random)")
	chromosomes := flags.String("chromosomes", "", "comma-separated chromosome `names` to include (default all)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputDir == "" || *outputDir == "" {
		err = errors.New("-input-dir and -output-dir are required")
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
	if *pprofdir != "" {
		go writeProfilesPeriodically(*pprofdir)
	}

	opts := CompileOptions{
		AggregateOptions: AggregateOptions{
			ChunkSize:   *chunkSize,
			Downsample:  *downsample,
			Chromosomes: splitList(*chromosomes),
		},
		OnError: *onError,
		Threads: *threads,
		Seed:    *seed,
	}
	if err = checkChunkSizeFlag(flags, "chunk-size", *chunkSize); err != nil {
		return 2
	}
	if *downsample != 0 {
		if err = checkDownsample(*downsample); err != nil {
			return 2
		}
	}
	if *onError != OnErrorSkip && *onError != OnErrorFail {
		err = configErrorf("on-error", "%q is not %q or %q", *onError, OnErrorSkip, OnErrorFail)
		return 2
	}
	opts.Patterns, err = ParseContextPatterns(*contexts)
	if err != nil {
		return 2
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "wmm compile",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         int64(*threads) << 31,
			VCPUs:       *threads,
			Priority:    *priority,
			KeepCache:   2,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return 1
		}
		runner.Args = []string{"compile", "-local=true",
			"-loglevel=" + *loglevel,
			"-pprof=:6060",
			"-input-dir", *inputDir,
			"-output-dir", "/mnt/output",
			"-on-error=" + *onError,
			fmt.Sprintf("-threads=%d", *threads),
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

	log.WithFields(log.Fields{
		"input":    *inputDir,
		"contexts": opts.Patterns.String(),
	}).Info("compiling genome-wide methylation")
	results, err := Compile(*inputDir, opts)
	if err != nil {
		return 1
	}
	err = WriteCompiled(*outputDir, opts.Patterns.Labels(), results)
	if err != nil {
		return 1
	}
	log.Infof("wrote results to %s", *outputDir)
	return 0
}
