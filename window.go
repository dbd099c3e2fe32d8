// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bufio"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// DefaultWindowChromosomes are the nuclear chromosomes of the
// Arabidopsis reference. Organelles (ChrC, ChrM) are only windowed
// when requested explicitly.
var DefaultWindowChromosomes = []string{"Chr1", "Chr2", "Chr3", "Chr4", "Chr5"}

// WindowRow is the tally for one context label in one window
// [Start, End) of one chromosome.
type WindowRow struct {
	Chromosome string
	Start      int64
	End        int64
	Label      string
	Tally
}

// ID returns a window label like "Chr1_0_10000".
func (row WindowRow) ID() string {
	return fmt.Sprintf("%s_%d_%d", row.Chromosome, row.Start, row.End)
}

// Windows tiles each requested chromosome with windows of
// windowSize bp, starting at 0 and ending with the window that
// contains the chromosome's last observed position, and returns one
// row per (chromosome, window, label). Rows are ordered by
// chromosome (in the order requested), window start, and label.
//
// Windows without reads have a zero Tally; use MeanOrZero when
// reporting them.
func Windows(report Report, windowSize int64, opts AggregateOptions) ([]WindowRow, error) {
	if windowSize <= 0 {
		return nil, configErrorf("window size", "%d is not positive", windowSize)
	}
	cp := opts.patterns()
	ds, err := newDownsampler(opts.Downsample, opts.Rand)
	if err != nil {
		return nil, err
	}
	if cp.Len() == 0 {
		log.Warn("no context labels, no windows written")
		return nil, nil
	}
	want := opts.Chromosomes
	if want == nil {
		want = DefaultWindowChromosomes
	}
	chroms := report.Chromosomes()
	include := chromosomeFilter(chroms, want)

	cols, err := report.Columns(0, report.Len())
	if err != nil {
		return nil, err
	}
	methylated, total := cols.Methylated, cols.Total
	if ds != nil {
		methylated, total = ds.apply(methylated, total)
	}

	maxPos := make([]int64, len(chroms))
	seen := make([]bool, len(chroms))
	for i, c := range cols.Chromosome {
		if include[c] {
			seen[c] = true
			if maxPos[c] < cols.Position[i] {
				maxPos[c] = cols.Position[i]
			}
		}
	}

	// tallies[c][w*nlabels+label]
	nlabels := cp.Len()
	tallies := make([][]Tally, len(chroms))
	for c := range chroms {
		if seen[c] {
			tallies[c] = make([]Tally, int(maxPos[c]/windowSize+1)*nlabels)
		}
	}
	unclassified := 0
	for i, cc := range cols.Context {
		c := cols.Chromosome[i]
		if !include[c] {
			continue
		}
		labels := cp.Lookup(cc)
		if len(labels) == 0 {
			unclassified++
			continue
		}
		w := int(cols.Position[i] / windowSize)
		for _, li := range labels {
			tallies[c][w*nlabels+li].add(methylated[i], total[i])
		}
	}
	if unclassified > 0 {
		log.WithField("cytosines", unclassified).Info("cytosines with a context matching no label were excluded")
	}

	chromIdx := map[string]int{}
	for i, name := range chroms {
		chromIdx[name] = i
	}
	labels := cp.Labels()
	var rows []WindowRow
	for _, name := range want {
		c, ok := chromIdx[name]
		if !ok {
			continue
		} else if !seen[c] {
			log.WithField("chromosome", name).Warn("no cytosines on chromosome, no windows written")
			continue
		}
		nwindows := len(tallies[c]) / nlabels
		for w := 0; w < nwindows; w++ {
			for li, label := range labels {
				rows = append(rows, WindowRow{
					Chromosome: name,
					Start:      int64(w) * windowSize,
					End:        int64(w+1) * windowSize,
					Label:      label,
					Tally:      tallies[c][w*nlabels+li],
				})
			}
		}
	}
	return rows, nil
}

// WriteWindowsCSV writes rows as "pos,context,mean_meth,nreads,nC"
// with a header line.
func WriteWindowsCSV(w io.Writer, rows []WindowRow) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"pos", "context", "mean_meth", "nreads", "nC"})
	for _, row := range rows {
		cw.Write([]string{row.ID(), row.Label, formatMean(row.MeanOrZero()), strconv.FormatUint(row.Total, 10), strconv.Itoa(row.Cytosines)})
	}
	cw.Flush()
	return cw.Error()
}

// WriteWindowsNumpy writes a float64 matrix with one row per window
// and one column per label (mean methylation, 0 if no reads).
func WriteWindowsNumpy(w io.Writer, rows []WindowRow, nlabels int) error {
	if nlabels <= 0 || len(rows)%nlabels != 0 {
		return fmt.Errorf("%d rows cannot be arranged in %d columns", len(rows), nlabels)
	}
	data := make([]float64, len(rows))
	for i, row := range rows {
		data[i] = row.MeanOrZero()
	}
	npw, err := gonpy.NewWriter(nopCloser{w})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(rows) / nlabels, nlabels}
	return npw.WriteFloat64(data)
}

type windowsCmd struct{}

func (cmd *windowsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "", "output csv `file`")
	numpyFilename := flags.String("output-numpy", "", "also write mean methylation matrix (windows x contexts) to numpy `file`")
	windowSize := flags.Int64("window-size", 0, "window width in `bp`")
	contexts := flags.String("contexts", "standard", "context `patterns`: preset name or LABEL=CODE,CODE;LABEL=...")
	downsample := flags.Float64("downsample", 0, "keep `fraction` of reads, in (0,1] (0 for no downsampling)")
	seed := flags.Uint64("seed", 0, "random `seed` for downsampling (0 for random)")
	chromosomes := flags.String("chromosomes", "", "comma-separated chromosome `names` (default Chr1..Chr5)")
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
		Downsample:  *downsample,
		Chromosomes: splitList(*chromosomes),
		Rand:        randSource(*seed),
	}
	opts.Patterns, err = ParseContextPatterns(*contexts)
	if err != nil {
		return 2
	}
	if *windowSize <= 0 {
		err = configErrorf("window size", "%d is not positive", *windowSize)
		return 2
	}
	if *downsample != 0 {
		if err = checkDownsample(*downsample); err != nil {
			return 2
		}
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "wmm windows",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16 << 30,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"windows", "-local=true",
			"-loglevel=" + *loglevel,
			"-i", *inputFilename,
			"-o", "/mnt/output/" + filepath.Base(*outputFilename),
			fmt.Sprintf("-window-size=%d", *windowSize),
			"-contexts=" + opts.Patterns.String(),
			fmt.Sprintf("-downsample=%v", *downsample),
			fmt.Sprintf("-seed=%d", *seed),
			"-chromosomes=" + *chromosomes,
		}
		if *numpyFilename != "" {
			runner.Args = append(runner.Args, "-output-numpy=/mnt/output/"+filepath.Base(*numpyFilename))
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	report, err := LoadReport(*inputFilename)
	if err != nil {
		return 1
	}
	log.Infof("%s: %d records, %d chromosomes", *inputFilename, report.Len(), len(report.Chromosomes()))
	rows, err := Windows(report, *windowSize, opts)
	if err != nil {
		return 1
	}
	err = writeFile(*outputFilename, func(w io.Writer) error { return WriteWindowsCSV(w, rows) })
	if err != nil {
		return 1
	}
	if *numpyFilename != "" && opts.Patterns.Len() == 0 {
		log.Warnf("no context labels, not writing %s", *numpyFilename)
	} else if *numpyFilename != "" {
		err = writeFile(*numpyFilename, func(w io.Writer) error { return WriteWindowsNumpy(w, rows, opts.Patterns.Len()) })
		if err != nil {
			return 1
		}
	}
	log.Infof("wrote %d rows to %s", len(rows), *outputFilename)
	return 0
}

// writeFile creates fnm (or writes to stdout if fnm is "-") and
// calls fn with a buffered writer.
func writeFile(fnm string, fn func(io.Writer) error) error {
	var output io.WriteCloser
	if fnm == "-" {
		output = nopCloser{os.Stdout}
	} else {
		f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
		output = f
	}
	bufw := bufio.NewWriter(output)
	err := fn(bufw)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = output.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}
