// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically replaces outdir/mem.prof and
// outdir/cpu.prof once a minute.
func writeProfilesPeriodically(outdir string) {
	for range time.NewTicker(time.Minute).C {
		writeProfile(outdir, "mem.prof", pprof.WriteHeapProfile)
		writeProfile(outdir, "cpu.prof", func(w io.Writer) error {
			if err := pprof.StartCPUProfile(w); err != nil {
				return err
			}
			time.Sleep(time.Second)
			pprof.StopCPUProfile()
			return nil
		})
	}
}

// writeProfile writes to a temp file and renames it into place so
// readers never see a partial profile.
func writeProfile(outdir, name string, write func(io.Writer) error) {
	tmp := filepath.Join(outdir, name+"~")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	err = write(f)
	if err == nil {
		err = f.Close()
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(outdir, name))
	}
	if err != nil {
		log.WithField("profile", name).Print(err)
	}
}
