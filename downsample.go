// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// downsampler thins reads: methylated and unmethylated reads at each
// cytosine are independently resampled from Binomial(n, p).
type downsampler struct {
	p   float64
	src rand.Source
}

func checkDownsample(p float64) error {
	if !(p > 0 && p <= 1) {
		return configErrorf("downsample", "%v is not in (0,1]", p)
	}
	return nil
}

// newDownsampler returns nil if p is 0 (no downsampling). If src is
// nil, a source is seeded from the global generator.
func newDownsampler(p float64, src rand.Source) (*downsampler, error) {
	if p == 0 {
		return nil, nil
	}
	if err := checkDownsample(p); err != nil {
		return nil, err
	}
	if src == nil {
		src = rand.NewSource(rand.Uint64())
	}
	return &downsampler{p: p, src: src}, nil
}

// apply returns new methylated/total columns; the inputs are not
// modified.
func (ds *downsampler) apply(methylated, total []uint32) ([]uint32, []uint32) {
	newMeth := make([]uint32, len(methylated))
	newTotal := make([]uint32, len(total))
	if ds.p == 1 {
		copy(newMeth, methylated)
		copy(newTotal, total)
		return newMeth, newTotal
	}
	for i := range methylated {
		m := ds.draw(methylated[i])
		u := ds.draw(total[i] - methylated[i])
		newMeth[i] = m
		newTotal[i] = m + u
	}
	return newMeth, newTotal
}

func (ds *downsampler) draw(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return uint32(distuv.Binomial{N: float64(n), P: ds.p, Src: ds.src}.Rand())
}
