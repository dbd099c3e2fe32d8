// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import (
	"bytes"
	"sort"
	"strings"
)

// ContextCode is the trinucleotide sequence context of a cytosine,
// e.g. "CGA". The first base is always the cytosine itself.
type ContextCode [3]byte

// ParseContextCode returns the code for s. Lower case bases are
// accepted and stored upper case.
func ParseContextCode(s string) (ContextCode, error) {
	var cc ContextCode
	if len(s) != len(cc) {
		return cc, configErrorf("context code", "%q is not 3 bases long", s)
	}
	copy(cc[:], bytes.ToUpper([]byte(s)))
	return cc, nil
}

func (cc ContextCode) String() string { return string(cc[:]) }

// ContextPatterns maps context labels (CG, CHG, ...) to explicit sets
// of context codes. Labels keep their insertion order, which is the
// order results are reported in.
//
// Patterns may overlap. A code listed under two labels is counted in
// both labels' sums; keeping the labels disjoint is up to the caller.
type ContextPatterns struct {
	labels []string
	codes  [][]ContextCode
	lookup map[ContextCode][]int
}

func NewContextPatterns() *ContextPatterns {
	return &ContextPatterns{lookup: map[ContextCode][]int{}}
}

// Add appends a label with the given codes.
func (cp *ContextPatterns) Add(label string, codes ...string) error {
	if label == "" {
		return configErrorf("contexts", "empty label")
	}
	if strings.ContainsAny(label, ",;=/ \t") {
		return configErrorf("contexts", "label %q contains a reserved character", label)
	}
	for _, l := range cp.labels {
		if l == label {
			return configErrorf("contexts", "duplicate label %q", label)
		}
	}
	idx := len(cp.labels)
	seen := map[ContextCode]bool{}
	var ccs []ContextCode
	for _, s := range codes {
		cc, err := ParseContextCode(s)
		if err != nil {
			return err
		}
		if seen[cc] {
			continue
		}
		seen[cc] = true
		ccs = append(ccs, cc)
		cp.lookup[cc] = append(cp.lookup[cc], idx)
	}
	cp.labels = append(cp.labels, label)
	cp.codes = append(cp.codes, ccs)
	return nil
}

func (cp *ContextPatterns) Labels() []string { return append([]string(nil), cp.labels...) }

func (cp *ContextPatterns) Len() int { return len(cp.labels) }

// Codes returns the codes assigned to label, or nil.
func (cp *ContextPatterns) Codes(label string) []ContextCode {
	for i, l := range cp.labels {
		if l == label {
			return append([]ContextCode(nil), cp.codes[i]...)
		}
	}
	return nil
}

// Lookup returns the indexes (into Labels()) of the labels whose code
// set contains cc. The returned slice must not be modified.
func (cp *ContextPatterns) Lookup(cc ContextCode) []int {
	return cp.lookup[cc]
}

// Classify returns one mask per label: mask[i][j] is true if codes[j]
// belongs to label i.
func (cp *ContextPatterns) Classify(codes []ContextCode) [][]bool {
	masks := make([][]bool, len(cp.labels))
	for i := range masks {
		masks[i] = make([]bool, len(codes))
	}
	for j, cc := range codes {
		for _, i := range cp.lookup[cc] {
			masks[i][j] = true
		}
	}
	return masks
}

// Disjoint reports whether no code belongs to more than one label.
func (cp *ContextPatterns) Disjoint() bool {
	for _, idxs := range cp.lookup {
		if len(idxs) > 1 {
			return false
		}
	}
	return true
}

// String returns the patterns in the form accepted by
// ParseContextPatterns.
func (cp *ContextPatterns) String() string {
	var parts []string
	for i, label := range cp.labels {
		codes := make([]string, len(cp.codes[i]))
		for j, cc := range cp.codes[i] {
			codes[j] = cc.String()
		}
		parts = append(parts, label+"="+strings.Join(codes, ","))
	}
	return strings.Join(parts, ";")
}

var contextPresets = map[string]string{
	// Disjoint partition of C-anchored trinucleotides.
	"standard": "CG=CGA,CGC,CGG,CGT;" +
		"CHG=CAG,CCG,CTG;" +
		"CHH=CAA,CAC,CAT,CCA,CCC,CCT,CTA,CTC,CTT",
	// Lists used for the 2021 common garden results. CHG and CHH
	// overlap CG here.
	"methylpy": "CG=CGA,CGC,CGG,CGT;" +
		"CHG=CAG,CGG,CTG;" +
		"CHH=CAA,CAG,CAT,CGA,CGG,CGT,CTA,CTG,CTT",
	"chh-split": "CG=CGA,CGC,CGG,CGT;" +
		"CHG=CAG,CCG,CTG;" +
		"CHA=CAA,CCA,CTA;" +
		"CHC=CAC,CCC,CTC;" +
		"CHT=CAT,CCT,CTT",
}

// ContextPresetNames returns the names accepted by
// ParseContextPatterns in place of an explicit pattern list.
func ContextPresetNames() []string {
	var names []string
	for name := range contextPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultContextPatterns returns the "standard" CG/CHG/CHH partition.
func DefaultContextPatterns() *ContextPatterns {
	cp, err := ParseContextPatterns("standard")
	if err != nil {
		panic(err)
	}
	return cp
}

// ParseContextPatterns accepts either a preset name or a list of the
// form "CG=CGA,CGC;CHG=CAG,CCG,CTG". An empty string yields an empty
// mapping.
func ParseContextPatterns(list string) (*ContextPatterns, error) {
	if preset, ok := contextPresets[list]; ok {
		list = preset
	}
	cp := NewContextPatterns()
	for _, part := range strings.Split(list, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, configErrorf("contexts", "%q is neither a preset (%s) nor LABEL=CODE,...", part, strings.Join(ContextPresetNames(), ", "))
		}
		var codes []string
		for _, code := range strings.Split(part[eq+1:], ",") {
			if code = strings.TrimSpace(code); code != "" {
				codes = append(codes, code)
			}
		}
		if err := cp.Add(strings.TrimSpace(part[:eq]), codes...); err != nil {
			return nil, err
		}
	}
	return cp, nil
}
