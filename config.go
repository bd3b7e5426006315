// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"flag"
	"fmt"
)

// thresholds holds every tunable cutoff recognized by the pipeline.
// Each command registers only the flags it consumes, but the defaults
// live in one place so an array job re-invoked inside a container sees
// the same numbers as the submitting process.
type thresholds struct {
	MinDepth     int     // minimum total read depth at a site
	MinEditReads int     // minimum reads supporting the edit
	MinQuality   int     // minimum base quality for pileup counting
	MinEditLevel float64 // minimum raw editing level at the caller stage
	SpliceDist   int     // drop sites within this many bp of a splice junction
	MinSamples   int     // minimum quantifiable individuals per trait row
	MaxDropRate  float64 // abort if a gating stage drops more than this fraction
	CisWindow    int     // cis-window size for the association runner
	Permutations int     // permutation count for the association runner
	FDR          float64 // q-value threshold for lead signals
}

func defaultThresholds() thresholds {
	return thresholds{
		MinDepth:     10,
		MinEditReads: 3,
		MinQuality:   20,
		MinEditLevel: 0.1,
		SpliceDist:   4,
		MinSamples:   15,
		MaxDropRate:  0.9,
		CisWindow:    1000000,
		Permutations: 1000,
		FDR:          0.05,
	}
}

func (t *thresholds) CallerFlags(flags *flag.FlagSet) {
	flags.Float64Var(&t.MinEditLevel, "min-edit-level", t.MinEditLevel, "minimum editing level `P` for a raw caller site")
	flags.IntVar(&t.SpliceDist, "splice-dist", t.SpliceDist, "drop sites within `N` bp of an annotated splice junction")
}

func (t *thresholds) CoverageFlags(flags *flag.FlagSet) {
	flags.IntVar(&t.MinDepth, "min-depth", t.MinDepth, "minimum read depth `N` at a re-quantified site")
	flags.IntVar(&t.MinEditReads, "min-edit-reads", t.MinEditReads, "minimum reads `N` supporting the edit after re-quantification")
	flags.IntVar(&t.MinQuality, "min-quality", t.MinQuality, "minimum base quality `Q` for pileup counting")
	flags.Float64Var(&t.MaxDropRate, "max-drop-rate", t.MaxDropRate, "abort if more than fraction `P` of rows fail a gate")
}

func (t *thresholds) CallerArgs() []string {
	return []string{
		fmt.Sprintf("-min-edit-level=%g", t.MinEditLevel),
		fmt.Sprintf("-splice-dist=%d", t.SpliceDist),
	}
}

func (t *thresholds) CoverageArgs() []string {
	return []string{
		fmt.Sprintf("-min-depth=%d", t.MinDepth),
		fmt.Sprintf("-min-edit-reads=%d", t.MinEditReads),
		fmt.Sprintf("-min-quality=%d", t.MinQuality),
		fmt.Sprintf("-max-drop-rate=%g", t.MaxDropRate),
	}
}
