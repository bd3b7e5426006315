// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// intervalSet answers point-containment queries against a set of
// genomic intervals, one merged sorted boundary array per chromosome.
// A position is inside iff a binary search for it lands at an odd
// index.
type intervalSet struct {
	chroms map[string][]int
}

// loadBED reads a BED file (0-based half-open intervals) into an
// intervalSet of 1-based positions. Known-site catalogs distributed
// as single-position BED rows (end == start+1) are the common case,
// but arbitrary intervals work too.
func loadBED(path string) (*intervalSet, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	set := &intervalSet{chroms: map[string][]int{}}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("BED row has %d fields, want >= 3", len(fields))}
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Column: "start", Detail: err.Error()}
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Column: "end", Detail: err.Error()}
		}
		set.add(fields[0], start+1, end)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	set.compact()
	return set, nil
}

// add records the closed 1-based interval [start, end].
func (set *intervalSet) add(chrom string, start, end int) {
	if end < start {
		return
	}
	set.chroms[chrom] = append(set.chroms[chrom], start, end)
}

// compact sorts and merges each chromosome's intervals into the
// boundary representation Contains searches. Must be called after the
// last add.
func (set *intervalSet) compact() {
	for chrom, bounds := range set.chroms {
		n := len(bounds) / 2
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return bounds[idx[a]*2] < bounds[idx[b]*2] })
		merged := make([]int, 0, len(bounds))
		for _, i := range idx {
			start, end := bounds[i*2], bounds[i*2+1]
			if len(merged) > 0 && start <= merged[len(merged)-1]+1 {
				if end > merged[len(merged)-1] {
					merged[len(merged)-1] = end
				}
				continue
			}
			merged = append(merged, start, end)
		}
		set.chroms[chrom] = merged
	}
}

// Contains reports whether 1-based position pos falls inside any
// interval on chrom. Chromosome names match with or without a "chr"
// prefix.
func (set *intervalSet) Contains(chrom string, pos int) bool {
	bounds, ok := set.chroms[chrom]
	if !ok {
		bounds, ok = set.chroms[flipChrPrefix(chrom)]
	}
	if !ok {
		return false
	}
	// idx is the count of boundaries <= pos, treating start
	// boundaries as entering (pos >= start) and end boundaries as
	// leaving only when pos > end.
	idx := sort.Search(len(bounds), func(i int) bool {
		if i&1 == 0 {
			return bounds[i] > pos
		}
		return bounds[i] >= pos
	})
	return idx&1 == 1
}

func (set *intervalSet) Len() int {
	n := 0
	for _, bounds := range set.chroms {
		n += len(bounds) / 2
	}
	return n
}

func flipChrPrefix(chrom string) string {
	if strings.HasPrefix(chrom, "chr") {
		return chrom[3:]
	}
	return "chr" + chrom
}

// gene model feature classes, in increasing annotation precedence.
const (
	regionNone = iota
	regionExon
	regionUTR5
	regionUTR3
	regionCDS
)

func regionName(r int) string {
	switch r {
	case regionCDS:
		return "CDS"
	case regionUTR3:
		return "UTR3"
	case regionUTR5:
		return "UTR5"
	case regionExon:
		return "Exon"
	default:
		return naValue
	}
}

type gtfFeature struct {
	start  int // 1-based closed
	end    int
	region int
	gene   string
}

// geneModel maps positions to genes and feature classes using an
// Ensembl-style GTF annotation, and answers splice-junction distance
// queries against the exon boundaries.
type geneModel struct {
	features map[string][]gtfFeature // sorted by start
	maxLen   map[string]int          // longest feature per chromosome
	splices  map[string][]int        // sorted exon boundary positions
}

func loadGTF(path string) (*geneModel, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	gm := &geneModel{
		features: map[string][]gtfFeature{},
		maxLen:   map[string]int{},
		splices:  map[string][]int{},
	}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 9 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("GTF row has %d fields, want 9", len(fields))}
		}
		var region int
		switch fields[2] {
		case "exon":
			region = regionExon
		case "CDS":
			region = regionCDS
		case "three_prime_utr", "3UTR":
			region = regionUTR3
		case "five_prime_utr", "5UTR":
			region = regionUTR5
		default:
			continue
		}
		start, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Column: "start", Detail: err.Error()}
		}
		end, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Column: "end", Detail: err.Error()}
		}
		gene := gtfAttribute(fields[8], "gene_name")
		if gene == "" {
			gene = gtfAttribute(fields[8], "gene_id")
		}
		if gene == "" {
			continue
		}
		chrom := fields[0]
		gm.features[chrom] = append(gm.features[chrom], gtfFeature{start: start, end: end, region: region, gene: gene})
		if end-start+1 > gm.maxLen[chrom] {
			gm.maxLen[chrom] = end - start + 1
		}
		if region == regionExon {
			gm.splices[chrom] = append(gm.splices[chrom], start, end)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for chrom := range gm.features {
		feats := gm.features[chrom]
		sort.Slice(feats, func(a, b int) bool { return feats[a].start < feats[b].start })
	}
	for chrom := range gm.splices {
		sort.Ints(gm.splices[chrom])
	}
	return gm, nil
}

func gtfAttribute(attrs, key string) string {
	for _, attr := range strings.Split(attrs, ";") {
		attr = strings.TrimSpace(attr)
		if !strings.HasPrefix(attr, key+" ") {
			continue
		}
		return strings.Trim(attr[len(key)+1:], `"`)
	}
	return ""
}

// annotate returns the gene and feature class covering the given
// position. Overlapping features resolve by precedence (CDS over
// UTR3 over UTR5 over plain exon); an overlap between different genes
// at equal precedence resolves to the lexically first gene and is
// logged as ambiguous.
func (gm *geneModel) annotate(chrom string, pos int) (gene string, region int) {
	feats, ok := gm.features[chrom]
	if !ok {
		feats, ok = gm.features[flipChrPrefix(chrom)]
		chrom = flipChrPrefix(chrom)
	}
	if !ok {
		return "", regionNone
	}
	// Features are sorted by start; any feature covering pos starts
	// within maxLen of it, so scan back no further than that.
	i := sort.Search(len(feats), func(i int) bool { return feats[i].start > pos })
	for i--; i >= 0 && feats[i].start > pos-gm.maxLen[chrom]; i-- {
		f := feats[i]
		if f.end < pos {
			continue
		}
		switch {
		case f.region > region:
			gene, region = f.gene, f.region
		case f.region == region && f.gene != gene && gene != "":
			if f.gene < gene {
				gene, f.gene = f.gene, gene
			}
			log.Debug(joinAmbiguity{Chr: chrom, Pos: pos, Chosen: gene, Rejected: f.gene})
		}
	}
	return gene, region
}

// spliceDistance returns the distance in bp from pos to the nearest
// annotated exon boundary, or -1 if the chromosome has no annotated
// exons.
func (gm *geneModel) spliceDistance(chrom string, pos int) int {
	bounds, ok := gm.splices[chrom]
	if !ok {
		bounds, ok = gm.splices[flipChrPrefix(chrom)]
	}
	if !ok || len(bounds) == 0 {
		return -1
	}
	i := sort.SearchInts(bounds, pos)
	best := -1
	if i < len(bounds) {
		best = bounds[i] - pos
	}
	if i > 0 {
		if d := pos - bounds[i-1]; best < 0 || d < best {
			best = d
		}
	}
	return best
}

// germlineSet holds one individual's germline variant positions, for
// excluding inherited polymorphisms that would masquerade as editing.
type germlineSet struct {
	chroms map[string][]int // sorted positions
}

// loadGermline reads a per-individual germline table: tab-separated
// Chr and Pos columns (1-based), VCF-style comment lines ignored. A
// missing file is an error; individuals without known variants still
// need an explicit empty table so a silently unfiltered individual
// cannot slip through.
func loadGermline(path string) (*germlineSet, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	set := &germlineSet{chroms: map[string][]int{}}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	sawData := false
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("germline row has %d fields, want >= 2", len(fields))}
		}
		// The header, if any, is the first line that is neither blank
		// nor a comment.
		if !sawData && (fields[0] == "Chr" || fields[0] == "CHROM") {
			continue
		}
		sawData = true
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Column: "Pos", Detail: err.Error()}
		}
		set.chroms[fields[0]] = append(set.chroms[fields[0]], pos)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for chrom := range set.chroms {
		sort.Ints(set.chroms[chrom])
	}
	return set, nil
}

func (set *germlineSet) Contains(chrom string, pos int) bool {
	positions, ok := set.chroms[chrom]
	if !ok {
		positions, ok = set.chroms[flipChrPrefix(chrom)]
	}
	if !ok {
		return false
	}
	i := sort.SearchInts(positions, pos)
	return i < len(positions) && positions[i] == pos
}
