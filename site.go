// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	toolREDML     = "REDML"
	toolREDItools = "REDItools"
)

// editSite identifies a candidate edited position by coordinate and
// base change.
type editSite struct {
	Chr string
	Pos int // 1-based
	Ref byte
	Alt byte
}

func (s editSite) ID() string {
	return fmt.Sprintf("%s:%d:%c>%c", s.Chr, s.Pos, s.Ref, s.Alt)
}

// isCanonical reports whether the base change is one of the two
// strand-dependent views of A-to-I editing.
func (s editSite) isCanonical() bool {
	return (s.Ref == 'A' && s.Alt == 'G') || (s.Ref == 'T' && s.Alt == 'C')
}

func (s editSite) less(o editSite) bool {
	if s.Chr != o.Chr {
		return chromLess(s.Chr, o.Chr)
	}
	if s.Pos != o.Pos {
		return s.Pos < o.Pos
	}
	return s.ID() < o.ID()
}

func parseSiteID(id string) (editSite, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || len(parts[2]) != 3 || parts[2][1] != '>' {
		return editSite{}, fmt.Errorf("malformed site ID %q", id)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil {
		return editSite{}, fmt.Errorf("malformed site ID %q: %s", id, err)
	}
	return editSite{Chr: parts[0], Pos: pos, Ref: parts[2][0], Alt: parts[2][2]}, nil
}

// chromLess orders chromosome names numerically where possible
// (chr2 before chr10), with non-numeric names (X, Y, MT) after the
// autosomes in lexical order. "chr" prefixes are ignored so mixed
// conventions still collate consistently.
func chromLess(a, b string) bool {
	a = strings.TrimPrefix(a, "chr")
	b = strings.TrimPrefix(b, "chr")
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}

// siteCall is one caller's report of one candidate site in one cell
// type: the raw material for consensus checking.
type siteCall struct {
	editSite
	CellType  string
	Tool      string
	Strand    byte
	EditLevel float64
}

// parseREDMLTable reads a raw RED-ML output table: one row per
// candidate site with explicit supporting-read counts.
func parseREDMLTable(path string, rdr io.Reader) ([]siteCall, error) {
	t, err := newTSVReader(path, rdr, "Chr", "Pos", "Ref", "Alt", "VariantReads", "TotalReads")
	if err != nil {
		return nil, err
	}
	var calls []siteCall
	for t.Scan() {
		pos, err := t.Int("Pos")
		if err != nil {
			return nil, err
		}
		variant, err := t.Int("VariantReads")
		if err != nil {
			return nil, err
		}
		total, err := t.Int("TotalReads")
		if err != nil {
			return nil, err
		}
		if total == 0 {
			continue
		}
		ref, alt := t.Field("Ref"), t.Field("Alt")
		if len(ref) != 1 || len(alt) != 1 {
			return nil, &schemaMismatchError{Path: path, Line: t.line, Column: "Ref", Detail: fmt.Sprintf("want single base, got %q>%q", ref, alt)}
		}
		calls = append(calls, siteCall{
			editSite:  editSite{Chr: t.Field("Chr"), Pos: pos, Ref: ref[0], Alt: alt[0]},
			Tool:      toolREDML,
			Strand:    '.',
			EditLevel: float64(variant) / float64(total),
		})
	}
	return calls, t.Err()
}

// parseREDItoolsTable reads a raw REDItools output table. The AllSubs
// column packs zero or more observed substitutions ("A>G T>C", or "-"
// for none) into one row per position; each substitution becomes a
// separate candidate site.
func parseREDItoolsTable(path string, rdr io.Reader) ([]siteCall, error) {
	t, err := newTSVReader(path, rdr, "Region", "Position", "Reference", "Strand", "AllSubs", "Frequency")
	if err != nil {
		return nil, err
	}
	var calls []siteCall
	for t.Scan() {
		subs := t.Field("AllSubs")
		if subs == "-" || subs == "" {
			continue
		}
		pos, err := t.Int("Position")
		if err != nil {
			return nil, err
		}
		freq, err := t.Float("Frequency")
		if err != nil {
			return nil, err
		}
		ref := t.Field("Reference")
		if len(ref) != 1 {
			return nil, &schemaMismatchError{Path: path, Line: t.line, Column: "Reference", Detail: fmt.Sprintf("want single base, got %q", ref)}
		}
		strand := byte('.')
		switch t.Field("Strand") {
		case "1", "+":
			strand = '+'
		case "0", "-":
			strand = '-'
		}
		for _, sub := range strings.Fields(subs) {
			if len(sub) != 3 || sub[1] != '>' || sub[0] != ref[0] {
				continue
			}
			calls = append(calls, siteCall{
				editSite:  editSite{Chr: t.Field("Region"), Pos: pos, Ref: ref[0], Alt: sub[2]},
				Tool:      toolREDItools,
				Strand:    strand,
				EditLevel: freq,
			})
		}
	}
	return calls, t.Err()
}
