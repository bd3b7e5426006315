// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"strings"

	"gopkg.in/check.v1"
)

type siteSuite struct{}

var _ = check.Suite(&siteSuite{})

func (s *siteSuite) TestSiteID(c *check.C) {
	site := editSite{Chr: "chr1", Pos: 12345, Ref: 'A', Alt: 'G'}
	c.Check(site.ID(), check.Equals, "chr1:12345:A>G")
	parsed, err := parseSiteID("chr1:12345:A>G")
	c.Assert(err, check.IsNil)
	c.Check(parsed, check.Equals, site)

	for _, bad := range []string{"", "chr1:12345", "chr1:x:A>G", "chr1:12345:AG", "chr1:12345:A>GT"} {
		_, err := parseSiteID(bad)
		c.Check(err, check.NotNil, check.Commentf("%q", bad))
	}
}

func (s *siteSuite) TestCanonical(c *check.C) {
	c.Check(editSite{Ref: 'A', Alt: 'G'}.isCanonical(), check.Equals, true)
	c.Check(editSite{Ref: 'T', Alt: 'C'}.isCanonical(), check.Equals, true)
	c.Check(editSite{Ref: 'A', Alt: 'C'}.isCanonical(), check.Equals, false)
	c.Check(editSite{Ref: 'G', Alt: 'A'}.isCanonical(), check.Equals, false)
	c.Check(editSite{Ref: 'C', Alt: 'T'}.isCanonical(), check.Equals, false)
}

func (s *siteSuite) TestChromOrder(c *check.C) {
	c.Check(chromLess("chr2", "chr10"), check.Equals, true)
	c.Check(chromLess("chr10", "chr2"), check.Equals, false)
	c.Check(chromLess("2", "chr10"), check.Equals, true)
	c.Check(chromLess("chr22", "chrX"), check.Equals, true)
	c.Check(chromLess("chrX", "chrY"), check.Equals, true)
	c.Check(chromLess("chrX", "chr1"), check.Equals, false)
}

func (s *siteSuite) TestParseREDML(c *check.C) {
	in := `Chr	Pos	Ref	Alt	VariantReads	TotalReads
chr1	100	A	G	5	40
chr1	200	T	C	3	10
chr2	50	A	G	2	0
`
	calls, err := parseREDMLTable("redml.tsv", strings.NewReader(in))
	c.Assert(err, check.IsNil)
	c.Assert(calls, check.HasLen, 2)
	c.Check(calls[0].ID(), check.Equals, "chr1:100:A>G")
	c.Check(calls[0].Tool, check.Equals, toolREDML)
	c.Check(calls[0].EditLevel, check.Equals, 0.125)
	c.Check(calls[1].EditLevel, check.Equals, 0.3)
}

func (s *siteSuite) TestParseREDMLSchema(c *check.C) {
	_, err := parseREDMLTable("bad.tsv", strings.NewReader("Chr\tPos\tRef\n"))
	c.Check(err, check.ErrorMatches, `schema mismatch: bad.tsv column "Alt".*`)

	_, err = parseREDMLTable("bad.tsv", strings.NewReader("Chr\tPos\tRef\tAlt\tVariantReads\tTotalReads\nchr1\tnope\tA\tG\t1\t2\n"))
	c.Check(err, check.ErrorMatches, `schema mismatch: bad.tsv line 2 column "Pos".*`)

	_, err = parseREDMLTable("empty.tsv", strings.NewReader(""))
	c.Check(err, check.ErrorMatches, `schema mismatch: empty.tsv: empty input.*`)
}

func (s *siteSuite) TestParseREDItools(c *check.C) {
	in := `Region	Position	Reference	Strand	AllSubs	Frequency
chr1	100	A	1	A>G	0.25
chr1	150	A	2	-	0.00
chr1	200	T	0	T>C T>A	0.30
`
	calls, err := parseREDItoolsTable("reditools.tsv", strings.NewReader(in))
	c.Assert(err, check.IsNil)
	// T>A at 200 keeps its row too; canonical filtering happens at
	// consensus time, not parse time.
	c.Assert(calls, check.HasLen, 3)
	c.Check(calls[0].ID(), check.Equals, "chr1:100:A>G")
	c.Check(calls[0].Strand, check.Equals, byte('+'))
	c.Check(calls[0].EditLevel, check.Equals, 0.25)
	c.Check(calls[1].ID(), check.Equals, "chr1:200:T>C")
	c.Check(calls[1].Strand, check.Equals, byte('-'))
	c.Check(calls[2].ID(), check.Equals, "chr1:200:T>A")
}

func (s *siteSuite) TestParseREDItoolsSchema(c *check.C) {
	_, err := parseREDItoolsTable("bad.tsv", strings.NewReader("Region\tPosition\tReference\tAllSubs\tFrequency\nchr1\t100\tA\tA>G\t0.25\n"))
	c.Check(err, check.ErrorMatches, `schema mismatch: bad.tsv column "Strand".*`)
}
