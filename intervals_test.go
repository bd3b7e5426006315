// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type intervalSuite struct{}

var _ = check.Suite(&intervalSuite{})

func writeFile(c *check.C, dir, name, content string) string {
	path := filepath.Join(dir, name)
	c.Assert(os.MkdirAll(filepath.Dir(path), 0777), check.IsNil)
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)
	return path
}

func (s *intervalSuite) TestLoadBED(c *check.C) {
	path := writeFile(c, c.MkDir(), "known.bed", `track name=known
chr1	99	100
chr1	199	200
chr1	1000	2000
chr2	49	50
`)
	set, err := loadBED(path)
	c.Assert(err, check.IsNil)
	c.Check(set.Len(), check.Equals, 4)
	// Single-position rows: BED start 99 means position 100.
	c.Check(set.Contains("chr1", 100), check.Equals, true)
	c.Check(set.Contains("chr1", 99), check.Equals, false)
	c.Check(set.Contains("chr1", 101), check.Equals, false)
	c.Check(set.Contains("chr1", 200), check.Equals, true)
	c.Check(set.Contains("chr1", 1001), check.Equals, true)
	c.Check(set.Contains("chr1", 2000), check.Equals, true)
	c.Check(set.Contains("chr1", 2001), check.Equals, false)
	c.Check(set.Contains("chr2", 50), check.Equals, true)
	// "chr" prefix is optional on lookup.
	c.Check(set.Contains("1", 100), check.Equals, true)
	c.Check(set.Contains("chr3", 100), check.Equals, false)
}

func (s *intervalSuite) TestIntervalMerge(c *check.C) {
	set := &intervalSet{chroms: map[string][]int{}}
	set.add("chr1", 10, 20)
	set.add("chr1", 15, 30)
	set.add("chr1", 31, 40)
	set.add("chr1", 100, 200)
	set.compact()
	c.Check(set.chroms["chr1"], check.DeepEquals, []int{10, 40, 100, 200})
	c.Check(set.Contains("chr1", 25), check.Equals, true)
	c.Check(set.Contains("chr1", 40), check.Equals, true)
	c.Check(set.Contains("chr1", 41), check.Equals, false)
}

const testGTF = `chr1	havana	gene	1000	9000	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
chr1	havana	exon	1000	2000	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
chr1	havana	CDS	1200	1800	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
chr1	havana	exon	5000	9000	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
chr1	havana	three_prime_utr	6000	9000	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
chr1	havana	exon	8500	9500	.	+	.	gene_id "ENSG02"; gene_name "AZIN2T"
chr1	havana	five_prime_utr	1000	1100	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
`

func (s *intervalSuite) TestGeneModel(c *check.C) {
	path := writeFile(c, c.MkDir(), "genes.gtf", testGTF)
	gm, err := loadGTF(path)
	c.Assert(err, check.IsNil)

	gene, region := gm.annotate("chr1", 1500)
	c.Check(gene, check.Equals, "ADAR1T")
	c.Check(region, check.Equals, regionCDS)

	gene, region = gm.annotate("chr1", 1050)
	c.Check(gene, check.Equals, "ADAR1T")
	c.Check(region, check.Equals, regionUTR5)

	gene, region = gm.annotate("chr1", 7000)
	c.Check(gene, check.Equals, "ADAR1T")
	c.Check(region, check.Equals, regionUTR3)

	// 3'UTR outranks the overlapping plain exon of the other gene.
	gene, region = gm.annotate("chr1", 8600)
	c.Check(gene, check.Equals, "ADAR1T")
	c.Check(region, check.Equals, regionUTR3)

	gene, region = gm.annotate("chr1", 9300)
	c.Check(gene, check.Equals, "AZIN2T")
	c.Check(region, check.Equals, regionExon)

	gene, region = gm.annotate("chr1", 4000)
	c.Check(gene, check.Equals, "")
	c.Check(region, check.Equals, regionNone)

	gene, _ = gm.annotate("1", 7000)
	c.Check(gene, check.Equals, "ADAR1T")
}

func (s *intervalSuite) TestSpliceDistance(c *check.C) {
	path := writeFile(c, c.MkDir(), "genes.gtf", testGTF)
	gm, err := loadGTF(path)
	c.Assert(err, check.IsNil)
	c.Check(gm.spliceDistance("chr1", 2000), check.Equals, 0)
	c.Check(gm.spliceDistance("chr1", 2003), check.Equals, 3)
	c.Check(gm.spliceDistance("chr1", 1997), check.Equals, 3)
	c.Check(gm.spliceDistance("chr1", 3500), check.Equals, 1500)
	c.Check(gm.spliceDistance("chr2", 100), check.Equals, -1)
}

func (s *intervalSuite) TestGermline(c *check.C) {
	dir := c.MkDir()
	path := writeFile(c, dir, "S1_germline.tsv", `Chr	Pos	AF
chr1	1234	0.5
chr1	5678	1.0
chr2	99	0.5
`)
	set, err := loadGermline(path)
	c.Assert(err, check.IsNil)
	c.Check(set.Contains("chr1", 1234), check.Equals, true)
	c.Check(set.Contains("chr1", 1235), check.Equals, false)
	c.Check(set.Contains("2", 99), check.Equals, true)

	_, err = loadGermline(filepath.Join(dir, "S2_germline.tsv"))
	c.Check(err, check.ErrorMatches, `missing input: .*S2_germline.tsv.*`)
}

func (s *intervalSuite) TestGermlineCommentedHeader(c *check.C) {
	dir := c.MkDir()
	path := writeFile(c, dir, "S1_germline.tsv", `## source=variant-caller
## reference=GRCh38
Chr	Pos	AF
chr1	1234	0.5
`)
	set, err := loadGermline(path)
	c.Assert(err, check.IsNil)
	c.Check(set.Contains("chr1", 1234), check.Equals, true)
	c.Check(set.Contains("chr1", 1235), check.Equals, false)
}
