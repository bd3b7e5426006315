// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type consensusSuite struct{}

var _ = check.Suite(&consensusSuite{})

const consensusTestGTF = `chr1	test	exon	1	1000	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
chr1	test	three_prime_utr	10	1000	.	+	.	gene_id "ENSG01"; gene_name "ADAR1T"
`

const consensusTestBED = `chr1	99	100
chr1	199	200
chr1	299	300
chr1	399	400
chr1	499	500
chr1	599	600
chr1	699	700
chr1	997	998
`

func writeConsensusInputs(c *check.C) (inputDir, refDir string) {
	inputDir, refDir = c.MkDir(), c.MkDir()
	writeFile(c, refDir, "genes.gtf", consensusTestGTF)
	writeFile(c, refDir, "known.bed", consensusTestBED)
	writeFile(c, refDir, "S1_germline.tsv", "chr1\t700\n")
	writeFile(c, refDir, "S2_germline.tsv", "chr1\t9999\n")

	// S1: consensus at 200 and 300; 100 and 400 called by only one
	// tool; 500 below the edit-level floor; 600 non-canonical; 700
	// germline; 998 within 4bp of a splice junction.
	writeFile(c, inputDir, "S1/S1_Bcell_redml_raw.tsv", `Chr	Pos	Ref	Alt	VariantReads	TotalReads
chr1	100	A	G	10	100
chr1	200	A	G	20	100
chr1	300	A	G	30	100
chr1	500	A	G	5	100
chr1	600	G	A	20	100
chr1	700	A	G	20	100
chr1	998	A	G	20	100
`)
	writeFile(c, inputDir, "S1/S1_Bcell_reditools_raw.tsv", `Region	Position	Reference	Strand	AllSubs	Frequency
chr1	200	A	1	A>G	0.3
chr1	300	A	1	A>G	0.5
chr1	400	A	1	A>G	0.3
chr1	500	A	1	A>G	0.05
chr1	600	G	1	G>A	0.2
chr1	700	A	1	A>G	0.2
chr1	998	A	1	A>G	0.2
`)

	// S2: both tools report sites, but never the same one.
	writeFile(c, inputDir, "S2/S2_Bcell_redml_raw.tsv", `Chr	Pos	Ref	Alt	VariantReads	TotalReads
chr1	100	A	G	10	100
`)
	writeFile(c, inputDir, "S2/S2_Bcell_reditools_raw.tsv", `Region	Position	Reference	Strand	AllSubs	Frequency
chr1	400	A	1	A>G	0.3
`)
	return inputDir, refDir
}

func runConsensus(c *check.C, inputDir, refDir, outputDir string) {
	code := (&consensuscmd{}).RunCommand("redqtl consensus", []string{
		"-local=true",
		"-input-dir=" + inputDir,
		"-output-dir=" + outputDir,
		"-known-sites=" + filepath.Join(refDir, "known.bed"),
		"-gtf=" + filepath.Join(refDir, "genes.gtf"),
		"-germline-dir=" + refDir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
}

func (s *consensusSuite) TestConsensus(c *check.C) {
	inputDir, refDir := writeConsensusInputs(c)
	outputDir := c.MkDir()
	runConsensus(c, inputDir, refDir, outputDir)

	got, err := os.ReadFile(filepath.Join(outputDir, "S1_consensus.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, `SiteID	Chr	Pos	Ref	Alt	Strand	Gene	Region	Known	Bcell
chr1:200:A>G	chr1	200	A	G	+	ADAR1T	UTR3	true	0.25
chr1:300:A>G	chr1	300	A	G	+	ADAR1T	UTR3	true	0.4
`)

	// Zero consensus sites is a valid empty table, not an error.
	got, err = os.ReadFile(filepath.Join(outputDir, "S2_consensus.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "SiteID\tChr\tPos\tRef\tAlt\tStrand\tGene\tRegion\tKnown\tBcell\n")

	_, err = os.Stat(filepath.Join(outputDir, "S1_consensus.tsv.partial"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *consensusSuite) TestConsensusIdempotent(c *check.C) {
	inputDir, refDir := writeConsensusInputs(c)
	out1, out2 := c.MkDir(), c.MkDir()
	runConsensus(c, inputDir, refDir, out1)
	runConsensus(c, inputDir, refDir, out2)
	for _, name := range []string{"S1_consensus.tsv", "S2_consensus.tsv"} {
		a, err := os.ReadFile(filepath.Join(out1, name))
		c.Assert(err, check.IsNil)
		b, err := os.ReadFile(filepath.Join(out2, name))
		c.Assert(err, check.IsNil)
		c.Check(bytes.Equal(a, b), check.Equals, true, check.Commentf("%s", name))
	}
}

func (s *consensusSuite) TestConsensusMissingCaller(c *check.C) {
	inputDir, refDir := writeConsensusInputs(c)
	c.Assert(os.Remove(filepath.Join(inputDir, "S1", "S1_Bcell_reditools_raw.tsv")), check.IsNil)
	var stderr bytes.Buffer
	code := (&consensuscmd{}).RunCommand("redqtl consensus", []string{
		"-local=true",
		"-input-dir=" + inputDir,
		"-output-dir=" + c.MkDir(),
		"-known-sites=" + filepath.Join(refDir, "known.bed"),
		"-gtf=" + filepath.Join(refDir, "genes.gtf"),
		"-germline-dir=" + refDir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(strings.Contains(stderr.String(), "missing input"), check.Equals, true)
}

func (s *consensusSuite) TestConsensusMissingArgs(c *check.C) {
	var stderr bytes.Buffer
	code := (&consensuscmd{}).RunCommand("redqtl consensus", []string{"-local=true"}, bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 2)
}
