// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type collateSuite struct{}

var _ = check.Suite(&collateSuite{})

const requantHeader = "SiteID\tChr\tPos\tRef\tAlt\tGene\tCellType\tTotalReads\tVariantReads\tEditRatio\tStatus\n"

func requantRow(site string, pos int, gene, ct string, ratio, status string) string {
	return fmt.Sprintf("%s:%d:A>G\tchr1\t%d\tA\tG\t%s\t%s\t100\t20\t%s\t%s\n", site, pos, pos, gene, ct, ratio, status)
}

func writeCollateInputs(c *check.C) string {
	inputDir := c.MkDir()
	// Two candidate sites for (ADAR1T, Bcell). Site 100 has the
	// higher population median and must be chosen as representative.
	writeFile(c, inputDir, "S1_requant.tsv", requantHeader+
		requantRow("chr1", 100, "ADAR1T", "Bcell", "0.2", "PASS")+
		requantRow("chr1", 500, "ADAR1T", "Bcell", "0.1", "PASS"))
	writeFile(c, inputDir, "S2_requant.tsv", requantHeader+
		requantRow("chr1", 100, "ADAR1T", "Bcell", "0.3", "PASS")+
		requantRow("chr1", 500, "ADAR1T", "Bcell", "0.2", "PASS"))
	writeFile(c, inputDir, "S3_requant.tsv", requantHeader+
		requantRow("chr1", 100, "ADAR1T", "Bcell", "0.4", "PASS")+
		requantRow("chr1", 500, "ADAR1T", "Bcell", "0.9", "LowCoverage")+
		requantRow("chr1", 900, "AZIN2T", "Tcell", "0.5", "PASS"))
	return inputDir
}

func runCollate(c *check.C, inputDir, outputDir string, extra ...string) (int, string) {
	var stderr bytes.Buffer
	args := append([]string{
		"-local=true",
		"-input-dir=" + inputDir,
		"-output-dir=" + outputDir,
	}, extra...)
	code := (&collatecmd{}).RunCommand("redqtl collate", args, bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	return code, stderr.String()
}

func (s *collateSuite) TestCollate(c *check.C) {
	inputDir := writeCollateInputs(c)
	outputDir := c.MkDir()
	code, _ := runCollate(c, inputDir, outputDir)
	c.Assert(code, check.Equals, 0)

	matrix, err := os.ReadFile(filepath.Join(outputDir, "matrix.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(matrix), check.Equals, `FeatureID	S1	S2	S3
ADAR1T__Bcell	0.2	0.3	0.4
AZIN2T__Tcell	NA	NA	0.5
`)

	features, err := os.ReadFile(filepath.Join(outputDir, "features.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(features), check.Equals, `FeatureID	Chr	Pos	SiteID	N
ADAR1T__Bcell	chr1	100	chr1:100:A>G	3
AZIN2T__Tcell	chr1	900	chr1:900:A>G	1
`)
}

func (s *collateSuite) TestPopulationMedian(c *check.C) {
	c.Check(populationMedian([]float64{0.3}), check.Equals, 0.3)
	c.Check(populationMedian([]float64{0.1, 0.9}), check.Equals, 0.5)
	c.Check(populationMedian([]float64{0.1, 0.5, 0.9}), check.Equals, 0.5)
	c.Check(math.Abs(populationMedian([]float64{0.1, 0.2, 0.4, 0.8})-0.3) < 1e-12, check.Equals, true)
}

func (s *collateSuite) TestCollateEvenMedian(c *check.C) {
	inputDir := c.MkDir()
	// With two individuals the median interpolates the middle pair:
	// site 100 has median 0.5, site 500 only 0.4, so site 100 is the
	// representative even though site 500 has the higher low value.
	writeFile(c, inputDir, "S1_requant.tsv", requantHeader+
		requantRow("chr1", 100, "ADAR1T", "Bcell", "0.1", "PASS")+
		requantRow("chr1", 500, "ADAR1T", "Bcell", "0.4", "PASS"))
	writeFile(c, inputDir, "S2_requant.tsv", requantHeader+
		requantRow("chr1", 100, "ADAR1T", "Bcell", "0.9", "PASS")+
		requantRow("chr1", 500, "ADAR1T", "Bcell", "0.4", "PASS"))
	outputDir := c.MkDir()
	code, _ := runCollate(c, inputDir, outputDir)
	c.Assert(code, check.Equals, 0)
	features, err := os.ReadFile(filepath.Join(outputDir, "features.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(features), check.Equals, "FeatureID\tChr\tPos\tSiteID\tN\nADAR1T__Bcell\tchr1\t100\tchr1:100:A>G\t2\n")
}

func (s *collateSuite) TestCollateMedianTie(c *check.C) {
	inputDir := c.MkDir()
	// Identical medians: the lower-coordinate site wins.
	writeFile(c, inputDir, "S1_requant.tsv", requantHeader+
		requantRow("chr1", 500, "ADAR1T", "Bcell", "0.3", "PASS")+
		requantRow("chr1", 100, "ADAR1T", "Bcell", "0.3", "PASS"))
	outputDir := c.MkDir()
	code, _ := runCollate(c, inputDir, outputDir)
	c.Assert(code, check.Equals, 0)
	features, err := os.ReadFile(filepath.Join(outputDir, "features.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(strings.Contains(string(features), "chr1:100:A>G"), check.Equals, true)
}

func (s *collateSuite) TestCollateManifest(c *check.C) {
	inputDir := writeCollateInputs(c)
	writeFile(c, inputDir, "manifest.txt",
		"S1\tok\t"+filepath.Join(inputDir, "S1_requant.tsv")+"\n"+
			"S2\tok\t"+filepath.Join(inputDir, "S2_requant.tsv")+"\n"+
			"S3\tfailed\t\n")

	// Failed manifest entries are fatal by default.
	code, stderr := runCollate(c, inputDir, c.MkDir())
	c.Check(code, check.Equals, 1)
	c.Check(strings.Contains(stderr, "state \"failed\""), check.Equals, true)

	// With -tolerate-failures the individual is quarantined and the
	// exclusion list written.
	outputDir := c.MkDir()
	code, _ = runCollate(c, inputDir, outputDir, "-tolerate-failures")
	c.Assert(code, check.Equals, 0)
	excluded, err := os.ReadFile(filepath.Join(outputDir, "excluded.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(excluded), check.Equals, "S3\n")
	matrix, err := os.ReadFile(filepath.Join(outputDir, "matrix.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(strings.HasPrefix(string(matrix), "FeatureID\tS1\tS2\n"), check.Equals, true)
	c.Check(strings.Contains(string(matrix), "S3"), check.Equals, false)
}

func (s *collateSuite) TestCollateEmptyInput(c *check.C) {
	code, stderr := runCollate(c, c.MkDir(), c.MkDir())
	c.Check(code, check.Equals, 1)
	c.Check(strings.Contains(stderr, "missing input"), check.Equals, true)
}
