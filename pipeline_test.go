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

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// TestPipeline runs consensus -> requant -> collate -> normalize, then
// fdr on association results for the features that came out, checking
// the hand-off format at each stage.
func (s *pipelineSuite) TestPipeline(c *check.C) {
	inputDir, refDir := writeConsensusInputs(c)
	consensusDir, requantDir, collateDir, normalizeDir, fdrDir := c.MkDir(), c.MkDir(), c.MkDir(), c.MkDir(), c.MkDir()

	runConsensus(c, inputDir, refDir, consensusDir)

	pileupDir := c.MkDir()
	writeFile(c, pileupDir, "S1_Bcell.pileup",
		"chr1\t200\tA\t10\t.......GGG\tIIIIIIIIII\n"+
			"chr1\t300\tA\t20\t..........GGGGGGGGGG\tIIIIIIIIIIIIIIIIIIII\n")
	// S2 had no consensus sites; its pileup exists but contributes
	// nothing.
	writeFile(c, pileupDir, "S2_Bcell.pileup", "")

	code := (&requantcmd{}).RunCommand("redqtl requant", []string{
		"-local=true",
		"-consensus-dir=" + consensusDir,
		"-pileup-dir=" + pileupDir,
		"-output-dir=" + requantDir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	manifest, err := os.ReadFile(filepath.Join(requantDir, "manifest.txt"))
	c.Assert(err, check.IsNil)
	c.Check(strings.Contains(string(manifest), "S1\tok\t"), check.Equals, true)
	c.Check(strings.Contains(string(manifest), "S2\tok\t"), check.Equals, true)

	code = (&collatecmd{}).RunCommand("redqtl collate", []string{
		"-local=true",
		"-input-dir=" + requantDir,
		"-output-dir=" + collateDir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	// Site 300 has the higher median edit ratio (0.5 vs 0.3) and
	// represents the ADAR1T/Bcell trait.
	features, err := os.ReadFile(filepath.Join(collateDir, "features.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(features), check.Equals, "FeatureID\tChr\tPos\tSiteID\tN\nADAR1T__Bcell\tchr1\t300\tchr1:300:A>G\t1\n")

	code = (&normalizecmd{}).RunCommand("redqtl normalize", []string{
		"-local=true",
		"-matrix=" + filepath.Join(collateDir, "matrix.tsv"),
		"-features=" + filepath.Join(collateDir, "features.tsv"),
		"-output-dir=" + normalizeDir,
		"-min-samples=1",
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	pheno, err := os.ReadFile(filepath.Join(normalizeDir, "phenotypes.bed"))
	c.Assert(err, check.IsNil)
	c.Check(string(pheno), check.Equals, "#chr\tstart\tend\tfeature_id\tS1\tS2\nchr1\t299\t300\tADAR1T__Bcell\t0\tNA\n")

	assocDir := c.MkDir()
	writeFile(c, assocDir, "edqtl.txt", "ADAR1T__Bcell rs1 100 0.001 0.004 0.7\n")
	code = (&fdrcmd{}).RunCommand("redqtl fdr", []string{
		"-local=true",
		"-edqtl=" + filepath.Join(assocDir, "edqtl.txt"),
		"-output-dir=" + fdrDir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	leads, err := os.ReadFile(filepath.Join(fdrDir, "leads.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(strings.Contains(string(leads), "ADAR1T__Bcell\trs1\t100\t0.001\t0.004\t0.7\t0.004\ttrue"), check.Equals, true)
}
