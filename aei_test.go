// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bytes"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type aeiSuite struct{}

var _ = check.Suite(&aeiSuite{})

func (s *aeiSuite) TestCollateAEI(c *check.C) {
	inputDir, outputDir := c.MkDir(), c.MkDir()
	writeFile(c, inputDir, "S1_Bcell.aei.tsv", "T-C\t0.9\nG-A\t1.5\n")
	writeFile(c, inputDir, "S1_Tcell.aei.tsv", "G-A\t2.5\n")
	writeFile(c, inputDir, "S2_Bcell_run2.aei.tsv", "G-A\t1.8\n")
	// No G-A row: recorded as missing, not an error.
	writeFile(c, inputDir, "S2_Tcell.aei.tsv", "T-C\t0.7\n")

	code := (&aeicmd{}).RunCommand("redqtl collate-aei", []string{
		"-local=true",
		"-input-dir=" + inputDir,
		"-output-dir=" + outputDir,
		"-phenotype",
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	covariates, err := os.ReadFile(filepath.Join(outputDir, "aei-covariates.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(covariates), check.Equals, `IID	AEI_Bcell	AEI_Tcell
S1	1.5	2.5
S2	1.8	NA
`)

	pheno, err := os.ReadFile(filepath.Join(outputDir, "aei-phenotypes.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(pheno), check.Equals, `id	S1	S2
AEI_Bcell	1.5	1.8
AEI_Tcell	2.5	NA
`)
}

func (s *aeiSuite) TestCollateAEIEmpty(c *check.C) {
	var stderr bytes.Buffer
	code := (&aeicmd{}).RunCommand("redqtl collate-aei", []string{
		"-local=true",
		"-input-dir=" + c.MkDir(),
		"-output-dir=" + c.MkDir(),
	}, bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
}
