// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// aeicmd collects per-(individual, cell type) Alu editing index
// scalars into a covariate matrix, and optionally a phenotype matrix
// for AEI-QTL mapping.
type aeicmd struct {
	inputDir       string
	outputDir      string
	substitution   string
	writePhenotype bool
	projectUUID    string
	runLocal       bool
	priority       int
}

func (cmd *aeicmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputDir, "input-dir", "", "input `directory` with per-(individual,cell-type) .aei.tsv tables")
	flags.StringVar(&cmd.outputDir, "output-dir", "", "output `directory`")
	flags.StringVar(&cmd.substitution, "substitution", "G-A", "substitution `label` of the editing index row to extract")
	flags.BoolVar(&cmd.writePhenotype, "phenotype", false, "also write the transposed AEI phenotype matrix")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	flags.IntVar(&cmd.priority, "priority", 500, "container request priority")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.inputDir == "" || cmd.outputDir == "" {
		err = fmt.Errorf("cannot run without -input-dir and -output-dir arguments")
		return 2
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	if !cmd.runLocal {
		client := arvados.NewClientFromEnv()
		runner := arvadosContainerRunner{
			Name:        "redqtl collate-aei",
			Client:      client,
			ProjectUUID: cmd.projectUUID,
			RAM:         2000000000,
			VCPUs:       1,
			Priority:    cmd.priority,
		}
		err = runner.TranslatePaths(&cmd.inputDir)
		if err != nil {
			return 1
		}
		runner.Args = []string{"collate-aei",
			"-local=true",
			"-loglevel=" + *loglevel,
			"-input-dir=" + cmd.inputDir,
			"-output-dir=/mnt/output",
			"-substitution=" + cmd.substitution,
			fmt.Sprintf("-phenotype=%v", cmd.writePhenotype),
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	err = cmd.run()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *aeicmd) run() error {
	files, err := allFiles(cmd.inputDir, func(name string) bool {
		name = strings.TrimSuffix(name, ".gz")
		return strings.HasSuffix(name, ".aei.tsv")
	})
	if err != nil {
		return &missingInputError{Path: cmd.inputDir, Err: err}
	}
	if len(files) == 0 {
		return &missingInputError{Path: cmd.inputDir, Err: fmt.Errorf("no .aei.tsv tables")}
	}

	values := map[string]map[string]float64{} // individual -> cell type -> AEI
	cellTypes := map[string]bool{}
	for _, path := range files {
		name := filepath.Base(path)
		name = strings.TrimSuffix(name, ".gz")
		name = strings.TrimSuffix(name, ".aei.tsv")
		tokens := strings.SplitN(name, "_", 3)
		if len(tokens) < 2 {
			return &schemaMismatchError{Path: path, Detail: "file name does not look like <IID>_<celltype>*.aei.tsv"}
		}
		iid, ct := tokens[0], tokens[1]
		aei, ok, err := cmd.readAEI(path)
		if err != nil {
			return err
		}
		if !ok {
			log.Warnf("%s: no %s row, recording missing value", path, cmd.substitution)
			continue
		}
		if values[iid] == nil {
			values[iid] = map[string]float64{}
		}
		values[iid][ct] = aei
		cellTypes[ct] = true
	}

	var individuals, cts []string
	for iid := range values {
		individuals = append(individuals, iid)
	}
	for ct := range cellTypes {
		cts = append(cts, ct)
	}
	sort.Strings(individuals)
	sort.Strings(cts)
	log.Infof("collated AEI for %d individuals x %d cell types", len(individuals), len(cts))

	err = os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}
	out, err := createAtomic(filepath.Join(cmd.outputDir, "aei-covariates.tsv"))
	if err != nil {
		return err
	}
	defer out.Abort()
	fmt.Fprint(out, "IID")
	for _, ct := range cts {
		fmt.Fprintf(out, "\tAEI_%s", ct)
	}
	fmt.Fprint(out, "\n")
	for _, iid := range individuals {
		fmt.Fprint(out, iid)
		for _, ct := range cts {
			if v, ok := values[iid][ct]; ok {
				fmt.Fprintf(out, "\t%s", formatRatio(v))
			} else {
				fmt.Fprintf(out, "\t%s", naValue)
			}
		}
		fmt.Fprint(out, "\n")
	}
	err = out.Close()
	if err != nil {
		return err
	}

	if !cmd.writePhenotype {
		return nil
	}
	pheno, err := createAtomic(filepath.Join(cmd.outputDir, "aei-phenotypes.tsv"))
	if err != nil {
		return err
	}
	defer pheno.Abort()
	fmt.Fprint(pheno, "id")
	for _, iid := range individuals {
		fmt.Fprintf(pheno, "\t%s", iid)
	}
	fmt.Fprint(pheno, "\n")
	for _, ct := range cts {
		fmt.Fprintf(pheno, "AEI_%s", ct)
		for _, iid := range individuals {
			if v, ok := values[iid][ct]; ok {
				fmt.Fprintf(pheno, "\t%s", formatRatio(v))
			} else {
				fmt.Fprintf(pheno, "\t%s", naValue)
			}
		}
		fmt.Fprint(pheno, "\n")
	}
	return pheno.Close()
}

// readAEI extracts the requested substitution's editing index from a
// two-column headerless table of (substitution label, index value)
// rows.
func (cmd *aeicmd) readAEI(path string) (float64, bool, error) {
	rdr, err := zopen(path)
	if err != nil {
		return 0, false, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	scanner := newLineScanner(rdr)
	lineno := 0
	for scanner.Scan() {
		lineno++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != cmd.substitution {
			continue
		}
		v, err := parseFloat(fields[1])
		if err != nil {
			return 0, false, &schemaMismatchError{Path: path, Line: lineno, Column: cmd.substitution, Detail: err.Error()}
		}
		return v, true, nil
	}
	return 0, false, scanner.Err()
}
