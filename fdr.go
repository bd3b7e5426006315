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

// fdrcmd pools edQTL and AEI-QTL association results and applies
// Benjamini-Hochberg correction across the pooled hypothesis universe.
type fdrcmd struct {
	edqtlFiles  string
	aeiFiles    string
	outputDir   string
	threshold   float64
	projectUUID string
	runLocal    bool
	priority    int
}

type assocRow struct {
	Tag        string
	FeatureID  string
	VariantID  string
	Distance   string
	NominalP   string
	EmpiricalP float64
	Slope      string
	QValue     float64
}

func (cmd *fdrcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.edqtlFiles, "edqtl", "", "comma-separated edQTL association result `files`")
	flags.StringVar(&cmd.aeiFiles, "aei", "", "comma-separated AEI-QTL association result `files`")
	flags.StringVar(&cmd.outputDir, "output-dir", "", "output `directory`")
	cmd.threshold = defaultThresholds().FDR
	flags.Float64Var(&cmd.threshold, "fdr", cmd.threshold, "q-value `threshold` for significant lead signals")
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
	} else if cmd.edqtlFiles == "" && cmd.aeiFiles == "" {
		err = fmt.Errorf("cannot run without -edqtl and/or -aei arguments")
		return 2
	} else if cmd.outputDir == "" {
		err = fmt.Errorf("cannot run without an -output-dir argument")
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
			Name:        "redqtl fdr",
			Client:      client,
			ProjectUUID: cmd.projectUUID,
			RAM:         8000000000,
			VCPUs:       1,
			Priority:    cmd.priority,
		}
		for _, list := range []*string{&cmd.edqtlFiles, &cmd.aeiFiles} {
			files := strings.Split(*list, ",")
			for i := range files {
				if files[i] == "" {
					continue
				}
				err = runner.TranslatePaths(&files[i])
				if err != nil {
					return 1
				}
			}
			*list = strings.Join(files, ",")
		}
		runner.Args = []string{"fdr",
			"-local=true",
			"-loglevel=" + *loglevel,
			"-edqtl=" + cmd.edqtlFiles,
			"-aei=" + cmd.aeiFiles,
			"-output-dir=/mnt/output",
			fmt.Sprintf("-fdr=%g", cmd.threshold),
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

func (cmd *fdrcmd) run() error {
	var rows []*assocRow
	for _, src := range []struct{ tag, files string }{
		{"edqtl", cmd.edqtlFiles},
		{"aei", cmd.aeiFiles},
	} {
		for _, path := range strings.Split(src.files, ",") {
			if path == "" {
				continue
			}
			loaded, err := readAssocTable(path, src.tag)
			if err != nil {
				return err
			}
			log.Infof("%s: %d rows (%s)", path, len(loaded), src.tag)
			rows = append(rows, loaded...)
		}
	}
	if len(rows) == 0 {
		log.Warn("no testable associations, writing empty tables")
	}

	benjaminiHochberg(rows)

	err := os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}
	err = cmd.writeCorrected(rows)
	if err != nil {
		return err
	}
	return cmd.writeLeads(rows)
}

// readAssocTable reads an association result table: feature_id
// variant_id distance nominal_p empirical_p slope, tab- or
// space-separated, with or without a header row. Rows with a missing
// empirical p are dropped and counted.
func readAssocTable(path, tag string) ([]*assocRow, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	scanner := newLineScanner(rdr)
	var rows []*assocRow
	lineno, missing := 0, 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("association row has %d fields, want 6", len(fields))}
		}
		if fields[0] == "feature_id" {
			continue
		}
		if fields[4] == naValue || fields[4] == "" {
			missing++
			continue
		}
		p, err := parseFloat(fields[4])
		if err != nil {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Column: "empirical_p", Detail: err.Error()}
		}
		rows = append(rows, &assocRow{
			Tag:        tag,
			FeatureID:  fields[0],
			VariantID:  fields[1],
			Distance:   fields[2],
			NominalP:   fields[3],
			EmpiricalP: p,
			Slope:      fields[5],
		})
	}
	if missing > 0 {
		log.Infof("%s: dropped %d rows with missing empirical p", path, missing)
	}
	return rows, scanner.Err()
}

// benjaminiHochberg fills in QValue for every row: q = p*n/rank over
// the pooled rows, made monotone non-decreasing in p by taking the
// running minimum from the largest p downward. Equal p values share a
// q; rank ties resolve by input order, which cannot change the result.
func benjaminiHochberg(rows []*assocRow) {
	n := len(rows)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rows[order[a]].EmpiricalP < rows[order[b]].EmpiricalP })
	qmin := 1.0
	for i := n - 1; i >= 0; i-- {
		q := rows[order[i]].EmpiricalP * float64(n) / float64(i+1)
		if q < qmin {
			qmin = q
		}
		rows[order[i]].QValue = qmin
	}
}

func (cmd *fdrcmd) writeCorrected(rows []*assocRow) error {
	out, err := createAtomic(filepath.Join(cmd.outputDir, "corrected.tsv"))
	if err != nil {
		return err
	}
	defer out.Abort()
	fmt.Fprintln(out, "source\tfeature_id\tvariant_id\tdistance\tnominal_p\tempirical_p\tslope\tq_value")
	for _, row := range rows {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Tag, row.FeatureID, row.VariantID, row.Distance, row.NominalP,
			formatRatio(row.EmpiricalP), row.Slope, formatRatio(row.QValue))
	}
	return out.Close()
}

// writeLeads picks the smallest empirical p per feature (stable on
// ties) and writes the lead table sorted by q.
func (cmd *fdrcmd) writeLeads(rows []*assocRow) error {
	leads := map[string]*assocRow{}
	var features []string
	for _, row := range rows {
		best, ok := leads[row.FeatureID]
		if !ok {
			leads[row.FeatureID] = row
			features = append(features, row.FeatureID)
		} else if row.EmpiricalP < best.EmpiricalP {
			leads[row.FeatureID] = row
		}
	}
	sort.SliceStable(features, func(a, b int) bool {
		return leads[features[a]].QValue < leads[features[b]].QValue
	})

	out, err := createAtomic(filepath.Join(cmd.outputDir, "leads.tsv"))
	if err != nil {
		return err
	}
	defer out.Abort()
	fmt.Fprintln(out, "source\tfeature_id\tvariant_id\tdistance\tnominal_p\tempirical_p\tslope\tq_value\tsignificant")
	nsig := 0
	for _, feature := range features {
		row := leads[feature]
		significant := row.QValue <= cmd.threshold
		if significant {
			nsig++
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
			row.Tag, row.FeatureID, row.VariantID, row.Distance, row.NominalP,
			formatRatio(row.EmpiricalP), row.Slope, formatRatio(row.QValue), significant)
	}
	log.Infof("%d of %d lead signals significant at q <= %g", nsig, len(features), cmd.threshold)
	return out.Close()
}
