// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

type normalizecmd struct {
	matrixFile     string
	featuresFile   string
	covariateFiles string
	outputDir      string
	outputNpy      bool
	projectUUID    string
	runLocal       bool
	priority       int
	thresholds     thresholds
}

func (cmd *normalizecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.matrixFile, "matrix", "", "collated edit-ratio matrix `file`")
	flags.StringVar(&cmd.featuresFile, "features", "", "feature coordinate table `file`")
	flags.StringVar(&cmd.covariateFiles, "covariates", "", "comma-separated covariate source `files` (individuals as rows, named columns)")
	flags.StringVar(&cmd.outputDir, "output-dir", "", "output `directory`")
	flags.BoolVar(&cmd.outputNpy, "output-npy", false, "also write the normalized matrix as a numpy .npy file")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	flags.IntVar(&cmd.priority, "priority", 500, "container request priority")
	cmd.thresholds = defaultThresholds()
	flags.IntVar(&cmd.thresholds.MinSamples, "min-samples", cmd.thresholds.MinSamples, "drop trait rows with fewer than `N` quantified individuals")
	flags.Float64Var(&cmd.thresholds.MaxDropRate, "max-drop-rate", cmd.thresholds.MaxDropRate, "abort if more than fraction `P` of trait rows drop")
	flags.IntVar(&cmd.thresholds.CisWindow, "cis-window", cmd.thresholds.CisWindow, "cis-window size in `bp` for the association runner")
	flags.IntVar(&cmd.thresholds.Permutations, "permutations", cmd.thresholds.Permutations, "permutation count `N` for the association runner")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.matrixFile == "" || cmd.featuresFile == "" || cmd.outputDir == "" {
		err = fmt.Errorf("cannot run without -matrix, -features, and -output-dir arguments")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	if !cmd.runLocal {
		client := arvados.NewClientFromEnv()
		runner := arvadosContainerRunner{
			Name:        "redqtl normalize",
			Client:      client,
			ProjectUUID: cmd.projectUUID,
			RAM:         16000000000,
			VCPUs:       2,
			Priority:    cmd.priority,
		}
		err = runner.TranslatePaths(&cmd.matrixFile, &cmd.featuresFile)
		if err != nil {
			return 1
		}
		covariates := strings.Split(cmd.covariateFiles, ",")
		for i := range covariates {
			if covariates[i] == "" {
				continue
			}
			err = runner.TranslatePaths(&covariates[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = []string{"normalize",
			"-local=true",
			"-loglevel=" + *loglevel,
			"-matrix=" + cmd.matrixFile,
			"-features=" + cmd.featuresFile,
			"-covariates=" + strings.Join(covariates, ","),
			"-output-dir=/mnt/output",
			fmt.Sprintf("-output-npy=%v", cmd.outputNpy),
			fmt.Sprintf("-min-samples=%d", cmd.thresholds.MinSamples),
			fmt.Sprintf("-max-drop-rate=%g", cmd.thresholds.MaxDropRate),
			fmt.Sprintf("-cis-window=%d", cmd.thresholds.CisWindow),
			fmt.Sprintf("-permutations=%d", cmd.thresholds.Permutations),
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

// traitMatrix is a wide trait table: one row per feature, one column
// per individual, NaN for missing cells.
type traitMatrix struct {
	individuals []string
	features    []string
	values      [][]float64
}

func readTraitMatrix(path string) (*traitMatrix, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	scanner := newLineScanner(rdr)
	m := &traitMatrix{}
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if m.individuals == nil {
			if len(fields) < 2 {
				return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: "matrix header needs an ID column and at least one individual"}
			}
			m.individuals = fields[1:]
			continue
		}
		if len(fields) != len(m.individuals)+1 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("row has %d fields, header has %d", len(fields), len(m.individuals)+1)}
		}
		row := make([]float64, len(m.individuals))
		for i, f := range fields[1:] {
			if f == naValue || f == "" {
				row[i] = math.NaN()
				continue
			}
			v, err := parseFloat(f)
			if err != nil {
				return nil, &schemaMismatchError{Path: path, Line: lineno, Column: fields[0], Detail: err.Error()}
			}
			row[i] = v
		}
		m.features = append(m.features, fields[0])
		m.values = append(m.values, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if m.individuals == nil {
		return nil, &schemaMismatchError{Path: path, Detail: "empty input, no header row"}
	}
	return m, nil
}

type featureCoord struct {
	Chr string
	Pos int
}

func readFeatureCoords(path string) (map[string]featureCoord, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	t, err := newTSVReader(path, rdr, "FeatureID", "Chr", "Pos")
	if err != nil {
		return nil, err
	}
	coords := map[string]featureCoord{}
	for t.Scan() {
		pos, err := t.Int("Pos")
		if err != nil {
			return nil, err
		}
		coords[t.Field("FeatureID")] = featureCoord{Chr: t.Field("Chr"), Pos: pos}
	}
	return coords, t.Err()
}

func (cmd *normalizecmd) run() error {
	matrix, err := readTraitMatrix(cmd.matrixFile)
	if err != nil {
		return err
	}
	coords, err := readFeatureCoords(cmd.featuresFile)
	if err != nil {
		return err
	}

	total := len(matrix.features)
	var keepFeatures []string
	var keepValues [][]float64
	for i, feature := range matrix.features {
		n := 0
		for _, v := range matrix.values[i] {
			if !math.IsNaN(v) {
				n++
			}
		}
		if n < cmd.thresholds.MinSamples {
			log.Infof("dropping %s: %d quantified individuals < %d", feature, n, cmd.thresholds.MinSamples)
			continue
		}
		if _, ok := coords[feature]; !ok {
			return &schemaMismatchError{Path: cmd.featuresFile, Column: "FeatureID", Detail: fmt.Sprintf("feature %s in matrix but not in feature table", feature)}
		}
		keepFeatures = append(keepFeatures, feature)
		keepValues = append(keepValues, inverseNormalTransform(matrix.values[i]))
	}
	dropped := total - len(keepFeatures)
	if total > 0 && float64(dropped)/float64(total) > cmd.thresholds.MaxDropRate {
		return &thresholdViolationError{Stage: "normalize", Dropped: dropped, Total: total, MaxRate: cmd.thresholds.MaxDropRate}
	}
	log.Infof("normalized %d of %d trait rows", len(keepFeatures), total)
	matrix.features, matrix.values = keepFeatures, keepValues

	err = os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}
	err = cmd.writePhenotypes(matrix, coords)
	if err != nil {
		return err
	}
	if cmd.covariateFiles != "" {
		err = cmd.writeCovariates(matrix.individuals)
		if err != nil {
			return err
		}
	}
	err = cmd.writeAssocParams()
	if err != nil {
		return err
	}
	if cmd.outputNpy {
		err = cmd.writeNpy(matrix)
		if err != nil {
			return err
		}
	}
	return nil
}

// inverseNormalTransform maps a row's non-missing values to normal
// quantiles by rank: ties get their average rank, and value becomes
// Φ⁻¹((rank − 0.5) / n). Missing cells stay missing.
func inverseNormalTransform(values []float64) []float64 {
	var idx []int
	for i, v := range values {
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })
	n := float64(len(idx))
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && values[idx[j]] == values[idx[i]] {
			j++
		}
		// Average 1-based rank across the tie run [i, j).
		rank := float64(i+j+1) / 2
		q := distuv.UnitNormal.Quantile((rank - 0.5) / n)
		for ; i < j; i++ {
			out[idx[i]] = q
		}
	}
	return out
}

func (cmd *normalizecmd) writePhenotypes(matrix *traitMatrix, coords map[string]featureCoord) error {
	order := make([]int, len(matrix.features))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := coords[matrix.features[order[a]]], coords[matrix.features[order[b]]]
		if ca.Chr != cb.Chr {
			return chromLess(ca.Chr, cb.Chr)
		}
		if ca.Pos != cb.Pos {
			return ca.Pos < cb.Pos
		}
		return matrix.features[order[a]] < matrix.features[order[b]]
	})

	out, err := createAtomic(filepath.Join(cmd.outputDir, "phenotypes.bed"))
	if err != nil {
		return err
	}
	defer out.Abort()
	fmt.Fprint(out, "#chr\tstart\tend\tfeature_id")
	for _, iid := range matrix.individuals {
		fmt.Fprintf(out, "\t%s", iid)
	}
	fmt.Fprint(out, "\n")
	for _, i := range order {
		c := coords[matrix.features[i]]
		fmt.Fprintf(out, "%s\t%d\t%d\t%s", c.Chr, c.Pos-1, c.Pos, matrix.features[i])
		for _, v := range matrix.values[i] {
			if math.IsNaN(v) {
				fmt.Fprintf(out, "\t%s", naValue)
			} else {
				fmt.Fprintf(out, "\t%s", formatRatio(v))
			}
		}
		fmt.Fprint(out, "\n")
	}
	return out.Close()
}

// writeCovariates outer-joins the covariate sources on individual ID
// and writes the merged matrix transposed, one covariate per row, in
// the matrix's individual column order.
func (cmd *normalizecmd) writeCovariates(individuals []string) error {
	var names []string
	values := map[string]map[string]float64{} // covariate -> individual -> value
	anyOverlap := false
	for _, path := range strings.Split(cmd.covariateFiles, ",") {
		if path == "" {
			continue
		}
		src, err := readCovariateSource(path)
		if err != nil {
			return err
		}
		for _, name := range src.names {
			names = append(names, name)
			values[name] = src.values[name]
		}
		for _, iid := range individuals {
			if _, ok := src.individuals[iid]; ok {
				anyOverlap = true
				break
			}
		}
	}
	if !anyOverlap {
		return fmt.Errorf("no overlap between matrix individuals and covariate individuals")
	}

	out, err := createAtomic(filepath.Join(cmd.outputDir, "covariates.tsv"))
	if err != nil {
		return err
	}
	defer out.Abort()
	fmt.Fprint(out, "id")
	for _, iid := range individuals {
		fmt.Fprintf(out, "\t%s", iid)
	}
	fmt.Fprint(out, "\n")
	written := 0
	for _, name := range names {
		if !hasVariation(values[name], individuals) {
			log.Warnf("dropping covariate %s: no variation across individuals", name)
			continue
		}
		fmt.Fprint(out, name)
		for _, iid := range individuals {
			if v, ok := values[name][iid]; ok {
				fmt.Fprintf(out, "\t%s", formatRatio(v))
			} else {
				fmt.Fprintf(out, "\t%s", naValue)
			}
		}
		fmt.Fprint(out, "\n")
		written++
	}
	log.Infof("wrote %d covariates for %d individuals", written, len(individuals))
	return out.Close()
}

func hasVariation(values map[string]float64, individuals []string) bool {
	first := math.NaN()
	for _, iid := range individuals {
		v, ok := values[iid]
		if !ok {
			continue
		}
		if math.IsNaN(first) {
			first = v
		} else if v != first {
			return true
		}
	}
	return false
}

type covariateSource struct {
	names       []string
	values      map[string]map[string]float64
	individuals map[string]bool
}

// readCovariateSource reads one covariate table: individuals as rows,
// first column the individual ID, remaining columns named covariates.
func readCovariateSource(path string) (*covariateSource, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	scanner := newLineScanner(rdr)
	src := &covariateSource{values: map[string]map[string]float64{}, individuals: map[string]bool{}}
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if src.names == nil {
			if len(fields) < 2 {
				return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: "covariate header needs an ID column and at least one covariate"}
			}
			src.names = fields[1:]
			for _, name := range src.names {
				src.values[name] = map[string]float64{}
			}
			continue
		}
		if len(fields) != len(src.names)+1 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("row has %d fields, header has %d", len(fields), len(src.names)+1)}
		}
		iid := fields[0]
		src.individuals[iid] = true
		for i, f := range fields[1:] {
			if f == naValue || f == "" {
				continue
			}
			v, err := parseFloat(f)
			if err != nil {
				return nil, &schemaMismatchError{Path: path, Line: lineno, Column: src.names[i], Detail: err.Error()}
			}
			src.values[src.names[i]][iid] = v
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if src.names == nil {
		return nil, &schemaMismatchError{Path: path, Detail: "empty input, no header row"}
	}
	return src, nil
}

func (cmd *normalizecmd) writeAssocParams() error {
	out, err := createAtomic(filepath.Join(cmd.outputDir, "assoc-params.json"))
	if err != nil {
		return err
	}
	defer out.Abort()
	err = json.NewEncoder(out).Encode(map[string]interface{}{
		"cis_window":   cmd.thresholds.CisWindow,
		"permutations": cmd.thresholds.Permutations,
	})
	if err != nil {
		return err
	}
	return out.Close()
}

func (cmd *normalizecmd) writeNpy(matrix *traitMatrix) error {
	out, err := createAtomic(filepath.Join(cmd.outputDir, "phenotypes.npy"))
	if err != nil {
		return err
	}
	defer out.Abort()
	npw, err := gonpy.NewWriter(nopCloser{out})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(matrix.features), len(matrix.individuals)}
	flat := make([]float64, 0, len(matrix.features)*len(matrix.individuals))
	for _, row := range matrix.values {
		flat = append(flat, row...)
	}
	err = npw.WriteFloat64(flat)
	if err != nil {
		return err
	}
	return out.Close()
}
