// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type collatecmd struct {
	inputDir         string
	manifestGlob     string
	outputDir        string
	tolerateFailures bool
	projectUUID      string
	runLocal         bool
	priority         int

	mtx    sync.Mutex
	ratios map[traitKey]map[string]float64 // (gene, cell type, site) -> individual -> edit ratio
	coords map[editSite]bool
}

type traitKey struct {
	Gene     string
	CellType string
	Site     editSite
}

func (cmd *collatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputDir, "input-dir", "", "input `directory` with per-individual requant tables")
	flags.StringVar(&cmd.manifestGlob, "manifest", "manifest*.txt", "manifest file name `glob` under the input directory (empty = no manifest, discover tables)")
	flags.StringVar(&cmd.outputDir, "output-dir", "", "output `directory`")
	flags.BoolVar(&cmd.tolerateFailures, "tolerate-failures", false, "quarantine failed individuals instead of aborting")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	flags.IntVar(&cmd.priority, "priority", 500, "container request priority")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
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
			Name:        "redqtl collate",
			Client:      client,
			ProjectUUID: cmd.projectUUID,
			RAM:         32000000000,
			VCPUs:       8,
			Priority:    cmd.priority,
		}
		err = runner.TranslatePaths(&cmd.inputDir)
		if err != nil {
			return 1
		}
		runner.Args = []string{"collate",
			"-local=true",
			"-loglevel=" + *loglevel,
			"-input-dir=" + cmd.inputDir,
			"-manifest=" + cmd.manifestGlob,
			"-output-dir=/mnt/output",
			fmt.Sprintf("-tolerate-failures=%v", cmd.tolerateFailures),
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

func (cmd *collatecmd) run() error {
	tables, excluded, err := cmd.resolveInputs()
	if err != nil {
		return err
	}
	log.Infof("collating %d individuals (%d excluded)", len(tables), len(excluded))

	err = os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}
	if len(excluded) > 0 {
		out, err := createAtomic(filepath.Join(cmd.outputDir, "excluded.txt"))
		if err != nil {
			return err
		}
		defer out.Abort()
		for _, iid := range excluded {
			fmt.Fprintln(out, iid)
		}
		err = out.Close()
		if err != nil {
			return err
		}
	}

	cmd.ratios = map[traitKey]map[string]float64{}
	cmd.coords = map[editSite]bool{}
	var individuals []string
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for iid, path := range tables {
		iid, path := iid, path
		individuals = append(individuals, iid)
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			throttle.Report(cmd.ingest(iid, path))
		}()
	}
	err = throttle.Wait()
	if err != nil {
		return err
	}
	sort.Strings(individuals)

	return cmd.writeOutputs(individuals)
}

// resolveInputs returns individual -> requant table path, honoring
// manifests when present, plus the list of quarantined individuals.
func (cmd *collatecmd) resolveInputs() (map[string]string, []string, error) {
	tables := map[string]string{}
	var excluded []string
	var manifests []string
	if cmd.manifestGlob != "" {
		var err error
		manifests, err = allFiles(cmd.inputDir, func(name string) bool {
			ok, _ := filepath.Match(cmd.manifestGlob, name)
			return ok
		})
		if err != nil {
			return nil, nil, &missingInputError{Path: cmd.inputDir, Err: err}
		}
	}
	if len(manifests) == 0 {
		// No scheduling-layer manifest: every table present is
		// taken to be complete.
		files, err := allFiles(cmd.inputDir, func(name string) bool {
			return strings.HasSuffix(name, "_requant.tsv") || strings.HasSuffix(name, "_requant.tsv.gz")
		})
		if err != nil {
			return nil, nil, &missingInputError{Path: cmd.inputDir, Err: err}
		}
		for _, path := range files {
			iid := filepath.Base(path)
			iid = strings.TrimSuffix(strings.TrimSuffix(iid, ".gz"), ".tsv")
			tables[strings.TrimSuffix(iid, "_requant")] = path
		}
		if len(tables) == 0 {
			return nil, nil, &missingInputError{Path: cmd.inputDir, Err: fmt.Errorf("no requant tables")}
		}
		return tables, nil, nil
	}
	for _, mpath := range manifests {
		rdr, err := zopen(mpath)
		if err != nil {
			return nil, nil, &missingInputError{Path: mpath, Err: err}
		}
		t, err := func() (map[string]string, error) {
			defer rdr.Close()
			return parseManifest(mpath, rdr, func(iid, state string) error {
				if state == "ok" {
					return nil
				}
				if !cmd.tolerateFailures {
					return fmt.Errorf("%s: individual %s has state %q (use -tolerate-failures to quarantine)", mpath, iid, state)
				}
				log.Warnf("quarantining individual %s (state %q)", iid, state)
				excluded = append(excluded, iid)
				return nil
			})
		}()
		if err != nil {
			return nil, nil, err
		}
		for iid, path := range t {
			if path == "" {
				path = filepath.Join(cmd.inputDir, iid+"_requant.tsv")
			}
			tables[iid] = path
		}
	}
	if len(tables) == 0 {
		return nil, nil, &missingInputError{Path: cmd.inputDir, Err: fmt.Errorf("manifest lists no usable individuals")}
	}
	sort.Strings(excluded)
	return tables, excluded, nil
}

// parseManifest reads IID <tab> state <tab> path lines, calling
// onState for every entry and returning the ok entries.
func parseManifest(path string, rdr io.Reader, onState func(iid, state string) error) (map[string]string, error) {
	tables := map[string]string{}
	scanner := newLineScanner(rdr)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, &schemaMismatchError{Path: path, Line: lineno, Detail: "manifest row needs IID and state fields"}
		}
		iid, state := fields[0], fields[1]
		if err := onState(iid, state); err != nil {
			return nil, err
		}
		if state != "ok" {
			continue
		}
		if len(fields) > 2 {
			tables[iid] = fields[2]
		} else {
			tables[iid] = ""
		}
	}
	return tables, scanner.Err()
}

func (cmd *collatecmd) ingest(iid, path string) error {
	rdr, err := zopen(path)
	if err != nil {
		return &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	t, err := newTSVReader(path, rdr, "SiteID", "Gene", "CellType", "EditRatio", "Status")
	if err != nil {
		return err
	}
	n := 0
	for t.Scan() {
		if t.Field("Status") != statusPass {
			continue
		}
		site, err := parseSiteID(t.Field("SiteID"))
		if err != nil {
			return &schemaMismatchError{Path: path, Line: t.line, Column: "SiteID", Detail: err.Error()}
		}
		ratio, err := t.Float("EditRatio")
		if err != nil {
			return err
		}
		key := traitKey{Gene: t.Field("Gene"), CellType: t.Field("CellType"), Site: site}
		cmd.mtx.Lock()
		if cmd.ratios[key] == nil {
			cmd.ratios[key] = map[string]float64{}
		}
		cmd.ratios[key][iid] = ratio
		cmd.coords[site] = true
		cmd.mtx.Unlock()
		n++
	}
	if err := t.Err(); err != nil {
		return err
	}
	log.Debugf("%s: %d passing rows", iid, n)
	return nil
}

// populationMedian returns the conventional median of an ascending
// slice: the middle element, or the mean of the two middle elements
// when the count is even.
func populationMedian(sorted []float64) float64 {
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return stat.Mean(sorted[mid-1:mid+1], nil)
	}
	return sorted[mid]
}

type featureRow struct {
	FeatureID string
	Site      editSite
	N         int
	values    map[string]float64
}

// selectFeatures picks, for each (gene, cell type), the representative
// site with the highest population median edit ratio; ties go to the
// lowest genomic coordinate.
func (cmd *collatecmd) selectFeatures() []featureRow {
	type group struct {
		best   traitKey
		median float64
	}
	groups := map[[2]string]*group{}
	for key, values := range cmd.ratios {
		sorted := make([]float64, 0, len(values))
		for _, v := range values {
			sorted = append(sorted, v)
		}
		sort.Float64s(sorted)
		median := populationMedian(sorted)
		gk := [2]string{key.Gene, key.CellType}
		g := groups[gk]
		switch {
		case g == nil:
			groups[gk] = &group{best: key, median: median}
		case median > g.median, median == g.median && key.Site.less(g.best.Site):
			g.best, g.median = key, median
		}
	}
	var rows []featureRow
	for gk, g := range groups {
		values := cmd.ratios[g.best]
		rows = append(rows, featureRow{
			FeatureID: gk[0] + "__" + gk[1],
			Site:      g.best.Site,
			N:         len(values),
			values:    values,
		})
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].FeatureID < rows[b].FeatureID })
	return rows
}

func (cmd *collatecmd) writeOutputs(individuals []string) error {
	rows := cmd.selectFeatures()
	log.Infof("%d features selected from %d candidate traits", len(rows), len(cmd.ratios))

	matrix, err := createAtomic(filepath.Join(cmd.outputDir, "matrix.tsv"))
	if err != nil {
		return err
	}
	defer matrix.Abort()
	fmt.Fprint(matrix, "FeatureID")
	for _, iid := range individuals {
		fmt.Fprintf(matrix, "\t%s", iid)
	}
	fmt.Fprint(matrix, "\n")
	for _, row := range rows {
		fmt.Fprint(matrix, row.FeatureID)
		for _, iid := range individuals {
			if v, ok := row.values[iid]; ok {
				fmt.Fprintf(matrix, "\t%s", formatRatio(v))
			} else {
				fmt.Fprintf(matrix, "\t%s", naValue)
			}
		}
		fmt.Fprint(matrix, "\n")
	}
	err = matrix.Close()
	if err != nil {
		return err
	}

	features, err := createAtomic(filepath.Join(cmd.outputDir, "features.tsv"))
	if err != nil {
		return err
	}
	defer features.Abort()
	fmt.Fprintln(features, "FeatureID\tChr\tPos\tSiteID\tN")
	for _, row := range rows {
		fmt.Fprintf(features, "%s\t%s\t%d\t%s\t%d\n", row.FeatureID, row.Site.Chr, row.Site.Pos, row.Site.ID(), row.N)
	}
	return features.Close()
}
