// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"context"
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

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type consensuscmd struct {
	inputDir      string
	outputDir     string
	knownFile     string
	gtfFile       string
	blacklistFile string
	germlineDir   string
	requireKnown  bool
	requireUTR3   bool
	projectUUID   string
	runLocal      bool
	thresholds    thresholds
	batchArgs

	known     *intervalSet
	blacklist *intervalSet
	genes     *geneModel
}

func (cmd *consensuscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputDir, "input-dir", "", "input `directory` with per-individual raw caller tables")
	flags.StringVar(&cmd.outputDir, "output-dir", "", "output `directory`")
	flags.StringVar(&cmd.knownFile, "known-sites", "", "known editing sites BED `file`")
	flags.StringVar(&cmd.gtfFile, "gtf", "", "gene annotation GTF `file`")
	flags.StringVar(&cmd.blacklistFile, "blacklist", "", "blacklist BED `file` (optional)")
	flags.StringVar(&cmd.germlineDir, "germline-dir", "", "`directory` with per-individual germline variant tables")
	flags.BoolVar(&cmd.requireKnown, "require-known", true, "keep only sites present in the known-sites catalog")
	flags.BoolVar(&cmd.requireUTR3, "require-utr3", true, "keep only sites annotated in a 3'UTR")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	cmd.thresholds = defaultThresholds()
	cmd.thresholds.CallerFlags(flags)
	cmd.batchArgs.Flags(flags)
	priority := flags.Int("priority", 500, "container request priority")
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
	} else if cmd.knownFile == "" || cmd.gtfFile == "" || cmd.germlineDir == "" {
		err = fmt.Errorf("cannot run without -known-sites, -gtf, and -germline-dir arguments")
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
		err = cmd.runBatches(stdout, *priority, *loglevel)
		if err != nil {
			return 1
		}
		return 0
	}

	err = cmd.run()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *consensuscmd) runBatches(stdout io.Writer, priority int, loglevel string) error {
	client := arvados.NewClientFromEnv()
	runner := arvadosContainerRunner{
		Name:        "redqtl consensus",
		Client:      client,
		ProjectUUID: cmd.projectUUID,
		RAM:         16000000000,
		VCPUs:       8,
		Priority:    priority,
	}
	err := runner.TranslatePaths(&cmd.inputDir, &cmd.knownFile, &cmd.gtfFile, &cmd.germlineDir)
	if err != nil {
		return err
	}
	if cmd.blacklistFile != "" {
		err = runner.TranslatePaths(&cmd.blacklistFile)
		if err != nil {
			return err
		}
	}
	outputs, err := cmd.batchArgs.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		runner := runner
		runner.Name += fmt.Sprintf(" (batch %d of %d)", batch, cmd.batches)
		runner.Args = append([]string{"consensus",
			"-local=true",
			"-loglevel=" + loglevel,
			"-input-dir=" + cmd.inputDir,
			"-output-dir=/mnt/output",
			"-known-sites=" + cmd.knownFile,
			"-gtf=" + cmd.gtfFile,
			"-blacklist=" + cmd.blacklistFile,
			"-germline-dir=" + cmd.germlineDir,
			fmt.Sprintf("-require-known=%v", cmd.requireKnown),
			fmt.Sprintf("-require-utr3=%v", cmd.requireUTR3),
		}, cmd.thresholds.CallerArgs()...)
		runner.Args = append(runner.Args, cmd.batchArgs.Args(batch)...)
		return runner.RunContext(ctx)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, strings.Join(outputs, " "))
	return nil
}

func (cmd *consensuscmd) run() error {
	var err error
	cmd.known, err = loadBED(cmd.knownFile)
	if err != nil {
		return err
	}
	log.Infof("known-sites catalog: %d intervals", cmd.known.Len())
	cmd.genes, err = loadGTF(cmd.gtfFile)
	if err != nil {
		return err
	}
	if cmd.blacklistFile != "" {
		cmd.blacklist, err = loadBED(cmd.blacklistFile)
		if err != nil {
			return err
		}
		log.Infof("blacklist: %d intervals", cmd.blacklist.Len())
	}

	individuals, err := cmd.discoverIndividuals()
	if err != nil {
		return err
	}
	individuals = cmd.batchArgs.Slice(individuals)
	log.Infof("processing %d individuals", len(individuals))

	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for _, iid := range individuals {
		iid := iid
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			throttle.Report(cmd.runIndividual(iid))
		}()
	}
	return throttle.Wait()
}

// discoverIndividuals lists the per-individual subdirectories of the
// input dir, sorted.
func (cmd *consensuscmd) discoverIndividuals() ([]string, error) {
	d, err := open(cmd.inputDir)
	if err != nil {
		return nil, &missingInputError{Path: cmd.inputDir, Err: err}
	}
	defer d.Close()
	fis, err := d.Readdir(-1)
	if err != nil {
		return nil, err
	}
	var individuals []string
	for _, fi := range fis {
		if fi.IsDir() {
			individuals = append(individuals, fi.Name())
		}
	}
	if len(individuals) == 0 {
		return nil, &missingInputError{Path: cmd.inputDir, Err: fmt.Errorf("no per-individual subdirectories")}
	}
	sort.Strings(individuals)
	return individuals, nil
}

// callerFiles maps cell type to the raw table path for one caller.
func callerFiles(files []string, iid, tool string) map[string]string {
	out := map[string]string{}
	for _, path := range files {
		name := filepath.Base(path)
		name = strings.TrimSuffix(name, ".gz")
		name = strings.TrimSuffix(name, ".tsv")
		if !strings.HasPrefix(name, iid+"_") || !strings.HasSuffix(name, "_"+tool+"_raw") {
			continue
		}
		ct := name[len(iid)+1 : len(name)-len(tool)-5]
		if ct != "" {
			out[ct] = path
		}
	}
	return out
}

func (cmd *consensuscmd) runIndividual(iid string) error {
	files, err := allFiles(filepath.Join(cmd.inputDir, iid), nil)
	if err != nil {
		return &missingInputError{Path: filepath.Join(cmd.inputDir, iid), Err: err}
	}
	redml := callerFiles(files, iid, "redml")
	reditools := callerFiles(files, iid, "reditools")
	if len(redml) == 0 && len(reditools) == 0 {
		return &missingInputError{Path: filepath.Join(cmd.inputDir, iid), Err: fmt.Errorf("no raw caller tables for %s", iid)}
	}
	var cellTypes []string
	for ct := range redml {
		if _, ok := reditools[ct]; !ok {
			return &missingInputError{Path: filepath.Join(cmd.inputDir, iid), Err: fmt.Errorf("cell type %s has a redml table but no reditools table", ct)}
		}
		cellTypes = append(cellTypes, ct)
	}
	for ct := range reditools {
		if _, ok := redml[ct]; !ok {
			return &missingInputError{Path: filepath.Join(cmd.inputDir, iid), Err: fmt.Errorf("cell type %s has a reditools table but no redml table", ct)}
		}
	}
	sort.Strings(cellTypes)

	germline, err := loadGermline(filepath.Join(cmd.germlineDir, iid+"_germline.tsv"))
	if err != nil {
		// An uncompressed table might be stored gzipped, or vice
		// versa.
		if alt, err2 := loadGermline(filepath.Join(cmd.germlineDir, iid+"_germline.tsv.gz")); err2 == nil {
			germline, err = alt, nil
		} else {
			return err
		}
	}

	type consensusRow struct {
		editSite
		Strand byte
		Gene   string
		Region int
		Known  bool
		Level  map[string]float64 // cell type -> mean raw edit level
	}
	rows := map[editSite]*consensusRow{}
	candidates, kept := 0, 0
	for _, ct := range cellTypes {
		a, err := cmd.loadCalls(redml[ct], parseREDMLTable)
		if err != nil {
			return err
		}
		b, err := cmd.loadCalls(reditools[ct], parseREDItoolsTable)
		if err != nil {
			return err
		}
		candidates += len(a) + len(b)
		for site, ca := range a {
			cb, ok := b[site]
			if !ok {
				continue
			}
			row := rows[site]
			if row == nil {
				gene, region := cmd.genes.annotate(site.Chr, site.Pos)
				row = &consensusRow{
					editSite: site,
					Strand:   cb.Strand,
					Gene:     gene,
					Region:   region,
					Known:    cmd.known.Contains(site.Chr, site.Pos),
					Level:    map[string]float64{},
				}
				rows[site] = row
			}
			row.Level[ct] = (ca.EditLevel + cb.EditLevel) / 2
		}
	}

	var keep []*consensusRow
	for _, row := range rows {
		switch {
		case cmd.requireKnown && !row.Known:
		case cmd.requireUTR3 && row.Region != regionUTR3:
		case germline.Contains(row.Chr, row.Pos):
		case cmd.blacklist != nil && cmd.blacklist.Contains(row.Chr, row.Pos):
		default:
			if d := cmd.genes.spliceDistance(row.Chr, row.Pos); d >= 0 && d <= cmd.thresholds.SpliceDist {
				continue
			}
			keep = append(keep, row)
			kept++
		}
	}
	sort.Slice(keep, func(a, b int) bool { return keep[a].editSite.less(keep[b].editSite) })
	log.Infof("%s: %d candidate calls, %d consensus sites, %d kept", iid, candidates, len(rows), kept)
	if kept == 0 {
		log.Warnf("%s: no sites survived filtering, writing empty table", iid)
	}

	err = os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}
	out, err := createAtomic(filepath.Join(cmd.outputDir, iid+"_consensus.tsv"))
	if err != nil {
		return err
	}
	defer out.Abort()
	fmt.Fprint(out, "SiteID\tChr\tPos\tRef\tAlt\tStrand\tGene\tRegion\tKnown")
	for _, ct := range cellTypes {
		fmt.Fprintf(out, "\t%s", ct)
	}
	fmt.Fprint(out, "\n")
	for _, row := range keep {
		fmt.Fprintf(out, "%s\t%s\t%d\t%c\t%c\t%c\t%s\t%s\t%v",
			row.ID(), row.Chr, row.Pos, row.Ref, row.Alt, row.Strand, row.Gene, regionName(row.Region), row.Known)
		for _, ct := range cellTypes {
			if level, ok := row.Level[ct]; ok {
				fmt.Fprintf(out, "\t%s", formatRatio(level))
			} else {
				fmt.Fprintf(out, "\t%s", naValue)
			}
		}
		fmt.Fprint(out, "\n")
	}
	return out.Close()
}

// loadCalls parses one raw caller table and filters to canonical calls
// meeting the minimum edit level, keyed by site.
func (cmd *consensuscmd) loadCalls(path string, parse func(string, io.Reader) ([]siteCall, error)) (map[editSite]siteCall, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	calls, err := parse(path, rdr)
	if err != nil {
		return nil, err
	}
	out := map[editSite]siteCall{}
	for _, call := range calls {
		if !call.isCanonical() || call.EditLevel < cmd.thresholds.MinEditLevel {
			continue
		}
		out[call.editSite] = call
	}
	return out, nil
}
