// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type requantcmd struct {
	consensusDir     string
	pileupDir        string
	bamDir           string
	refFile          string
	outputDir        string
	useSamtools      bool
	tolerateFailures bool
	projectUUID      string
	runLocal         bool
	thresholds       thresholds
	batchArgs

	manifestMtx sync.Mutex
	manifest    []string
}

// requantStatus values recorded per output row. Only statusPass rows
// are consumable downstream.
const (
	statusPass        = "PASS"
	statusLowCoverage = "LowCoverage"
	statusLowSupport  = "LowSupport"
)

func (cmd *requantcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.consensusDir, "consensus-dir", "", "`directory` with per-individual consensus tables")
	flags.StringVar(&cmd.pileupDir, "pileup-dir", "", "`directory` with pre-computed per-(individual,cell-type) pileup tables")
	flags.StringVar(&cmd.bamDir, "bam-dir", "", "`directory` with per-(individual,cell-type) BAM files (with -samtools)")
	flags.StringVar(&cmd.refFile, "ref", "", "reference fasta `file` (with -samtools)")
	flags.StringVar(&cmd.outputDir, "output-dir", "", "output `directory`")
	flags.BoolVar(&cmd.useSamtools, "samtools", false, "compute pileups by invoking samtools mpileup on BAM files")
	flags.BoolVar(&cmd.tolerateFailures, "tolerate-failures", false, "record failed individuals in the manifest and continue")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	cmd.thresholds = defaultThresholds()
	cmd.thresholds.CoverageFlags(flags)
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
	} else if cmd.consensusDir == "" || cmd.outputDir == "" {
		err = fmt.Errorf("cannot run without -consensus-dir and -output-dir arguments")
		return 2
	} else if cmd.useSamtools && (cmd.bamDir == "" || cmd.refFile == "") {
		err = fmt.Errorf("cannot run -samtools without -bam-dir and -ref arguments")
		return 2
	} else if !cmd.useSamtools && cmd.pileupDir == "" {
		err = fmt.Errorf("cannot run without a -pileup-dir argument (or -samtools)")
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

func (cmd *requantcmd) runBatches(stdout io.Writer, priority int, loglevel string) error {
	client := arvados.NewClientFromEnv()
	runner := arvadosContainerRunner{
		Name:        "redqtl requant",
		Client:      client,
		ProjectUUID: cmd.projectUUID,
		RAM:         16000000000,
		VCPUs:       8,
		Priority:    priority,
	}
	paths := []*string{&cmd.consensusDir}
	if cmd.useSamtools {
		paths = append(paths, &cmd.bamDir, &cmd.refFile)
	} else {
		paths = append(paths, &cmd.pileupDir)
	}
	err := runner.TranslatePaths(paths...)
	if err != nil {
		return err
	}
	outputs, err := cmd.batchArgs.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		runner := runner
		runner.Name += fmt.Sprintf(" (batch %d of %d)", batch, cmd.batches)
		runner.Args = append([]string{"requant",
			"-local=true",
			"-loglevel=" + loglevel,
			"-consensus-dir=" + cmd.consensusDir,
			"-pileup-dir=" + cmd.pileupDir,
			"-bam-dir=" + cmd.bamDir,
			"-ref=" + cmd.refFile,
			"-output-dir=/mnt/output",
			fmt.Sprintf("-samtools=%v", cmd.useSamtools),
			fmt.Sprintf("-tolerate-failures=%v", cmd.tolerateFailures),
		}, cmd.thresholds.CoverageArgs()...)
		runner.Args = append(runner.Args, cmd.batchArgs.Args(batch)...)
		return runner.RunContext(ctx)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, strings.Join(outputs, " "))
	return nil
}

func (cmd *requantcmd) run() error {
	files, err := allFiles(cmd.consensusDir, func(name string) bool {
		return strings.HasSuffix(name, "_consensus.tsv") || strings.HasSuffix(name, "_consensus.tsv.gz")
	})
	if err != nil {
		return &missingInputError{Path: cmd.consensusDir, Err: err}
	}
	if len(files) == 0 {
		return &missingInputError{Path: cmd.consensusDir, Err: fmt.Errorf("no consensus tables")}
	}
	files = cmd.batchArgs.Slice(files)
	log.Infof("re-quantifying %d individuals", len(files))

	err = os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}

	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for _, path := range files {
		path := path
		iid := filepath.Base(path)
		iid = strings.TrimSuffix(strings.TrimSuffix(iid, ".gz"), ".tsv")
		iid = strings.TrimSuffix(iid, "_consensus")
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			outPath, err := cmd.runIndividual(iid, path)
			if err != nil && cmd.tolerateFailures {
				if _, systemic := err.(*thresholdViolationError); !systemic {
					log.Errorf("%s: %s", iid, err)
					cmd.addManifest(iid, "failed", "")
					return
				}
			}
			if err == nil {
				cmd.addManifest(iid, "ok", outPath)
			}
			throttle.Report(err)
		}()
	}
	err = throttle.Wait()
	if err != nil {
		return err
	}
	return cmd.writeManifest()
}

func (cmd *requantcmd) addManifest(iid, state, path string) {
	cmd.manifestMtx.Lock()
	defer cmd.manifestMtx.Unlock()
	cmd.manifest = append(cmd.manifest, iid+"\t"+state+"\t"+path)
}

func (cmd *requantcmd) writeManifest() error {
	name := "manifest.txt"
	if cmd.batch >= 0 {
		name = fmt.Sprintf("manifest_batch%d.txt", cmd.batch)
	}
	sort.Strings(cmd.manifest)
	out, err := createAtomic(filepath.Join(cmd.outputDir, name))
	if err != nil {
		return err
	}
	defer out.Abort()
	for _, line := range cmd.manifest {
		fmt.Fprintln(out, line)
	}
	return out.Close()
}

type requantSite struct {
	editSite
	Gene string
}

func (cmd *requantcmd) runIndividual(iid, consensusPath string) (string, error) {
	sites, cellTypes, err := readConsensusTable(consensusPath)
	if err != nil {
		return "", err
	}

	outPath := filepath.Join(cmd.outputDir, iid+"_requant.tsv")
	out, err := createAtomic(outPath)
	if err != nil {
		return "", err
	}
	defer out.Abort()
	fmt.Fprintln(out, "SiteID\tChr\tPos\tRef\tAlt\tGene\tCellType\tTotalReads\tVariantReads\tEditRatio\tStatus")

	total, dropped := 0, 0
	for _, ct := range cellTypes {
		counts, err := cmd.pileupCounts(iid, ct, sites)
		if err != nil {
			return "", err
		}
		for _, site := range sites {
			c := counts[site.editSite]
			status := statusPass
			switch {
			case c.total < cmd.thresholds.MinDepth:
				status = statusLowCoverage
			case c.variant < cmd.thresholds.MinEditReads:
				status = statusLowSupport
			}
			total++
			if status != statusPass {
				dropped++
			}
			ratio := naValue
			if c.total > 0 {
				ratio = formatRatio(float64(c.variant) / float64(c.total))
			}
			fmt.Fprintf(out, "%s\t%s\t%d\t%c\t%c\t%s\t%s\t%d\t%d\t%s\t%s\n",
				site.ID(), site.Chr, site.Pos, site.Ref, site.Alt, site.Gene, ct,
				c.total, c.variant, ratio, status)
		}
	}
	if total > 0 && float64(dropped)/float64(total) > cmd.thresholds.MaxDropRate {
		return "", &thresholdViolationError{Stage: "requant " + iid, Dropped: dropped, Total: total, MaxRate: cmd.thresholds.MaxDropRate}
	}
	log.Infof("%s: %d of %d (site, cell type) pairs pass re-quantification", iid, total-dropped, total)
	return outPath, out.Close()
}

// readConsensusTable loads the sites and the cell-type column names
// from a consensus table. Zero rows is a valid (empty) result.
func readConsensusTable(path string) ([]requantSite, []string, error) {
	rdr, err := zopen(path)
	if err != nil {
		return nil, nil, &missingInputError{Path: path, Err: err}
	}
	defer rdr.Close()
	t, err := newTSVReader(path, rdr, "SiteID", "Chr", "Pos", "Ref", "Alt", "Gene", "Known")
	if err != nil {
		return nil, nil, err
	}
	fixed := map[string]bool{"SiteID": true, "Chr": true, "Pos": true, "Ref": true, "Alt": true, "Strand": true, "Gene": true, "Region": true, "Known": true}
	var cellTypes []string
	for _, col := range t.Columns() {
		if !fixed[col] {
			cellTypes = append(cellTypes, col)
		}
	}
	var sites []requantSite
	for t.Scan() {
		site, err := parseSiteID(t.Field("SiteID"))
		if err != nil {
			return nil, nil, &schemaMismatchError{Path: path, Line: t.line, Column: "SiteID", Detail: err.Error()}
		}
		sites = append(sites, requantSite{editSite: site, Gene: t.Field("Gene")})
	}
	return sites, cellTypes, t.Err()
}

type alleleCounts struct {
	total   int
	variant int
}

func (cmd *requantcmd) pileupCounts(iid, ct string, sites []requantSite) (map[editSite]alleleCounts, error) {
	want := map[string]map[int][]requantSite{}
	for _, site := range sites {
		chrom := strings.TrimPrefix(site.Chr, "chr")
		if want[chrom] == nil {
			want[chrom] = map[int][]requantSite{}
		}
		want[chrom][site.Pos] = append(want[chrom][site.Pos], site)
	}
	counts := map[editSite]alleleCounts{}
	scanLine := func(line string, lineno int, path string) error {
		fields := strings.Split(line, "\t")
		if len(fields) < 6 {
			return &schemaMismatchError{Path: path, Line: lineno, Detail: fmt.Sprintf("pileup row has %d fields, want 6", len(fields))}
		}
		positions, ok := want[strings.TrimPrefix(fields[0], "chr")]
		if !ok {
			return nil
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return &schemaMismatchError{Path: path, Line: lineno, Column: "pos", Detail: err.Error()}
		}
		matched, ok := positions[pos]
		if !ok {
			return nil
		}
		for _, site := range matched {
			counts[site.editSite] = countBases(fields[4], fields[5], site.Alt, cmd.thresholds.MinQuality)
		}
		return nil
	}

	if cmd.useSamtools {
		return counts, cmd.streamSamtools(iid, ct, scanLine)
	}
	path := filepath.Join(cmd.pileupDir, iid+"_"+ct+".pileup")
	rdr, err := zopen(path)
	if err != nil {
		path += ".gz"
		rdr, err = zopen(path)
	}
	if err != nil {
		return nil, &missingInputError{Path: filepath.Join(cmd.pileupDir, iid+"_"+ct+".pileup"), Err: err}
	}
	defer rdr.Close()
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	for scanner.Scan() {
		lineno++
		if err := scanLine(scanner.Text(), lineno, path); err != nil {
			return nil, err
		}
	}
	return counts, scanner.Err()
}

// streamSamtools pipes `samtools mpileup` output for one BAM through
// the given per-line callback.
func (cmd *requantcmd) streamSamtools(iid, ct string, scanLine func(line string, lineno int, path string) error) error {
	bam := filepath.Join(cmd.bamDir, iid+"_"+ct+".bam")
	if _, err := os.Stat(bam); err != nil {
		return &missingInputError{Path: bam, Err: err}
	}
	args := []string{"samtools", "mpileup",
		"-Q", strconv.Itoa(cmd.thresholds.MinQuality),
		"-f", cmd.refFile,
		bam}
	if out, err := exec.Command("docker", "image", "ls", "-q", "redqtl-runtime").Output(); err == nil && len(out) > 0 {
		args = append([]string{
			"docker", "run", "--rm",
			"--log-driver=none",
			"--volume=" + bam + ":" + bam + ":ro",
			"--volume=" + cmd.refFile + ":" + cmd.refFile + ":ro",
			"redqtl-runtime",
		}, args...)
	}
	mpileup := exec.Command(args[0], args[1:]...)
	mpileup.Stderr = os.Stderr
	stdout, err := mpileup.StdoutPipe()
	if err != nil {
		return err
	}
	err = mpileup.Start()
	if err != nil {
		return err
	}
	defer mpileup.Wait()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	for scanner.Scan() {
		lineno++
		if err := scanLine(scanner.Text(), lineno, bam); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return mpileup.Wait()
}

// countBases walks an mpileup read-base string in lockstep with its
// base-quality string, counting quality-passing reads and those
// supporting the given alternate base.
func countBases(bases, quals string, alt byte, minQuality int) alleleCounts {
	var c alleleCounts
	qi := 0
	countable := func() bool {
		ok := qi < len(quals) && int(quals[qi])-33 >= minQuality
		qi++
		return ok
	}
	for i := 0; i < len(bases); i++ {
		switch b := bases[i]; b {
		case '^':
			// Read start; next byte is mapping quality, not a base.
			i++
		case '$':
		case '+', '-':
			// Indel: skip the length digits and that many bases.
			n := 0
			for i+1 < len(bases) && bases[i+1] >= '0' && bases[i+1] <= '9' {
				n = n*10 + int(bases[i+1]-'0')
				i++
			}
			i += n
		case '*', '#', '>', '<':
			// Deletion or reference skip; consumes a quality but
			// is not a counted base.
			qi++
		case '.', ',':
			if countable() {
				c.total++
			}
		default:
			if countable() {
				c.total++
				if b == alt || b == alt+'a'-'A' {
					c.variant++
				}
			}
		}
	}
	return c
}
