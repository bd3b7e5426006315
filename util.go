// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// atomicFile writes to a temporary file alongside path and renames it
// into place at Close, so a stage that dies partway through never
// leaves a truncated table where the real output belongs.
type atomicFile struct {
	f    *os.File
	w    *bufio.Writer
	path string
	done bool
}

func createAtomic(path string) (*atomicFile, error) {
	f, err := os.OpenFile(path+".partial", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	return &atomicFile{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path}, nil
}

func (af *atomicFile) Write(p []byte) (int, error) {
	return af.w.Write(p)
}

func (af *atomicFile) Close() error {
	if af.done {
		return nil
	}
	if err := af.w.Flush(); err != nil {
		af.f.Close()
		return err
	}
	if err := af.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(af.path+".partial", af.path); err != nil {
		return err
	}
	af.done = true
	return nil
}

// Abort discards the temporary file. Calling Abort after a successful
// Close is a no-op, so it is safe to defer.
func (af *atomicFile) Abort() {
	if af.done {
		return
	}
	af.f.Close()
	os.Remove(af.path + ".partial")
	af.done = true
}

// allFiles returns the regular files under path (recursively), sorted.
// match, if non-nil, filters by base name.
func allFiles(path string, match func(name string) bool) ([]string, error) {
	var files []string
	d, err := open(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	fis, err := d.Readdir(-1)
	if err != nil {
		// Not a directory: take path itself.
		if match == nil || match(filepath.Base(path)) {
			return []string{path}, nil
		}
		return nil, nil
	}
	d.Close()
	for _, fi := range fis {
		name := filepath.Join(path, fi.Name())
		if fi.IsDir() {
			sub, err := allFiles(name, match)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		} else if match == nil || match(fi.Name()) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// newLineScanner wraps rdr with a line scanner whose buffer is big
// enough for wide population matrices.
func newLineScanner(rdr io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	return scanner
}

const naValue = "NA"

func formatRatio(f float64) string {
	return strconv.FormatFloat(f, 'g', 6, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
