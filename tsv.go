// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// tsvReader reads a tab-separated table with a header row, addressing
// fields by column name. Missing required columns and unparseable
// values are reported as schemaMismatchError naming the offending file
// and column.
type tsvReader struct {
	path   string
	scan   *bufio.Scanner
	cols   map[string]int
	fields []string
	line   int
	err    error
}

func newTSVReader(path string, rdr io.Reader, required ...string) (*tsvReader, error) {
	scan := bufio.NewScanner(rdr)
	scan.Buffer(make([]byte, 1<<20), 1<<26)
	t := &tsvReader{path: path, scan: scan, cols: map[string]int{}}
	for scan.Scan() {
		t.line++
		line := scan.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			// Comment lines before the header, as written by
			// upstream preprocessors.
			continue
		}
		for i, name := range strings.Split(line, "\t") {
			t.cols[name] = i
		}
		break
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if len(t.cols) == 0 {
		return nil, &schemaMismatchError{Path: path, Detail: "empty input, no header row"}
	}
	for _, name := range required {
		if _, ok := t.cols[name]; !ok {
			return nil, &schemaMismatchError{Path: path, Column: name, Detail: "required column not in header"}
		}
	}
	return t, nil
}

func (t *tsvReader) Scan() bool {
	for t.scan.Scan() {
		t.line++
		line := t.scan.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t.fields = strings.Split(line, "\t")
		return true
	}
	t.err = t.scan.Err()
	return false
}

func (t *tsvReader) Err() error { return t.err }

// Columns returns the header names in file order.
func (t *tsvReader) Columns() []string {
	names := make([]string, len(t.cols))
	for name, i := range t.cols {
		if i < len(names) {
			names[i] = name
		}
	}
	return names
}

func (t *tsvReader) Has(name string) bool {
	_, ok := t.cols[name]
	return ok
}

func (t *tsvReader) Field(name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(t.fields) {
		return ""
	}
	return t.fields[i]
}

func (t *tsvReader) Int(name string) (int, error) {
	v, err := strconv.Atoi(t.Field(name))
	if err != nil {
		return 0, &schemaMismatchError{Path: t.path, Line: t.line, Column: name, Detail: err.Error()}
	}
	return v, nil
}

func (t *tsvReader) Float(name string) (float64, error) {
	s := t.Field(name)
	if s == naValue || s == "" {
		return 0, &schemaMismatchError{Path: t.path, Line: t.line, Column: name, Detail: "missing value"}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &schemaMismatchError{Path: t.path, Line: t.line, Column: name, Detail: err.Error()}
	}
	return v, nil
}
