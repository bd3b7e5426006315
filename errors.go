// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package redqtl

import (
	"fmt"
)

// missingInputError reports a required input file or reference
// resource that does not exist or cannot be read. It is always fatal
// for the stage that needs the resource, and is distinct from a stage
// that ran and legitimately produced zero rows.
type missingInputError struct {
	Path string
	Err  error
}

func (e *missingInputError) Error() string {
	return fmt.Sprintf("missing input: %s: %s", e.Path, e.Err)
}

func (e *missingInputError) Unwrap() error { return e.Err }

// schemaMismatchError reports an input table without the expected
// columns, or with a value that cannot be parsed as the expected type.
type schemaMismatchError struct {
	Path   string
	Line   int    // 1-based, 0 if the problem is the header
	Column string // column name, if known
	Detail string
}

func (e *schemaMismatchError) Error() string {
	msg := "schema mismatch: " + e.Path
	if e.Line > 0 {
		msg += fmt.Sprintf(" line %d", e.Line)
	}
	if e.Column != "" {
		msg += fmt.Sprintf(" column %q", e.Column)
	}
	return msg + ": " + e.Detail
}

// thresholdViolationError reports a gating stage that dropped so many
// rows that the configuration is probably wrong (e.g. pileups from a
// different reference build). Single-row drops are normal and only
// logged; this error aborts the run.
type thresholdViolationError struct {
	Stage   string
	Dropped int
	Total   int
	MaxRate float64
}

func (e *thresholdViolationError) Error() string {
	return fmt.Sprintf("%s: dropped %d of %d rows (> %.0f%% limit), input is probably misconfigured",
		e.Stage, e.Dropped, e.Total, e.MaxRate*100)
}

// joinAmbiguity records an annotation lookup that matched multiple
// non-identical features. It is resolved by precedence and logged,
// never returned as an error.
type joinAmbiguity struct {
	Chr      string
	Pos      int
	Chosen   string // gene of the winning feature
	Rejected string // gene of a losing feature
}

func (a joinAmbiguity) String() string {
	return fmt.Sprintf("ambiguous annotation at %s:%d: chose %s over %s", a.Chr, a.Pos, a.Chosen, a.Rejected)
}
