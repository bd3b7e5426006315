// Copyright (C) The RedQTL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/arvados/redqtl"
)

func main() {
	redqtl.Main()
}
