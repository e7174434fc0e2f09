// Copyright 2026 The RVVM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command rvvmctl is a small debug CLI over the virtual memory
// subsystem, dispatched with github.com/google/subcommands the way
// runsc/cmd's debug commands are (runsc/cmd/debug.go,
// runsc/cmd/metric_export.go).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var verbose = flag.Bool("v", false, "enable debug-level logging")

func main() {
	ctx := context.Background()

	cdr := subcommands.NewCommander(flag.CommandLine, "rvvmctl")
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(&dumpCommand{}, "")

	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(cdr.Execute(ctx)))
}
