/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command gptpctl is a companion inspection CLI for the gptp daemon,
// reading its IPC shared-memory snapshot (spec.md §6) rather than
// connecting to it directly. Its cobra-subcommand/tablewriter/color
// shape is adapted from cmd/ptpcheck, which inspects ptp4l/sptp the
// same way.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootShmPathFlag string
var rootVerboseFlag bool

var rootCmd = &cobra.Command{
	Use:   "gptpctl",
	Short: "inspect a running gptp daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootShmPathFlag, "shm", "s", "/gptp_shm", "path to gptp's IPC shared-memory object")
	rootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
