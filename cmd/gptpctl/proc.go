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

package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/process"
	"github.com/spf13/cobra"

	"github.com/Avnu/gptp/ipc"
)

func init() {
	rootCmd.AddCommand(procCmd)
}

// procCmd reports whether the process that last published the IPC
// snapshot is still alive, the same way sptp/client/sysstats.go uses
// gopsutil/process to read a process's own runtime stats.
var procCmd = &cobra.Command{
	Use:   "proc",
	Short: "report whether the daemon that owns the IPC snapshot is still running",
	Run: func(_ *cobra.Command, _ []string) {
		shm, err := ipc.OpenShm(rootShmPathFlag, 0644)
		if err != nil {
			log.Fatalf("opening %s: %v", rootShmPathFlag, err)
		}
		defer shm.Close()

		d := shm.Load()
		if d.ProcessID == 0 {
			fmt.Println("no process id recorded in IPC snapshot yet")
			return
		}
		proc, err := process.NewProcess(d.ProcessID)
		if err != nil {
			fmt.Printf("pid %d: not running\n", d.ProcessID)
			return
		}
		name, _ := proc.Name()
		fmt.Printf("pid %d: running (%s)\n", d.ProcessID, name)
	},
}
