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
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Avnu/gptp/ipc"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the daemon's current sync status from shared memory",
	Run: func(_ *cobra.Command, _ []string) {
		shm, err := ipc.OpenShm(rootShmPathFlag, 0644)
		if err != nil {
			log.Fatalf("opening %s: %v", rootShmPathFlag, err)
		}
		defer shm.Close()

		d := shm.Load()
		asCapable := color.RedString("false")
		if d.ASCapable {
			asCapable = color.GreenString("true")
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"field", "value"})
		table.Append([]string{"asCapable", asCapable})
		table.Append([]string{"grandmaster", fmt.Sprintf("%016x", d.GrandmasterID)})
		table.Append([]string{"port", strconv.Itoa(int(d.PortNumber))})
		table.Append([]string{"domain", strconv.Itoa(int(d.DomainNumber))})
		table.Append([]string{"master-local offset (ns)", strconv.FormatInt(d.MasterLocalOffsetNS, 10)})
		table.Append([]string{"local-system offset (ns)", strconv.FormatInt(d.LocalSystemOffsetNS, 10)})
		table.Append([]string{"sync count", strconv.FormatUint(uint64(d.SyncCount), 10)})
		table.Append([]string{"pdelay count", strconv.FormatUint(uint64(d.PdelayCount), 10)})
		table.Render()
	},
}
