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

// Package config assembles a port.Config (and the daemon-level settings
// that sit outside it) from the CLI flags and INI file spec.md §6
// defines, the way cmd/ptp4u/main.go assembles server.Config from flags
// plus an optional -config file. Section parsing uses go-ini, the same
// library calnex/config/config.go and calnex/api/api.go's ini.Load use,
// though those read a remote device's settings rather than a local
// daemon file.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/go-ini/ini"

	ptp "github.com/Avnu/gptp/protocol"
	"github.com/Avnu/gptp/port"
)

// PhyDelay holds the per-link-speed PHY delay values the -D flag packs
// together, grounded on the reference implementation's
// linux_hal_common.cpp link-speed table (see SPEC_FULL.md's
// Supplemented Features).
type PhyDelay struct {
	GbTxNS int64
	GbRxNS int64
	MbTxNS int64
	MbRxNS int64
}

// DefaultPhyDelay is applied when neither -D nor an [eth] phy_delay INI
// key names an override: the same per-speed constants
// linux_hal_common.cpp's PHY_DELAY_GB_* / PHY_DELAY_MB_* tables carry,
// so a port that never passes -D still asymmetry-compensates instead
// of running with PHY delay silently zeroed.
var DefaultPhyDelay = PhyDelay{
	GbTxNS: 184,
	GbRxNS: 382,
	MbTxNS: 1044,
	MbRxNS: 2133,
}

// Daemon is the fully resolved configuration for one gptp process:
// port.Config plus the settings spec.md §6 lists as CLI-only (no INI
// section covers them).
type Daemon struct {
	Ifname string
	Port   port.Config

	PersistenceFile string // -M
	IPCGroup        string // -G
	PPS             bool   // -P
	TestModeLogging bool   // -E
	ForceMaster     bool   // -T, ignored under automotive
	ForceSlave      bool   // -L, ignored under automotive
	PhyDelay        PhyDelay
	Help            bool // -H

	// MetricsAddr is not part of spec.md's CLI list; it gives the
	// Prometheus exporter (SPEC_FULL.md's Ambient Stack) a listen
	// address. Empty disables the exporter.
	MetricsAddr string // -metricsaddr
}

// Load parses args (excluding argv[0]) into a Daemon: it first applies
// an INI file named by -F if present, then standard-flag CLI values,
// so that CLI flags override the config file per spec.md §6's "-F
// <inifile> read configuration" + flag precedence.
func Load(args []string) (*Daemon, error) {
	fs := flag.NewFlagSet("gptp", flag.ContinueOnError)

	d := &Daemon{Port: port.DefaultConfig(), PhyDelay: DefaultPhyDelay}

	var (
		syntonize   = fs.Bool("S", false, "start syntonization (enable servo)")
		pps         = fs.Bool("P", false, "enable pulse-per-second output")
		persistFile = fs.String("M", "", "persistence file for state")
		ipcGroup    = fs.String("G", "", "POSIX group granting IPC read access")
		priority1   = fs.Int("R", 248, "override priority1")
		phyDelay    = fs.String("D", "", "gbTx,gbRx,mbTx,mbRx PHY delay ns per link speed")
		forceMaster = fs.Bool("T", false, "force MASTER (ignored under automotive)")
		forceSlave  = fs.Bool("L", false, "force SLAVE (ignored under automotive)")
		testMode    = fs.Bool("E", false, "test-mode logging")
		automotive  = fs.Bool("V", false, "enable AVnu automotive profile")
		grandmaster = fs.Bool("GM", false, "declare grandmaster (automotive only)")
		allowNegCF  = fs.Bool("N", false, "allow negative correctionField")
		initSync    = fs.Int("INITSYNC", -19, "initial log2(sync interval), seconds")
		operSync    = fs.Int("OPERSYNC", -3, "operational log2(sync interval)")
		initPdelay  = fs.Int("INITPDELAY", 0, "initial log2(pdelay interval)")
		operPdelay  = fs.Int("OPERPDELAY", 0, "operational log2(pdelay interval)")
		iniPath     = fs.String("F", "", "read configuration")
		help        = fs.Bool("H", false, "help")
		metricsAddr = fs.String("metricsaddr", "", "listen address for the Prometheus /metrics endpoint, e.g. :8888 (disabled if empty)")
	)

	// -F must be resolved before fs.Parse's flags are read back, but
	// flag.FlagSet has no two-pass mode; parse once, then apply the INI
	// file into d.Port as the *lower*-precedence layer by re-applying
	// every flag that was actually set on the command line afterwards.
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	d.Help = *help
	if d.Help {
		return d, nil
	}

	if fs.NArg() < 1 {
		return nil, fmt.Errorf("missing required <ifname> argument")
	}
	d.Ifname = fs.Arg(0)

	if *iniPath != "" {
		if err := applyINIFile(*iniPath, d); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", *iniPath, err)
		}
	}

	applyFlag(fs, "R", func() { d.Port.Priority1 = uint8(*priority1) })
	applyFlag(fs, "S", func() { d.Port.EnableServo = *syntonize })
	applyFlag(fs, "N", func() { d.Port.AllowNegativeCorrField = *allowNegCF })
	applyFlag(fs, "V", func() { d.Port.Automotive.Enabled = *automotive })
	applyFlag(fs, "GM", func() { d.Port.Automotive.ForceGrandmaster = *grandmaster })
	applyFlag(fs, "INITSYNC", func() { d.Port.InitialLogSyncInterval = ptp.LogInterval(*initSync) })
	applyFlag(fs, "OPERSYNC", func() { d.Port.OperationalLogSyncInterval = ptp.LogInterval(*operSync) })
	applyFlag(fs, "INITPDELAY", func() { d.Port.InitialLogPdelayInterval = ptp.LogInterval(*initPdelay) })
	applyFlag(fs, "OPERPDELAY", func() { d.Port.OperationalLogPdelayInterval = ptp.LogInterval(*operPdelay) })

	d.PPS = *pps
	d.PersistenceFile = *persistFile
	d.IPCGroup = *ipcGroup
	d.ForceMaster = *forceMaster
	d.ForceSlave = *forceSlave
	d.TestModeLogging = *testMode
	d.MetricsAddr = *metricsAddr

	if *phyDelay != "" {
		pd, err := parsePhyDelay(*phyDelay)
		if err != nil {
			return nil, fmt.Errorf("parsing -D: %w", err)
		}
		d.PhyDelay = pd
	}

	return d, nil
}

// applyFlag runs apply only if name was explicitly set on the command
// line, so config-file values set by applyINIFile aren't clobbered by
// a flag's default.
func applyFlag(fs *flag.FlagSet, name string, apply func()) {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	if set {
		apply()
	}
}

func parsePhyDelay(s string) (PhyDelay, error) {
	var pd PhyDelay
	n, err := fmt.Sscanf(s, "%d,%d,%d,%d", &pd.GbTxNS, &pd.GbRxNS, &pd.MbTxNS, &pd.MbRxNS)
	if err != nil || n != 4 {
		return PhyDelay{}, fmt.Errorf("expected gbTx,gbRx,mbTx,mbRx, got %q", s)
	}
	return pd, nil
}

// applyINIFile loads path with go-ini (the same ini.Load entry point
// calnex/api/api.go's Config uses) and maps its [ptp]/[port]/[eth]
// sections onto d, per spec.md §6.
func applyINIFile(path string, d *Daemon) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	if s, err := f.GetSection("ptp"); err == nil {
		if k, err := s.GetKey("priority1"); err == nil {
			v, err := k.Int()
			if err != nil {
				return fmt.Errorf("[ptp] priority1: %w", err)
			}
			d.Port.Priority1 = uint8(v)
		}
	}

	if s, err := f.GetSection("port"); err == nil {
		if err := applyPortSection(s, d); err != nil {
			return err
		}
	}

	if s, err := f.GetSection("eth"); err == nil {
		if k, err := s.GetKey("ifname"); err == nil && d.Ifname == "" {
			d.Ifname = k.String()
		}
		if k, err := s.GetKey("phy_delay"); err == nil && k.String() != "" {
			pd, err := parsePhyDelay(k.String())
			if err != nil {
				return fmt.Errorf("[eth] phy_delay: %w", err)
			}
			d.PhyDelay = pd
		}
	}

	return nil
}

func applyPortSection(s *ini.Section, d *Daemon) error {
	intKeys := map[string]*int{
		"announceReceiptTimeout": &d.Port.AnnounceReceiptTimeout,
		"syncReceiptTimeout":     &d.Port.SyncReceiptTimeout,
		"syncReceiptThresh":      &d.Port.SyncReceiptThresh,
		"seqIdAsCapableThresh":   &d.Port.SeqIDAsCapableThresh,
		"lostPdelayRespThresh":   &d.Port.LostPdelayRespThresh,
	}
	for name, dst := range intKeys {
		k, err := s.GetKey(name)
		if err != nil {
			continue
		}
		v, err := k.Int()
		if err != nil {
			return fmt.Errorf("[port] %s: %w", name, err)
		}
		*dst = v
	}

	if k, err := s.GetKey("neighborPropDelayThresh"); err == nil {
		ns, err := k.Int64()
		if err != nil {
			return fmt.Errorf("[port] neighborPropDelayThresh: %w", err)
		}
		d.Port.NeighborPropDelayThresh = time.Duration(ns) * time.Nanosecond
	}

	if k, err := s.GetKey("allowNegativeCorrField"); err == nil {
		v, err := k.Bool()
		if err != nil {
			return fmt.Errorf("[port] allowNegativeCorrField: %w", err)
		}
		d.Port.AllowNegativeCorrField = v
	}

	return nil
}
