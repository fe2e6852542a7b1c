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

// Command gptp is the IEEE 802.1AS (gPTP) daemon spec.md describes: one
// process per monitored interface, wiring the port state machine to a
// raw-Ethernet transport, a PTP hardware clock, shared-memory IPC
// publishing, and a persistence file. Its flag surface and main-loop
// shape follow cmd/ptp4u/main.go's, adapted from UDP unicast serving
// to a single gPTP port per spec.md §6.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/Avnu/gptp/config"
	"github.com/Avnu/gptp/hwclock"
	"github.com/Avnu/gptp/ipc"
	"github.com/Avnu/gptp/linkwatch"
	"github.com/Avnu/gptp/metrics"
	"github.com/Avnu/gptp/netio"
	"github.com/Avnu/gptp/persist"
	"github.com/Avnu/gptp/phc"
	"github.com/Avnu/gptp/port"
	ptp "github.com/Avnu/gptp/protocol"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Help {
		fmt.Println("usage: gptp <ifname> [options]")
		return
	}

	if cfg.TestModeLogging {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Error("gptp exiting")
		os.Exit(1)
	}
}

func run(cfg *config.Daemon) error {
	iface, err := netInterfaceByName(cfg.Ifname)
	if err != nil {
		return fmt.Errorf("resolving interface %s: %w", cfg.Ifname, err)
	}
	clockIdentity, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return fmt.Errorf("deriving clock identity from %s: %w", cfg.Ifname, err)
	}
	cfg.Port.ClockIdentity = clockIdentity
	cfg.Port.PortNumber = 1
	phyDelayTxNS, phyDelayRxNS := selectPhyDelay(cfg.Ifname, cfg.PhyDelay)
	cfg.Port.PHYDelayTxNS = phyDelayTxNS
	cfg.Port.PHYDelayRxNS = phyDelayRxNS

	phcDevice, err := phc.IfaceToPHCDevice(cfg.Ifname)
	if err != nil {
		return fmt.Errorf("finding PHC device for %s: %w", cfg.Ifname, err)
	}
	clk, err := hwclock.New(phcDevice, 512000, phyDelayTxNS, phyDelayRxNS)
	if err != nil {
		return fmt.Errorf("opening PHC %s: %w", phcDevice, err)
	}

	link, err := netio.Open(cfg.Ifname, iface.HardwareAddr, clk)
	if err != nil {
		return fmt.Errorf("opening raw gPTP transport on %s: %w", cfg.Ifname, err)
	}
	defer link.Close()

	var publishers multiPublisher
	shm, err := ipc.OpenShm(ipc.DefaultPath, 0644)
	if err != nil {
		log.WithError(err).Warn("IPC shared memory unavailable, continuing without it")
	} else {
		defer shm.Close()
		if cfg.IPCGroup != "" {
			if gid, err := lookupGroupID(cfg.IPCGroup); err == nil {
				if err := shm.Chown(gid); err != nil {
					log.WithError(err).Warn("chown of IPC shared memory failed")
				}
			} else {
				log.WithError(err).Warnf("resolving IPC group %s", cfg.IPCGroup)
			}
		}
		publishers = append(publishers, &ipcPublisher{shm: shm, cfg: cfg.Port, clk: clk})
	}

	if cfg.MetricsAddr != "" {
		exporter := metrics.NewExporter()
		publishers = append(publishers, exporter)
		go exporter.Serve(cfg.MetricsAddr)
	}

	p := port.New(cfg.Port, link, clk, publishers)

	persistFile := persist.NewFile(cfg.PersistenceFile)
	if state, err := persistFile.Load(); err != nil {
		log.WithError(err).Warn("ignoring unreadable persistence file")
	} else {
		p.Restore(state)
	}

	watcher := linkwatch.New(cfg.Ifname, time.Second, &linkHandler{port: p})
	go watcher.Run()
	defer watcher.Stop()

	if cfg.PPS {
		if err := activatePPS(phcDevice); err != nil {
			log.WithError(err).Warn("enabling pulse-per-second output failed, continuing without it")
		}
	}

	go pumpReceive(link, p)
	go p.Run()

	_ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			if err := persistFile.Save(persist.State{
				PortState:         p.State(),
				ASCapable:         p.ASCapable(),
				MeanLinkDelayNS:   p.MeanLinkDelayNS(),
				NeighborRateRatio: p.NeighborRateRatio(),
				ServoFreqPPB:      p.ServoFreqPPB(),
			}); err != nil {
				log.WithError(err).Error("flushing persistence file")
			}
		case syscall.SIGUSR2:
			log.Infof("port state=%s asCapable=%v", p.State(), p.ASCapable())
		case syscall.SIGINT, syscall.SIGTERM:
			p.Stop()
			return nil
		}
	}
	return nil
}

// selectPhyDelay picks the Gb or Mb pair out of pd according to ifname's
// negotiated link speed (phc.IfaceSpeed, the same SIOCETHTOOL ioctl
// IfaceInfo uses for timestamping info), falling back to the Gb pair if
// the speed can't be read, matching the pre-link-speed-query behavior.
func selectPhyDelay(ifname string, pd config.PhyDelay) (txNS, rxNS int64) {
	speed, err := phc.IfaceSpeed(ifname)
	if err != nil {
		log.WithError(err).Warn("reading negotiated link speed, defaulting to Gb PHY delay")
		return pd.GbTxNS, pd.GbRxNS
	}
	if speed >= 1000 {
		return pd.GbTxNS, pd.GbRxNS
	}
	return pd.MbTxNS, pd.MbRxNS
}

// activatePPS configures the PHC as a pulse-per-second source for the
// -P flag, via phc.ActivatePPSSource's PTP_PEROUT ioctl plumbing. It
// opens its own handle to the PHC device, independent of the Clock
// hwclock.New already opened, since PPSSource needs an *os.File-backed
// phc.Device rather than a bare clock ID.
func activatePPS(device string) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s for PPS: %w", device, err)
	}
	dev := phc.FromFile(f)
	_, err = phc.ActivatePPSSource(dev, phc.DefaultTs2PhcIndex)
	return err
}

func pumpReceive(link *netio.Link, p *port.Port) {
	for {
		frame, ok := link.Receive()
		if !ok {
			return
		}
		p.Post(port.Event{Type: port.EvReceive, Msg: frame.Packet, RxTime: frame.RxTime})
	}
}

// multiPublisher fans a Snapshot out to every configured consumer (IPC
// shared memory, the Prometheus exporter). An empty multiPublisher is
// a valid, safe no-op, unlike a typed-nil *ipcPublisher would be if
// passed directly as a port.IPCPublisher.
type multiPublisher []port.IPCPublisher

func (m multiPublisher) Publish(s port.Snapshot) {
	for _, p := range m {
		p.Publish(s)
	}
}

type linkHandler struct {
	port *port.Port
}

func (h *linkHandler) LinkUp()   { h.port.Post(port.Event{Type: port.EvLinkUp}) }
func (h *linkHandler) LinkDown() { h.port.Post(port.Event{Type: port.EvLinkDown}) }

// ipcPublisher adapts port.Snapshot to ipc.TimeData, grounded on
// spec.md §6's IPC shared-memory layout. It additionally carries the
// PHC-to-CLOCK_REALTIME offset (ipcdef.hpp's ls_phoffset, SPEC_FULL.md's
// Supplemented Features), read from clk on every publish rather than
// from the port, since the port has no notion of the system clock.
type ipcPublisher struct {
	shm *ipc.Shm
	cfg port.Config
	clk *hwclock.Clock
}

func (i *ipcPublisher) Publish(s port.Snapshot) {
	var localSystemOffsetNS int64
	if now, err := i.clk.Now(); err == nil {
		localSystemOffsetNS = now.Time().Sub(time.Now()).Nanoseconds()
	}
	i.shm.Store(ipc.TimeData{
		MasterLocalOffsetNS: s.MasterLocalOffsetNS,
		LocalSystemOffsetNS: localSystemOffsetNS,
		LocalTimeNS:         uint64(time.Now().UnixNano()),
		GrandmasterID:       uint64(s.GrandmasterIdentity),
		Priority1:           i.cfg.Priority1,
		Priority2:           i.cfg.Priority2,
		ClockClass:          248,
		ClockAccuracy:       0xfe,
		DomainNumber:        i.cfg.Domain,
		PortNumber:          i.cfg.PortNumber,
		SyncCount:           uint32(s.SyncCount),
		PdelayCount:         uint32(s.PdelayCount),
		ASCapable:           s.ASCapable,
		ProcessID:           int32(os.Getpid()),
	})
}
