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

// Package netio implements the raw-Ethernet transport spec.md §2
// component 2 and §6 require: gPTP runs directly over EtherType
// 0x88F8 multicast frames to 01:80:C2:00:00:0E, never over UDP. The
// capture/injection plumbing is grounded on the pcap.OpenLive/BPF
// filter/gopacket.NewPacketSource pattern used by
// ziffy/node/sender.go's rackSwHostnameMonitor.
package netio

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"

	ptp "github.com/Avnu/gptp/protocol"
)

// EtherTypePTP is IEEE 802.1AS's EtherType for gPTP frames.
const EtherTypePTP = 0x88f8

// MulticastDestination is the reserved 802.1AS "nearest bridge"
// multicast MAC address frames are sent to.
var MulticastDestination = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

const (
	snapshotLen = 1600
	recvTimeout = pcap.BlockForever
)

// Link is a raw-Ethernet gPTP transport bound to one network interface,
// implementing port.Transport. TX timestamps are approximated by
// sampling the hardware clock immediately after the write syscall
// returns; this is less precise than a real SO_TIMESTAMPING readback
// from the socket error queue, which requires platform-specific cgo
// or raw-socket ioctls outside gopacket/pcap's portable surface.
type Link struct {
	iface    string
	localMAC net.HardwareAddr
	clock    Clock

	handle *pcap.Handle

	rx   chan Frame
	done chan struct{}
}

// Frame is a decoded PTP message paired with the RX timestamp netio
// captured for it.
type Frame struct {
	Packet ptp.Packet
	RxTime ptp.Timestamp
}

// Clock is the minimal hardware-clock dependency Link needs (satisfied
// by hwclock.Clock); kept as a tiny local interface to avoid an import
// cycle between netio and hwclock.
type Clock interface {
	Now() (ptp.Timestamp, error)
}

// Open binds a Link to iface, grounded on pcap.OpenLive's promiscuous
// live-capture handle (ziffy/node/sender.go's rackSwHostnameMonitor).
func Open(iface string, localMAC net.HardwareAddr, clock Clock) (*Link, error) {
	handle, err := pcap.OpenLive(iface, snapshotLen, true, recvTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening %s for raw gPTP capture: %w", iface, err)
	}
	filter := fmt.Sprintf("ether proto 0x%x", EtherTypePTP)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("setting gPTP BPF filter: %w", err)
	}
	l := &Link{
		iface:    iface,
		localMAC: localMAC,
		clock:    clock,
		handle:   handle,
		rx:       make(chan Frame, 256),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *Link) readLoop() {
	// handlePacket is the only sender on rx and runs only here, so
	// closing rx on exit lets Receive report ok=false after Close.
	defer close(l.rx)
	src := gopacket.NewPacketSource(l.handle, l.handle.LinkType())
	for {
		select {
		case <-l.done:
			return
		case pkt, ok := <-src.Packets():
			if !ok {
				return
			}
			l.handlePacket(pkt)
		}
	}
}

func (l *Link) handlePacket(pkt gopacket.Packet) {
	eth := pkt.Layer(layers.LayerTypeEthernet)
	if eth == nil {
		return
	}
	ethLayer, ok := eth.(*layers.Ethernet)
	if !ok || ethLayer.EthernetType != EtherTypePTP {
		return
	}
	rxTime, err := l.clock.Now()
	if err != nil {
		log.WithError(err).Warn("reading hardware clock for RX timestamp")
		return
	}
	p, err := ptp.DecodePacket(ethLayer.Payload)
	if err != nil {
		// Still hand a (nil-Packet) Frame to the port so its
		// RxPTPPacketDiscard counter (spec.md §4.6) accounts for
		// malformed frames, not just recognized-but-unhandled ones.
		log.WithError(err).Debug("discarding undecodable gPTP frame")
	}
	select {
	case l.rx <- Frame{Packet: p, RxTime: rxTime}:
	default:
		log.Warn("netio RX queue full, dropping frame")
	}
}

// Receive blocks until a frame is available or ctx-less close.
func (l *Link) Receive() (Frame, bool) {
	f, ok := <-l.rx
	return f, ok
}

// SendEvent transmits an event message (Sync, Pdelay-Req, Pdelay-Resp)
// as a raw Ethernet frame and returns the best-effort TX timestamp
// (see Link's doc comment on the SO_TIMESTAMPING limitation).
func (l *Link) SendEvent(b []byte) (ptp.Timestamp, error) {
	frame, err := l.buildFrame(b)
	if err != nil {
		return ptp.Timestamp{}, err
	}
	if err := l.handle.WritePacketData(frame); err != nil {
		return ptp.Timestamp{}, fmt.Errorf("writing gPTP event frame: %w", err)
	}
	return l.clock.Now()
}

// SendGeneral transmits a general message (Follow-Up, Announce,
// Pdelay-Resp-Follow-Up, Signaling); no TX timestamp is needed.
func (l *Link) SendGeneral(b []byte) error {
	frame, err := l.buildFrame(b)
	if err != nil {
		return err
	}
	if err := l.handle.WritePacketData(frame); err != nil {
		return fmt.Errorf("writing gPTP general frame: %w", err)
	}
	return nil
}

func (l *Link) buildFrame(payload []byte) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       l.localMAC,
		DstMAC:       MulticastDestination,
		EthernetType: EtherTypePTP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing gPTP frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases the capture handle and stops the read loop.
func (l *Link) Close() error {
	close(l.done)
	l.handle.Close()
	return nil
}
