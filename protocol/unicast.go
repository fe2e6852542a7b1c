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

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// gPTPOrganizationID is the IEEE 802.1 OUI used to tag gPTP-specific
// organization extension TLVs carried in Signaling messages.
var gPTPOrganizationID = [3]byte{0x00, 0x80, 0xC2}

// gPTPSubtypeIntervalRequest identifies the MESSAGE_INTERVAL_REQUEST
// organization extension subtype (802.1AS clause 10.5.4.3).
var gPTPSubtypeIntervalRequest = [3]byte{0x00, 0x00, 0x02}

// Signaling packet. As it's of variable size, we cannot just binary.Read/Write it.
type Signaling struct {
	Header
	TargetPortIdentity PortIdentity
	TLVs               []TLV
}

// MarshalBinaryTo marshals bytes to Signaling
func (p *Signaling) MarshalBinaryTo(b []byte) (int, error) {
	if len(p.TLVs) == 0 {
		return 0, fmt.Errorf("no TLVs in Signaling message, at least one required")
	}
	n := headerMarshalBinaryTo(&p.Header, b)
	binary.BigEndian.PutUint64(b[n:], uint64(p.TargetPortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[n+8:], p.TargetPortIdentity.PortNumber)
	pos := n + 10
	for _, tlv := range p.TLVs {
		if ttlv, ok := tlv.(BinaryMarshalerTo); ok {
			nn, err := ttlv.MarshalBinaryTo(b[pos:])
			if err != nil {
				return 0, err
			}
			pos += nn
			continue
		}
		// very inefficient path for TLVs that don't support MarshalBinaryTo
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.BigEndian, tlv); err != nil {
			return 0, err
		}
		bbytes := buf.Bytes()
		copy(b[pos:], bbytes)
		pos += len(bbytes)
	}
	return pos, nil
}

// MarshalBinary converts packet to []bytes
func (p *Signaling) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 200)
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte and populates struct fields
func (p *Signaling) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize+10+tlvHeadSize {
		return fmt.Errorf("not enough data to decode Signaling")
	}
	unmarshalHeader(&p.Header, b)
	if p.SdoIDAndMsgType.MsgType() != MessageSignaling {
		return fmt.Errorf("not a signaling message %v", b)
	}
	p.TargetPortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[headerSize:]))
	p.TargetPortIdentity.PortNumber = binary.BigEndian.Uint16(b[headerSize+8:])

	tlvs, err := readTLVs(nil, int(p.MessageLength)-headerSize-10, b[headerSize+10:])
	if err != nil {
		return err
	}
	p.TLVs = tlvs
	if len(p.TLVs) == 0 {
		return fmt.Errorf("no TLVs read for Signaling message, at least one required")
	}
	return nil
}

// IntervalRequestTLV is the gPTP MESSAGE_INTERVAL_REQUEST organization
// extension TLV (802.1AS clause 10.5.4.3), used by Signaling messages to
// renegotiate Sync/Announce/Pdelay intervals, e.g. under the automotive
// profile where BMCA-driven negotiation is disabled.
type IntervalRequestTLV struct {
	TLVHead
	OrganizationID         [3]byte
	OrganizationSubType    [3]byte
	LinkDelayInterval      LogInterval
	TimeSyncInterval       LogInterval
	AnnounceInterval       LogInterval
	Flags                  uint8
}

const intervalRequestBodySize = 12 // orgID(3) + subtype(3) + 3 intervals + flags + reserved

// NewIntervalRequestTLV builds a ready-to-send interval request TLV.
func NewIntervalRequestTLV(linkDelay, sync, announce LogInterval, flags uint8) *IntervalRequestTLV {
	return &IntervalRequestTLV{
		TLVHead:             TLVHead{TLVType: TLVOrganizationExtension, LengthField: intervalRequestBodySize},
		OrganizationID:      gPTPOrganizationID,
		OrganizationSubType: gPTPSubtypeIntervalRequest,
		LinkDelayInterval:   linkDelay,
		TimeSyncInterval:    sync,
		AnnounceInterval:    announce,
		Flags:               flags,
	}
}

// MarshalBinaryTo marshals bytes to IntervalRequestTLV
func (t *IntervalRequestTLV) MarshalBinaryTo(b []byte) (int, error) {
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	copy(b[pos:], t.OrganizationID[:])
	copy(b[pos+3:], t.OrganizationSubType[:])
	b[pos+6] = byte(t.LinkDelayInterval)
	b[pos+7] = byte(t.TimeSyncInterval)
	b[pos+8] = byte(t.AnnounceInterval)
	b[pos+9] = t.Flags
	// bytes pos+10, pos+11 are reserved, left as zero
	return pos + intervalRequestBodySize, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *IntervalRequestTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), intervalRequestBodySize, false); err != nil {
		return err
	}
	pos := tlvHeadSize
	copy(t.OrganizationID[:], b[pos:])
	copy(t.OrganizationSubType[:], b[pos+3:])
	t.LinkDelayInterval = LogInterval(b[pos+6])
	t.TimeSyncInterval = LogInterval(b[pos+7])
	t.AnnounceInterval = LogInterval(b[pos+8])
	t.Flags = b[pos+9]
	return nil
}

// IsIntervalRequest reports whether a generic organization extension TLV
// carries the gPTP interval-request subtype.
func IsIntervalRequest(orgID, subType [3]byte) bool {
	return orgID == gPTPOrganizationID && subType == gPTPSubtypeIntervalRequest
}
