package protocol

import (
	"encoding/binary"

	"mumbleclient/internal/mumbleproto"
	"mumbleclient/internal/packet"
)

const (
	// opusTerminator marks the last Opus frame of a transmission.
	opusTerminator = 0x2000
	maxOpusFrame   = 0x1fff

	// celtContinuation marks a CELT frame followed by another frame.
	celtContinuation = 0x80
	maxCELTFrame     = 0x7f

	pingDatagramLen = 9
)

// HandleDatagram routes one voice or ping datagram. Malformed packets,
// foreign codecs and unknown sessions are dropped.
func (p *Protocol) HandleDatagram(pkt []byte, tunneled bool) {
	if p.stopped.Load() || len(pkt) == 0 {
		return
	}

	typ := mumbleproto.DatagramType(pkt[0])
	if typ == mumbleproto.UDPPing {
		// Only a datagram echo proves the datagram path.
		if tunneled || len(pkt) < pingDatagramLen {
			return
		}
		p.conn.MarkDatagramAlive(int64(binary.BigEndian.Uint64(pkt[1:pingDatagramLen])))
		return
	}

	p.mu.RLock()
	codec, audio := p.codec, p.audio
	p.mu.RUnlock()
	if typ != codec || audio == nil {
		return
	}

	cur := packet.NewCursor(pkt)
	cur.Skip(1)
	session, err := cur.ReadVarUint()
	if err != nil {
		p.log.Debug().Err(err).Msg("dropping truncated voice packet")
		return
	}

	p.mu.RLock()
	_, known := p.users[uint32(session)]
	p.mu.RUnlock()
	if !known {
		// Packets still in flight after the user left.
		p.log.Debug().Uint64("session", session).Msg("voice for unknown session")
		return
	}

	cur.Rewind()
	audio.AddFrame(uint32(session), mumbleproto.DatagramFlags(pkt[0]), cur)
}

// SendVoiceFrame composes a voice packet around one encoded frame of the
// negotiated codec and sends it over the best available path. terminator
// marks the end of a transmission.
func (p *Protocol) SendVoiceFrame(frame []byte, terminator bool) error {
	if p.stopped.Load() {
		return errStopped
	}
	p.mu.RLock()
	codec, canSpeak := p.codec, p.canSpeak
	p.mu.RUnlock()
	if !canSpeak {
		return ErrCannotTransmit
	}

	p.sendMu.Lock()
	seq := p.voiceSeq
	p.voiceSeq++
	p.sendMu.Unlock()

	pkt, err := composeVoice(codec, 0, seq, frame, terminator)
	if err != nil {
		return err
	}
	return p.conn.SendVoice(pkt)
}

// composeVoice builds [type<<5|target][varint seq][frame header][frame].
func composeVoice(codec int, target byte, seq uint64, frame []byte, terminator bool) ([]byte, error) {
	pkt := make([]byte, 0, 1+9+2+len(frame)+1)
	pkt = append(pkt, byte(codec)<<5|target&0x1f)
	pkt = packet.AppendVarUint(pkt, seq)

	switch codec {
	case CodecOpus:
		if len(frame) > maxOpusFrame {
			return nil, ErrFrameTooLarge
		}
		hdr := uint64(len(frame))
		if terminator {
			hdr |= opusTerminator
		}
		pkt = packet.AppendVarUint(pkt, hdr)
		pkt = append(pkt, frame...)
	case CodecCELTAlpha, CodecCELTBeta:
		if len(frame) > maxCELTFrame {
			return nil, ErrFrameTooLarge
		}
		hdr := byte(len(frame))
		if terminator && len(frame) > 0 {
			hdr |= celtContinuation
		}
		pkt = append(pkt, hdr)
		pkt = append(pkt, frame...)
		if terminator && len(frame) > 0 {
			// An empty frame ends the CELT stream.
			pkt = append(pkt, 0)
		}
	default:
		return nil, ErrCannotTransmit
	}
	return pkt, nil
}
