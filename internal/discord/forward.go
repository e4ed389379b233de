package discord

import (
	"errors"
	"io"
	"math/rand"

	"github.com/pion/logging"
	"github.com/pion/rtp"

	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/liberrors"
	"github.com/mirru/mirru/pkg/rtph264"
	"github.com/mirru/mirru/pkg/rtpreorderer"
)

// forwarder relays hub frames into the two voice sessions of a mirror.
// Audio packets are rewritten in place; video packets are depacketized into
// access units and repacketized with the mirror's own sequence numbers.
type forwarder struct {
	Hub    *hub.Hub
	Voice  *voiceSession
	Stream *voiceSession
	Log    logging.LeveledLogger

	audioSeq      uint16
	audioTSOffset uint32
	videoTSOffset uint32

	reorderer *rtpreorderer.Reorderer
	dec       *rtph264.Decoder
	enc       *rtph264.Encoder

	waitingKeyframe bool
}

// Init initializes the forwarder.
func (f *forwarder) Init() error {
	f.audioSeq = uint16(rand.Intn(0x10000))
	f.audioTSOffset = rand.Uint32()
	f.videoTSOffset = rand.Uint32()

	f.reorderer = rtpreorderer.New()

	f.dec = &rtph264.Decoder{}
	err := f.dec.Init()
	if err != nil {
		return err
	}

	f.enc = &rtph264.Encoder{
		PayloadType: videoPayloadType,
	}
	err = f.enc.Init()
	if err != nil {
		return err
	}

	f.waitingKeyframe = true

	return nil
}

func (f *forwarder) handleEvent(ev *hub.Event) {
	switch ev.Kind {
	case hub.EventSourceAttached:
		// the new source starts a fresh RTP stream; depacketization
		// state from the previous one is useless.
		f.reorderer = rtpreorderer.New()
		f.dec = &rtph264.Decoder{}
		f.dec.Init() //nolint:errcheck
		f.waitingKeyframe = true

		f.Stream.SendVideoActive(true) //nolint:errcheck
		f.Hub.RequestKeyframe()

	case hub.EventSourceDetached:
		// hold the current state until the next source attaches.

	case hub.EventLag:
		f.Log.Warnf("mirror lagging, %d packets dropped", ev.Lag)
		f.Hub.RequestKeyframe()
	}
}

func (f *forwarder) handleFrame(frame *hub.Frame) {
	if frame.Kind == hub.MediaAudio {
		f.forwardAudio(frame)
	} else {
		f.forwardVideo(frame)
	}
}

func (f *forwarder) forwardAudio(frame *hub.Frame) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    audioPayloadType,
			SequenceNumber: f.audioSeq,
			Timestamp:      frame.Timestamp + f.audioTSOffset,
			Marker:         frame.Marker,
		},
		Payload: frame.Payload,
	}
	f.audioSeq++

	err := f.Voice.AudioTrack().WriteRTP(pkt)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		f.Log.Debugf("unable to write audio packet: %v", err)
	}
}

func (f *forwarder) forwardVideo(frame *hub.Frame) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    frame.PayloadType,
			SequenceNumber: frame.SequenceNumber,
			Timestamp:      frame.Timestamp,
			SSRC:           frame.SSRC,
			Marker:         frame.Marker,
		},
		Payload: frame.Payload,
	}

	packets, lost := f.reorderer.Process(pkt)
	if lost > 0 {
		f.Log.Debugf("%d video packets lost", lost)
		f.Hub.RequestKeyframe()
	}

	for _, p := range packets {
		au, ts, err := f.dec.Decode(p)
		if err != nil {
			if err == rtph264.ErrMorePacketsNeeded ||
				err == rtph264.ErrNonStartingPacketAndNoPrevious {
				continue
			}

			f.Log.Debugf("%v", liberrors.ErrDepacketMalformed{Wrapped: err})
			f.Hub.RequestKeyframe()
			continue
		}

		f.forwardAccessUnit(au, ts)
	}
}

func (f *forwarder) forwardAccessUnit(au [][]byte, timestamp uint32) {
	if f.waitingKeyframe {
		if !rtph264.IsKeyframe(au) {
			return
		}
		f.waitingKeyframe = false
		f.Log.Infof("keyframe received, starting video")
	}

	packets, err := f.enc.Encode(au, timestamp+f.videoTSOffset)
	if err != nil {
		f.Log.Debugf("unable to repacketize video: %v", err)
		return
	}

	for _, pkt := range packets {
		err := f.Stream.VideoTrack().WriteRTP(pkt)
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			f.Log.Debugf("unable to write video packet: %v", err)
		}
	}
}
