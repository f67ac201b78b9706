// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mediarouter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Noop is a deterministic, in-memory Router used by tests and as
// confsvc's default router. It performs no real media handling: producers
// and consumers are bookkeeping only, and RTP/DTLS parameters are
// synthesized deterministically from the calling ids so that assertions
// can be written against stable values.
//
// Because Noop never re-encodes audio, a sender's fingerprint CRC and a
// receiver's fingerprint CRC over the same frame are bitwise equal,
// satisfying the exact-match default from the relaxed-matching property.
type Noop struct {
	mut         sync.Mutex
	seq         uint64
	producers   map[string]producerRecord // producerID -> record
	byUser      map[string][]string       // meetingID|userID -> owned ids (transports, producer, consumers)
	consumersBy map[string][]string       // meetingID|userID -> consumer ids created for that receiver
}

type producerRecord struct {
	meetingID, userID string
}

// NewNoop returns an empty Noop router.
func NewNoop() *Noop {
	return &Noop{
		producers:   make(map[string]producerRecord),
		byUser:      make(map[string][]string),
		consumersBy: make(map[string][]string),
	}
}

func (n *Noop) nextID(prefix string) string {
	id := atomic.AddUint64(&n.seq, 1)
	return fmt.Sprintf("%s-%d", prefix, id)
}

func userKey(meetingID, userID string) string {
	return meetingID + "|" + userID
}

func (n *Noop) RouterRTPCapabilities(_ context.Context, meetingID string) (RTPCapabilities, error) {
	return RTPCapabilities{
		"codecs": []string{"audio/opus"},
		"scope":  meetingID,
	}, nil
}

func (n *Noop) CreateTransports(_ context.Context, meetingID, userID string) (Transport, Transport, error) {
	n.mut.Lock()
	defer n.mut.Unlock()

	sendID := n.nextID("transport-send")
	recvID := n.nextID("transport-recv")
	n.track(meetingID, userID, sendID, recvID)

	mk := func(id string, dir Direction) Transport {
		return Transport{
			ID:        id,
			Direction: dir,
			ICEParameters: ICEParameters{
				UsernameFragment: id + "-ufrag",
				Password:         id + "-pwd",
			},
			ICECandidates: []ICECandidate{{
				Foundation: "1",
				Protocol:   "udp",
				Priority:   1,
				IP:         "127.0.0.1",
				Port:       0,
				Type:       "host",
			}},
			DTLSParameters: DTLSParameters{
				Role: "server",
				Fingerprints: []DTLSFingerprint{{
					Algorithm: "sha-256",
					Value:     id + "-fingerprint",
				}},
			},
		}
	}
	return mk(sendID, DirectionSend), mk(recvID, DirectionRecv), nil
}

func (n *Noop) track(meetingID, userID string, ids ...string) {
	key := userKey(meetingID, userID)
	n.byUser[key] = append(n.byUser[key], ids...)
}

func (n *Noop) ConnectTransport(_ context.Context, _ string, _ Direction, _ DTLSParameters) error {
	return nil
}

func (n *Noop) CreateProducer(_ context.Context, meetingID, userID, _ string, _ RTPParameters) (string, error) {
	n.mut.Lock()
	defer n.mut.Unlock()

	producerID := n.nextID("producer")
	n.producers[producerID] = producerRecord{meetingID: meetingID, userID: userID}
	n.track(meetingID, userID, producerID)
	return producerID, nil
}

func (n *Noop) CreateConsumer(_ context.Context, meetingID, receiverUserID, senderUserID string, _ RTPCapabilities) (Consumer, error) {
	n.mut.Lock()
	defer n.mut.Unlock()

	var producerID string
	for id, rec := range n.producers {
		if rec.meetingID == meetingID && rec.userID == senderUserID {
			producerID = id
			break
		}
	}
	if producerID == "" {
		return Consumer{}, ErrNotConsumable
	}

	consumerID := n.nextID("consumer")
	n.track(meetingID, receiverUserID, consumerID)
	n.consumersBy[userKey(meetingID, receiverUserID)] = append(n.consumersBy[userKey(meetingID, receiverUserID)], consumerID)

	return Consumer{
		ID:            consumerID,
		ProducerID:    producerID,
		Kind:          "audio",
		RTPParameters: RTPParameters{"producerId": producerID},
	}, nil
}

func (n *Noop) SetConsumerPreferredLayer(_ context.Context, _ string, _ Layer) error {
	return nil
}

func (n *Noop) CleanupUser(_ context.Context, meetingID, userID string) error {
	n.mut.Lock()
	defer n.mut.Unlock()

	key := userKey(meetingID, userID)
	delete(n.byUser, key)
	delete(n.consumersBy, key)
	for id, rec := range n.producers {
		if rec.meetingID == meetingID && rec.userID == userID {
			delete(n.producers, id)
		}
	}
	return nil
}

var _ Router = (*Noop)(nil)
