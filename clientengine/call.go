// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"context"
	"fmt"

	"github.com/confdio/confd/protocol"
	"github.com/confdio/confd/ws"
)

func (c *Client) join(ctx context.Context) (protocol.Joined, error) {
	resp, err := c.call(ctx, protocol.Join{
		MeetingID:   c.cfg.MeetingID,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
	}, protocol.TypeJoined)
	if err != nil {
		return protocol.Joined{}, err
	}
	joined, ok := resp.(protocol.Joined)
	if !ok {
		return protocol.Joined{}, fmt.Errorf("unexpected reply type for join")
	}
	return joined, nil
}

func (c *Client) leave(ctx context.Context) error {
	raw, err := protocol.EncodeClient(protocol.Leave{MeetingID: c.cfg.MeetingID, UserID: c.cfg.UserID})
	if err != nil {
		return err
	}
	return c.sendRaw(raw)
}

func (c *Client) createTransport(ctx context.Context, direction string) (protocol.WebRTCTransportCreated, error) {
	resp, err := c.call(ctx, protocol.CreateWebRTCTransport{Direction: direction}, protocol.TypeWebRTCTransportCreated)
	if err != nil {
		return protocol.WebRTCTransportCreated{}, err
	}
	created, ok := resp.(protocol.WebRTCTransportCreated)
	if !ok {
		return protocol.WebRTCTransportCreated{}, fmt.Errorf("unexpected reply type for createWebRtcTransport")
	}
	return created, nil
}

func (c *Client) connectTransport(ctx context.Context, direction string, dtls protocol.DTLSParameters) error {
	_, err := c.call(ctx, protocol.ConnectWebRTCTransport{
		Direction:      direction,
		DTLSParameters: dtls,
	}, protocol.TypeWebRTCTransportConnect)
	return err
}

func (c *Client) produce(ctx context.Context, rtpParameters map[string]interface{}) (string, error) {
	resp, err := c.call(ctx, protocol.Produce{Kind: "audio", RTPParameters: rtpParameters}, protocol.TypeProduced)
	if err != nil {
		return "", err
	}
	produced, ok := resp.(protocol.Produced)
	if !ok {
		return "", fmt.Errorf("unexpected reply type for produce")
	}
	return produced.ProducerID, nil
}

func (c *Client) consume(ctx context.Context, producerID string) (protocol.Consumed, error) {
	resp, err := c.call(ctx, protocol.Consume{ProducerID: producerID}, protocol.TypeConsumed)
	if err != nil {
		return protocol.Consumed{}, err
	}
	consumed, ok := resp.(protocol.Consumed)
	if !ok {
		return protocol.Consumed{}, fmt.Errorf("unexpected reply type for consume")
	}
	c.mut.Lock()
	c.consumers[consumed.ID] = producerID
	c.mut.Unlock()
	return consumed, nil
}

func (c *Client) sendFrameFingerprint(msg protocol.FrameFingerprint) error {
	raw, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(raw)
}

func (c *Client) sendRTCPReport(msg protocol.RTCPReport) error {
	raw, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(raw)
}

func (c *Client) sendRaw(raw []byte) error {
	return c.ws.Send(ws.TextMessage, raw)
}
