// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package confadmin defines the internal control channel confbot uses
// to script and observe a confd instance during load tests. It is not
// part of the client-facing signaling protocol: requests are exchanged
// over a single HTTP endpoint, msgpack-encoded, gated by a shared
// secret key.
package confadmin

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Header carries the shared secret confd checks before serving any
// admin request.
const AuthHeader = "X-Confadmin-Key"

// Op identifies the requested admin operation.
type Op string

const (
	// OpSnapshot returns a point-in-time view of every live meeting.
	OpSnapshot Op = "snapshot"
	// OpForceTier overrides a meeting's adaptive-quality tier, bypassing
	// the decision rule; used to script tier-dependent test scenarios
	// without waiting on real network degradation.
	OpForceTier Op = "force-tier"
)

// Request is the single envelope confbot sends to /admin.
type Request struct {
	Op        Op     `msgpack:"op"`
	MeetingID string `msgpack:"meetingId,omitempty"`
	Tier      string `msgpack:"tier,omitempty"`
}

// MeetingSnapshot is one meeting's admin-visible state.
type MeetingSnapshot struct {
	MeetingID    string `msgpack:"meetingId"`
	Tier         string `msgpack:"tier"`
	Participants int    `msgpack:"participants"`
}

// Response is the single envelope confd sends back.
type Response struct {
	Error    string            `msgpack:"error,omitempty"`
	Meetings []MeetingSnapshot `msgpack:"meetings,omitempty"`
}

// Encode marshals v (a Request or Response) to msgpack.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeRequest unmarshals a msgpack-encoded Request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	err := msgpack.Unmarshal(data, &req)
	return req, err
}

// DecodeResponse unmarshals a msgpack-encoded Response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	err := msgpack.Unmarshal(data, &resp)
	return resp, err
}
