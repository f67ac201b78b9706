// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package confsvc

import (
	"io"
	"net/http"

	"github.com/confdio/confd/confadmin"
	"github.com/confdio/confd/registry"
)

// admin serves the confadmin control channel confbot uses to script and
// observe load-test scenarios. It is only registered when
// cfg.API.Security.EnableAdmin is set.
func (s *Service) admin(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(confadmin.AuthHeader) != s.cfg.API.Security.AdminSecretKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	req, err := confadmin.DecodeRequest(body)
	if err != nil {
		writeAdminResponse(w, confadmin.Response{Error: err.Error()})
		return
	}

	switch req.Op {
	case confadmin.OpSnapshot:
		writeAdminResponse(w, confadmin.Response{Meetings: s.snapshot()})
	case confadmin.OpForceTier:
		if err := s.registry.SetTier(req.MeetingID, registry.Tier(req.Tier)); err != nil {
			writeAdminResponse(w, confadmin.Response{Error: err.Error()})
			return
		}
		writeAdminResponse(w, confadmin.Response{})
	default:
		writeAdminResponse(w, confadmin.Response{Error: "unknown op"})
	}
}

func (s *Service) snapshot() []confadmin.MeetingSnapshot {
	var out []confadmin.MeetingSnapshot
	for _, meetingID := range s.registry.MeetingIDs() {
		tier, err := s.registry.GetTier(meetingID)
		if err != nil {
			continue
		}
		out = append(out, confadmin.MeetingSnapshot{
			MeetingID:    meetingID,
			Tier:         string(tier),
			Participants: s.registry.ParticipantCount(meetingID),
		})
	}
	return out
}

func writeAdminResponse(w http.ResponseWriter, resp confadmin.Response) {
	data, err := confadmin.Encode(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	_, _ = w.Write(data)
}
