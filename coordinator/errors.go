// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package coordinator

import (
	"fmt"

	"github.com/confdio/confd/protocol"
)

// Error is a protocol-level error: it carries the wire code/message the
// SessionCoordinator sends back to the client, and whether the
// connection must be closed as a result.
type Error struct {
	Code    int
	Message string
	Close   bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("coordinator: %d %s", e.Code, e.Message)
}

// ToProtocol converts e into the wire error frame.
func (e *Error) ToProtocol() protocol.Error {
	return protocol.Error{Code: e.Code, Message: e.Message}
}

func errUnauthorized() *Error {
	return &Error{Code: protocol.CodeUnauthorized, Message: "Unauthorized", Close: true}
}

func errMalformed(detail string) *Error {
	return &Error{Code: protocol.CodeMalformed, Message: "Malformed: " + detail}
}

func errDuplicateUser() *Error {
	return &Error{Code: protocol.CodeMalformed, Message: "DuplicateUser", Close: true}
}

func errInvalidState(detail string) *Error {
	return &Error{Code: protocol.CodeMalformed, Message: "InvalidState: " + detail}
}

func errNotConsumable() *Error {
	return &Error{Code: protocol.CodeMalformed, Message: "NotConsumable"}
}

func errNotFound(detail string) *Error {
	return &Error{Code: protocol.CodeNotFound, Message: "NotFound: " + detail}
}

func errMediaRouterFailure(detail string) *Error {
	return &Error{Code: protocol.CodeMediaRouterFailure, Message: "MediaRouterFailure: " + detail}
}

func errMediaRouterTimeout() *Error {
	return &Error{Code: protocol.CodeMediaRouterFailure, Message: "MediaRouterTimeout", Close: true}
}
