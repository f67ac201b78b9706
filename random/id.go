// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"bytes"
	"encoding/base32"

	"github.com/pborman/uuid"
)

const charset = "ybndrfg8ejkmcpqxot1uwisza345h769"

var encoding = base32.NewEncoding(charset)

// NewID is a globally unique identifier.  It is a [a-z0-9] string 26
// characters long.  It is a UUID version 4 Guid that is zbased32 encoded
// with the padding stripped off.
func NewID() string {
	var b bytes.Buffer
	encoder := base32.NewEncoder(encoding, &b)
	if _, err := encoder.Write(uuid.NewRandom()); err != nil {
		return ""
	}
	encoder.Close()
	b.Truncate(26) // removes the '==' padding
	return b.String()
}

// shortIDLen is long enough to make accidental collisions within a
// single process run exceedingly unlikely, short enough to read in a
// log line.
const shortIDLen = 8

// NewShortID returns an 8-character prefix of NewID, for use as a
// human-readable correlation id (e.g. tagging a confd process's log
// lines) rather than as a unique resource identifier.
func NewShortID() string {
	return NewID()[:shortIDLen]
}
