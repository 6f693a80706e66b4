// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// jobid.go - deterministic, reversible job identifiers
//
// A user has at most one scheduled job, identified by a deterministic
// function of the address. Base64url encoding keeps the mapping injective
// for arbitrary address bytes, so two distinct addresses can never collide
// and the address can be recovered from a job id seen in logs.

package schedule

import (
	"encoding/base64"
	"strings"
)

const jobIDPrefix = "send:"

// JobID returns the scheduled-job identifier for an address.
func JobID(address string) string {
	return jobIDPrefix + base64.RawURLEncoding.EncodeToString([]byte(address))
}

// AddressFromJobID recovers the address embedded in a job id. The second
// return value is false when the id does not carry the expected prefix or
// payload encoding.
func AddressFromJobID(id string) (string, bool) {
	encoded, ok := strings.CutPrefix(id, jobIDPrefix)
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
