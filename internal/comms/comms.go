// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package comms runs supervisory link sessions on top of the link codec and
// a transport.
//
// The Supervisor is the PLC side: it owns at most one session, supervises it
// with a watchdog, streams status reports and routes commands into the
// controller. The Client is the peer side used by the remote CLI and tests.
package comms

import (
	"errors"
	"time"

	"github.com/Thermoquad/rpsplc/pkg/link"
)

var (
	// ErrLinkTimeout means the peer went silent for longer than the link timeout
	ErrLinkTimeout = errors.New("link timeout")

	// ErrNotEstablished means no session is established
	ErrNotEstablished = errors.New("session not established")

	// ErrRejected means the other end refused a handshake or command
	ErrRejected = errors.New("rejected by peer")

	// ErrPeerClosed means the other end closed the session
	ErrPeerClosed = errors.New("session closed by peer")
)

// Rejection reasons reported in metrics and events
const (
	ReasonNotEstablished = "not_established"
	ReasonWrongPeer      = "wrong_peer"
	ReasonWrongSession   = "wrong_session"
	ReasonStaleSeq       = "stale_seq"
	ReasonUnexpectedKind = "unexpected_kind"
	ReasonBadPayload     = "bad_payload"
	ReasonCollision      = "collision"
	ReasonBadVersion     = "bad_version"
	ReasonBadRole        = "bad_role"
	ReasonQueueFull      = "queue_full"
	ReasonMonitorOnly    = "monitor_session"
)

// LinkState is the published view of the supervisory link
type LinkState struct {
	Up        bool          `json:"up"`
	Peer      string        `json:"peer,omitempty"`
	SessionID uint32        `json:"session_id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Since     time.Time     `json:"since,omitempty"`
	RTT       time.Duration `json:"rtt_ns,omitempty"`
	Sessions  uint64        `json:"sessions"`
	Losses    uint64        `json:"losses"`
	Stats     link.Counters `json:"stats"`
}

// decodeReason maps a decode failure to a metric label
func decodeReason(err error) string {
	switch {
	case errors.Is(err, link.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, link.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, link.ErrUnknownKind):
		return "unknown_kind"
	default:
		return "malformed"
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
