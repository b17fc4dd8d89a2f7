// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Close codes surfaced to clients in pusher:error frames. Codes in the
// 4000-4099 range tell the client to reconnect is pointless; 4100-4199 ask
// it to back off and retry.
const (
	CodeOriginNotAllowed = 4001
	CodeUnknownAppKey    = 4001
	CodeInvalidSignature = 4009
	CodeOverCapacity     = 4100
)

// Sentinel errors for non-fatal channel conditions.
var (
	// ErrUnknownChannel marks a lookup for a channel nobody local occupies.
	// The API layer maps it to 404; the protocol layer treats it as
	// "forward to the cluster anyway".
	ErrUnknownChannel = errors.New("unknown channel")
)

// Error is a protocol-level failure with a defined wire payload. It is
// raised close to the point of detection and translated to a pusher:error
// frame at the connection boundary, after which the socket is closed.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// Payload returns the pusher:error wire frame for this error.
func (e *Error) Payload() []byte {
	// Marshal of this shape cannot fail.
	b, _ := json.Marshal(map[string]interface{}{
		"event": EventError,
		"data": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
		},
	})
	return b
}

// NewUnknownAppKeyError reports a handshake with an unregistered app key.
func NewUnknownAppKeyError(appKey string) *Error {
	return &Error{
		Code:    CodeUnknownAppKey,
		Message: fmt.Sprintf("Could not find app key `%s`.", appKey),
	}
}

// NewOriginNotAllowedError reports a handshake from a disallowed origin.
func NewOriginNotAllowedError() *Error {
	return &Error{
		Code:    CodeOriginNotAllowed,
		Message: "The origin is not allowed for this application.",
	}
}

// NewInvalidSignatureError reports a failed subscription signature check.
func NewInvalidSignatureError() *Error {
	return &Error{
		Code:    CodeInvalidSignature,
		Message: "The provided auth signature is incorrect.",
	}
}

// NewInvalidChannelDataError reports presence channel_data that was signed
// but cannot be decoded as a member payload.
func NewInvalidChannelDataError() *Error {
	return &Error{
		Code:    CodeInvalidSignature,
		Message: "Invalid channel_data for presence channel.",
	}
}

// NewOverCapacityError reports an admission rejection for an app at its
// connection cap.
func NewOverCapacityError() *Error {
	return &Error{
		Code:    CodeOverCapacity,
		Message: "Over capacity",
	}
}
