// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package auth implements the HMAC-SHA256 signature scheme shared by socket
// subscription auth and HTTP API request auth.
//
// Socket auth signs "{socketId}:{channel}" for private channels and
// "{socketId}:{channel}:{channelData}" for presence channels. HTTP API auth
// signs "METHOD\n/path\nsorted_query" where the query string excludes the
// signature itself and transport-level parameters, and includes a freshly
// computed body_md5 whenever the request carries a body.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // body_md5 is part of the Pusher API contract, not used for security
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidSignature is returned when a presented signature does not match
// the expected one. Terminal for the current operation; never retried.
var ErrInvalidSignature = errors.New("invalid auth signature")

// excludedQueryKeys never participate in the signed API query string. A
// client-presented body_md5 is dropped here and recomputed from the actual
// request body.
var excludedQueryKeys = map[string]struct{}{
	"auth_signature": {},
	"body_md5":       {},
	"appId":          {},
	"appKey":         {},
	"channelName":    {},
}

// Sign computes the hex-encoded HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC for message under
// secret, using a constant-time comparison.
func Verify(secret, message, signature string) bool {
	expected := Sign(secret, message)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// SocketAuthMessage builds the message a client must sign to subscribe to a
// private or presence channel. channelData is empty for private channels.
func SocketAuthMessage(socketID, channel, channelData string) string {
	if channelData == "" {
		return socketID + ":" + channel
	}
	return socketID + ":" + channel + ":" + channelData
}

// APIAuthMessage builds the message signed by HTTP API callers: the upper-
// cased method, the request path, and the lexicographically sorted query
// pairs joined with "&". body may be nil for body-less requests.
func APIAuthMessage(method, path string, query url.Values, body []byte) string {
	signed := url.Values{}
	for k, vs := range query {
		if _, excluded := excludedQueryKeys[k]; excluded {
			continue
		}
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	if len(body) > 0 {
		signed.Set("body_md5", BodyMD5(body))
	}

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+signed.Get(k))
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(pairs, "&")
}

// BodyMD5 returns the hex MD5 digest of a request body, as appended to the
// signed query string under the body_md5 key.
func BodyMD5(body []byte) string {
	sum := md5.Sum(body) //nolint:gosec // API contract requires MD5 here
	return hex.EncodeToString(sum[:])
}

// VerifyAPIRequest checks an HTTP API request signature against the app
// secret. Returns ErrInvalidSignature on mismatch or missing signature.
func VerifyAPIRequest(secret, method, path string, query url.Values, body []byte) error {
	signature := query.Get("auth_signature")
	if signature == "" {
		return ErrInvalidSignature
	}
	if !Verify(secret, APIAuthMessage(method, path, query, body), signature) {
		return ErrInvalidSignature
	}
	return nil
}
