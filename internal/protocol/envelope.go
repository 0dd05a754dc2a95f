/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package protocol implements the Protocol Handler (L): a closed
// action-to-handler dispatch table over the wire envelope.
package protocol

import "time"

// Envelope is the wire object: every action carries at minimum
// {action}, optionally {request_id, timestamp}, plus action-specific
// fields.
type Envelope map[string]interface{}

func (e Envelope) action() string {
	v, _ := e["action"].(string)
	return v
}

func (e Envelope) requestID() string {
	v, _ := e["request_id"].(string)
	return v
}

func (e Envelope) str(key string) string {
	v, _ := e[key].(string)
	return v
}

func (e Envelope) boolean(key string) bool {
	v, _ := e[key].(bool)
	return v
}

// Meta carries connection-scoped context the dispatcher needs but which
// never travels on the wire: the originating client_id/peer address and
// the authenticated user_id, if any.
type Meta struct {
	ClientID      string
	PeerAddr      string
	UserID        string
	Authenticated bool
}

// ok builds a success reply, echoing request_id and action.
func ok(action, requestID string, fields map[string]interface{}) Envelope {
	e := Envelope{"success": true, "action": action}
	if requestID != "" {
		e["request_id"] = requestID
	}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

// fail builds the typed failure reply every error path returns.
func fail(action, requestID, code, message string) Envelope {
	e := Envelope{"success": false, "action": action, "code": code, "message": message}
	if requestID != "" {
		e["request_id"] = requestID
	}
	return e
}

// heartbeatResponse is the fixed reply to {action:"heartbeat"}.
func heartbeatResponse(requestID string, serverTime time.Time) Envelope {
	e := Envelope{
		"action":      "heartbeat_response",
		"success":     true,
		"timestamp":   serverTime.UnixMilli(),
		"server_time": serverTime.Unix(),
	}
	if requestID != "" {
		e["request_id"] = requestID
	}
	return e
}
