/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
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

// Package tunnel implements the wire framing and full-duplex relay state
// machine described in spec sec. 4.1. It is grounded on
// original_source/tunnel-server/src/uds_tunnel/tunnel.py, re-expressed as a
// goroutine-per-connection Go state machine instead of the original's
// asyncio protocol class: each accepted connection runs on its own
// goroutine doing blocking reads/writes, which gives the reactive-flow-control
// backpressure spec sec. 4.1/5 requires for free — a blocked Write on a full
// peer send buffer naturally delays the next Read on this side, the same
// effect the source gets from pausing its asyncio transport.
package tunnel

import "fmt"

// Wire constants match original_source's consts.py exactly (spec sec. 4.1,
// and the COMMAND_LENGTH/TICKET_LENGTH/PASSWORD_LENGTH note in SPEC_FULL's
// introduction).
const (
	CommandLength  = 4
	TicketLength   = 48
	PasswordLength = 40
)

// Commands recognized in the 4-byte command field.
const (
	cmdOpen = "OPEN"
	cmdTest = "TEST"
	cmdStat = "STAT"
	cmdInfo = "INFO"
)

// Wire responses, spec sec. 4.1/6.
const (
	RespOK           = "OK"
	RespErrorCommand = "ERROR_COMMAND"
	RespErrorTicket  = "ERROR_TICKET"
	RespForbidden    = "FORBIDDEN"
)

// ValidTicket reports whether t satisfies spec invariant I5: exactly
// TicketLength bytes, every byte in [A-Za-z0-9].
func ValidTicket(t string) bool {
	if len(t) != TicketLength {
		return false
	}
	for i := 0; i < len(t); i++ {
		if !isAlnum(t[i]) {
			return false
		}
	}
	return true
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// normalizeCommand converts a raw 4-byte command field to a string for
// dispatch. Comparison against cmdOpen/cmdTest/cmdStat/cmdInfo is exact-byte,
// matching the original's `command == consts.COMMAND_OPEN`: a lowercase or
// mixed-case command is not one of the four recognized commands and falls
// through to ERROR_COMMAND.
func normalizeCommand(b []byte) string {
	return string(b)
}

// terminatedLine formats the end-of-session log line from spec sec. 4.1
// exactly: "TERMINATED <src> to <dst>, s:<sent>, r:<recv>, t:<duration_seconds>".
func terminatedLine(src, dst string, sent, recv uint64, durationSeconds float64) string {
	return fmt.Sprintf("TERMINATED %s to %s, s:%d, r:%d, t:%.3f", src, dst, sent, recv, durationSeconds)
}
