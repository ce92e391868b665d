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

// Package errors gives every local recovery point in the tunnel relay a
// structured, loggable error: a numeric code classifying the failure kind,
// an optional parent error, and the call site that raised it.
package errors

import (
	"fmt"
	"runtime"
)

// Code classifies a relay error the way the tunnel's error-handling design
// enumerates failure kinds: config, protocol, auth, upstream, backend, transport.
type Code uint16

const (
	UnknownError Code = iota
	ConfigError
	ProtocolError
	AuthError
	UpstreamError
	BackendError
	TransportError
)

func (c Code) String() string {
	switch c {
	case ConfigError:
		return "ConfigError"
	case ProtocolError:
		return "ProtocolError"
	case AuthError:
		return "AuthError"
	case UpstreamError:
		return "UpstreamError"
	case BackendError:
		return "BackendError"
	case TransportError:
		return "TransportError"
	default:
		return "UnknownError"
	}
}

// Error is a relay error carrying a Code, a message, an optional parent
// and the source location it was raised from.
type Error interface {
	error
	Code() Code
	IsCode(c Code) bool
	Parent() error
	Add(parent error) Error
}

type ers struct {
	code Code
	msg  string
	par  error
	file string
	line int
}

func (e *ers) Error() string {
	if e.par != nil {
		return fmt.Sprintf("%s: %s: %s", e.code, e.msg, e.par.Error())
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *ers) Code() Code { return e.code }

func (e *ers) IsCode(c Code) bool { return e.code == c }

func (e *ers) Parent() error { return e.par }

func (e *ers) Add(parent error) Error {
	e.par = parent
	return e
}

// New returns a new Error of the given code, capturing the caller's
// file:line the way the teacher's errors package captures a runtime.Frame.
func New(code Code, msg string, parent ...error) Error {
	e := &ers{code: code, msg: msg}

	if _, file, line, ok := runtime.Caller(1); ok {
		e.file, e.line = file, line
	}

	for _, p := range parent {
		if p != nil {
			e.par = p
			break
		}
	}

	return e
}

// Newf formats msg with args before wrapping it, mirroring the teacher's
// CodeError.Errorf convenience constructor.
func Newf(code Code, msg string, args ...interface{}) Error {
	return New(code, fmt.Sprintf(msg, args...))
}

// Location returns the file:line the error was raised at, for log fields.
func Location(e Error) (file string, line int) {
	if er, ok := e.(*ers); ok {
		return er.file, er.line
	}
	return "", 0
}
