// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package sanitize cleans untrusted strings before they are stored,
// logged or recorded in spans.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxLabelLength bounds free text labels coming from clients,
	// in runes.
	MaxLabelLength = 200
)

// ToValidUTF8 replaces invalid byte sequences with U+FFFD.
func ToValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	return strings.ToValidUTF8(s, "\uFFFD")
}

// String repairs s as UTF-8, turns whitespace control characters into
// spaces, drops the other control and format characters, trims the
// result and truncates it to max runes. A non-positive max disables
// truncation.
func String(s string, max int) string {
	s = ToValidUTF8(s)

	var b strings.Builder
	b.Grow(len(s))

	n := 0
	for _, r := range strings.TrimSpace(s) {
		if max > 0 && n >= max {
			break
		}

		switch {
		case r == '\t' || r == '\n' || r == '\r':
			r = ' '
		case unicode.IsControl(r) || unicode.Is(unicode.Cf, r):
			continue
		}

		b.WriteRune(r)
		n++
	}

	return strings.TrimSpace(b.String())
}

// Label sanitizes a client supplied label.
func Label(s string) string {
	return String(s, MaxLabelLength)
}

type sanitizedError struct {
	err error
}

func (e sanitizedError) Error() string {
	if e.err == nil {
		return ""
	}

	return ToValidUTF8(e.err.Error())
}

func (e sanitizedError) Unwrap() error { return e.err }

// Error wraps err so that Error() is valid UTF-8, as required by the
// OTLP exporter for span events.
func Error(err error) error {
	if err == nil {
		return nil
	}

	if utf8.ValidString(err.Error()) {
		return err
	}

	return sanitizedError{err: err}
}
