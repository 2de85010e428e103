/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mtaerr classifies delivery-attempt errors the way the rest of the
// engine needs them classified: temporary-or-permanent, with enough
// structured fields attached for the Response Classifier and bounce
// composer to act without re-parsing text.
package mtaerr

import (
	"errors"
)

type TemporaryErr interface {
	Temporary() bool
}

// IsTemporaryOrUnspec assumes errors are temporary unless they say otherwise.
func IsTemporaryOrUnspec(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

// IsTemporary assumes errors are permanent unless they say otherwise.
func IsTemporary(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

type temporaryErr struct {
	err  error
	temp bool
}

func (t temporaryErr) Unwrap() error  { return t.err }
func (t temporaryErr) Error() string  { return t.err.Error() }
func (t temporaryErr) Temporary() bool { return t.temp }

// WithTemporary wraps err with an explicit Temporary() verdict, overriding
// whatever the wrapped error would otherwise report.
func WithTemporary(err error, temporary bool) error {
	return temporaryErr{err, temporary}
}
