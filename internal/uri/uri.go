// Package uri defines the bounded, opaque key type used to address objects
// in the store.
package uri

import (
	"errors"
	"fmt"
	"strings"
)

// MaxBytes is the largest URI the daemon will accept, in bytes.
const MaxBytes = 4096

// ErrTooLong is returned by Validate when a candidate URI exceeds MaxBytes.
var ErrTooLong = errors.New("uri: exceeds maximum length")

// DeletePrefix marks a request as a deletion of the remainder of the URI.
const DeletePrefix = "/delete/"

// Validate checks that s is a legal URI: non-empty and no longer than
// MaxBytes. Equality between two valid URIs is always byte-exact; this
// package never normalizes or canonicalizes input.
func Validate(s string) error {
	if len(s) == 0 {
		return errors.New("uri: empty")
	}
	if len(s) > MaxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLong, len(s))
	}
	return nil
}

// SplitDelete inspects s for the delete convention: a "/delete/" prefix
// means the request is a DELETE, and the effective URI is the remainder
// starting at the second slash. ok is false for any other URI, in which
// case effective is the zero value and must not be used.
func SplitDelete(s string) (effective string, ok bool) {
	if !strings.HasPrefix(s, DeletePrefix) {
		return "", false
	}
	return s[len(DeletePrefix)-1:], true
}

// ListPrefix is the admin-listing convention. The daemon has no listing
// endpoint and answers such requests with UNSUPPORTED_OP, but the engine
// must still recognize the prefix rather than treat it as an ordinary
// object URI.
const ListPrefix = "/list/"

// SplitList reports whether s uses the listing convention.
func SplitList(s string) (effective string, ok bool) {
	if !strings.HasPrefix(s, ListPrefix) {
		return "", false
	}
	return s[len(ListPrefix)-1:], true
}
