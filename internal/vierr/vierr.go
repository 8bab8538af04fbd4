// Package vierr defines the small sentinel-error taxonomy shared by
// denseindex, compositeindex, and volumeindex, matching spec.md §7 exactly:
// INVALID_ARGUMENT, BAD_STATE, CORRUPT_DATA, and OVERFLOW. Callers check
// these by comparing errors.Cause(err) against them; I/O and allocation errors are propagated unchanged
// from the caller-supplied readers/writers instead of being wrapped here.
package vierr

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument covers out-of-range chapters and configurations
	// that would yield more than 31 address bits or otherwise-disallowed
	// combinations.
	ErrInvalidArgument = errors.New("volumeindex: invalid argument")
	// ErrBadState covers a failed record-magic check, an operation that
	// requires is_found on a record that isn't, or a restore attempted on
	// a nil index.
	ErrBadState = errors.New("volumeindex: bad state")
	// ErrCorruptData covers save-stream magic mismatches, nonce
	// mismatches, inconsistent virtual_high across zone streams, sample-
	// rate disagreement, and wrong trailing content length.
	ErrCorruptData = errors.New("volumeindex: corrupt data")
	// ErrOverflow covers a delta zone running out of bits while
	// inserting; the entry is silently dropped and the condition is
	// logged at a rate limit, not fatal to the index.
	ErrOverflow = errors.New("volumeindex: zone bit budget exhausted")
)
