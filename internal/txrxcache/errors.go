// SPDX-License-Identifier: BSD-3-Clause

package txrxcache

import "errors"

var (
	// ErrInvalidConfiguration indicates the cache configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid transceiver cache configuration")
	// ErrBuildExhausted indicates a transceiver could not be constructed
	// (dial + probe) within the configured number of attempts.
	ErrBuildExhausted = errors.New("transceiver construction exhausted retry attempts")
	// ErrClosed indicates an operation was attempted on a closed cache.
	ErrClosed = errors.New("transceiver cache is closed")
)
