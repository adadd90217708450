// SPDX-License-Identifier: BSD-3-Clause

package bmpdriver

import "errors"

var (
	// ErrInvalidConfiguration indicates the driver configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid BMP driver configuration")
	// ErrPowerOnExhausted indicates powerOnAndCheck exhausted its retry
	// bound without every board reporting healthy FPGAs.
	ErrPowerOnExhausted = errors.New("power-on-and-check exhausted retry attempts")
)
