// SPDX-License-Identifier: BSD-3-Clause

package controller

import "errors"

var (
	// ErrInvalidConfiguration indicates the controller configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid controller configuration")
)
