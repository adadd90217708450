// SPDX-License-Identifier: BSD-3-Clause

package worker

import "errors"

var (
	// ErrInvalidConfiguration indicates the worker configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid worker configuration")
)
