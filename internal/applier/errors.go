// SPDX-License-Identifier: BSD-3-Clause

package applier

import "errors"

var (
	// ErrInvalidConfiguration indicates the applier configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid completion applier configuration")
)
