// SPDX-License-Identifier: BSD-3-Clause

package applier

import "fmt"

type config struct {
	systemReportUser string
	notify           func(boardID int64, message string)
}

// Option configures an Applier at construction time.
type Option interface {
	apply(*config)
}

type systemReportUserOption struct{ user string }

func (o *systemReportUserOption) apply(c *config) { c.systemReportUser = o.user }

// WithSystemReportUser sets the identity attributed to auto-filed board
// issue reports (§6 "systemReportUser").
func WithSystemReportUser(user string) Option { return &systemReportUserOption{user: user} }

type notifyOption struct{ fn func(boardID int64, message string) }

func (o *notifyOption) apply(c *config) { c.notify = o.fn }

// WithNotifyFunc sets the hook invoked for each drained PostTask, after the
// log line, to publish the operator-mail side effect onto the IPC bus. The
// default is a no-op, matching an Applier run without an IPC connection.
func WithNotifyFunc(fn func(boardID int64, message string)) Option {
	return &notifyOption{fn: fn}
}

func newConfig(opts ...Option) *config {
	c := &config{
		systemReportUser: "bmpctl",
		notify:           func(int64, string) {},
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *config) validate() error {
	if c.systemReportUser == "" {
		return fmt.Errorf("%w: system report user cannot be empty", ErrInvalidConfiguration)
	}
	return nil
}
