// SPDX-License-Identifier: BSD-3-Clause

package mailnotify

import (
	"github.com/nats-io/nats.go"

	"github.com/spinnaker/bmpctl/pkg/ipc"
)

type config struct {
	nc      *nats.Conn
	subject string
}

// Option configures a Notifier at construction time.
type Option interface {
	apply(*config)
}

type subjectOption struct{ subject string }

func (o *subjectOption) apply(c *config) { c.subject = o.subject }

// WithSubject overrides the default operator-mail subject.
func WithSubject(subject string) Option { return &subjectOption{subject: subject} }

func newConfig(nc *nats.Conn, opts ...Option) *config {
	c := &config{nc: nc, subject: ipc.SubjectOperatorMail}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}
