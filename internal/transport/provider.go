// Package transport provides an abstraction for the systems that physically
// deliver notifications (SMTP for email, an HTTP gateway for push) behind a
// single Provider interface the delivery worker depends on.
package transport

import "context"

// Message is the content to be delivered by a Provider. To is the channel
// address: an email address for SMTP, a device token for push.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Provider is the interface for notification delivery backends.
type Provider interface {
	// Name returns the provider identifier (e.g. "smtp").
	Name() string
	// Send delivers the message using the provider's transport.
	Send(ctx context.Context, msg Message) error
}
