package mailer

import "context"

// Mailer is the outbound mail delivery port.
type Mailer interface {
	// VerifyConnectivity checks that the transport can connect and
	// authenticate without sending anything.
	VerifyConnectivity(ctx context.Context) error
	// Send attempts one delivery to a single recipient address.
	Send(ctx context.Context, to, subject, html string) error
}
