// Package protocol dispatches presentment requests by protocol identifier,
// computes their session transcripts and encodes the responses, for the
// holder and for the verifier.
package protocol

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
)

// Protocol identifiers of the Digital Credentials API.
const (
	Preview             = "preview"
	OpenID4VP           = "openid4vp"
	OpenID4VPV1Unsigned = "openid4vp-v1-unsigned"
	OpenID4VPV1Signed   = "openid4vp-v1-signed"
	ARF                 = "austroads-request-forwarding-v2"
	ISOMdoc             = "org.iso.mdoc"
	ISOMdocDash         = "org-iso-mdoc"

	// ISOProximity names ISO/IEC 18013-5 sessions in consent requests. It
	// is not a Digital Credentials API protocol.
	ISOProximity = "iso-18013-5"
)

// Supported lists the protocol identifiers in the order a verifier offers
// them.
var Supported = []string{
	OpenID4VPV1Signed,
	OpenID4VPV1Unsigned,
	OpenID4VP,
	ISOMdoc,
	ISOMdocDash,
	ARF,
	Preview,
}

var (
	ErrProtocolNotSupported = errors.New("Protocol not supported")
	ErrTransportClosed      = errors.New("transport closed")
)

// Transport carries the messages of one presentment. Close with notify
// tells the peer the session ended; without it the transport is dropped.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(notify bool) error
}

// ConsentRequest is what the holder is asked to approve.
type ConsentRequest struct {
	Protocol string
	Origin   string
	Query    *dcql.Query
	Response *dcql.Response
}

// ConsentFunc blocks until the holder decides. Declining returns an error.
type ConsentFunc func(ctx context.Context, req ConsentRequest) (dcql.Selection, error)

// Env is what a mechanism needs from the presentment running it.
type Env struct {
	Source             credential.Source
	Consent            ConsentFunc
	PreferKeyAgreement bool
	Now                func() time.Time
	Rand               io.Reader
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Mechanism runs the protocol exchange of one presentment.
type Mechanism interface {
	// Run serves requests until the exchange is over.
	Run(ctx context.Context, env Env) error
	// Terminate ends the session in protocol terms, if the protocol has
	// such a message.
	Terminate(ctx context.Context) error
	Close(notify bool) error
}
