package protocol

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/response"
	"github.com/kokukuma/mdoc-presentment/session_transcript"
	"github.com/sirupsen/logrus"
)

// Proximity serves an ISO/IEC 18013-5 session after engagement. The reader
// may send several requests; the session ends on status 20 or when the
// transport closes after a response.
type Proximity struct {
	Transport        Transport
	EDeviceKey       *ecdh.PrivateKey
	DeviceEngagement []byte
	// Handover defaults to the QR handover.
	Handover cbor.RawMessage
}

func (p *Proximity) Run(ctx context.Context, env Env) error {
	msg, err := p.Transport.Receive(ctx)
	if err != nil {
		return err
	}
	var est mdoc.SessionEstablishment
	if err := cbor.Unmarshal(msg, &est); err != nil {
		p.sendStatus(ctx, mdoc.SessionStatusDecodingError)
		return fmt.Errorf("failed to decode session establishment: %w", err)
	}
	readerKey, err := est.EReaderKey.PublicKey()
	if err != nil {
		p.sendStatus(ctx, mdoc.SessionStatusDecodingError)
		return err
	}
	transcript, err := session_transcript.Proximity(p.DeviceEngagement, est.EReaderKey, p.Handover)
	if err != nil {
		return err
	}
	session, err := mdoc.NewSessionEncryption(mdoc.RoleMdoc, p.EDeviceKey, readerKey, transcript)
	if err != nil {
		return err
	}

	data := est.Data
	responded := false
	for {
		if len(data) > 0 {
			if err := p.serve(ctx, env, session, readerKey, transcript, data); err != nil {
				return err
			}
			responded = true
		}

		msg, err := p.Transport.Receive(ctx)
		if errors.Is(err, ErrTransportClosed) && responded {
			return nil
		}
		if err != nil {
			return err
		}
		var sd mdoc.SessionData
		if err := cbor.Unmarshal(msg, &sd); err != nil {
			p.sendStatus(ctx, mdoc.SessionStatusDecodingError)
			return fmt.Errorf("failed to decode session data: %w", err)
		}
		if sd.Status != nil && *sd.Status == mdoc.SessionStatusTermination {
			logrus.Debug("protocol: reader ended the session")
			return nil
		}
		data = sd.Data
	}
}

func (p *Proximity) serve(ctx context.Context, env Env, session *mdoc.SessionEncryption, readerKey *ecdh.PublicKey, transcript, data []byte) error {
	plaintext, err := session.Decrypt(data)
	if err != nil {
		p.sendStatus(ctx, mdoc.SessionStatusEncryptionError)
		return err
	}
	deviceRequest, err := mdoc.ParseDeviceRequest(plaintext)
	if err != nil {
		p.sendStatus(ctx, mdoc.SessionStatusDecodingError)
		return err
	}
	query, err := dcql.FromDeviceRequest(deviceRequest)
	if err != nil {
		p.sendStatus(ctx, mdoc.SessionStatusDecodingError)
		return err
	}
	zk, err := deviceRequest.ZkRequested()
	if err != nil {
		p.sendStatus(ctx, mdoc.SessionStatusDecodingError)
		return err
	}

	selected, err := present(ctx, env, ISOProximity, "", query)
	if err != nil {
		// No match or a declined consent still ends the session for the
		// reader. A cancelled session is terminated by whoever cancelled it.
		if ctx.Err() == nil {
			p.sendStatus(ctx, mdoc.SessionStatusTermination)
		}
		return err
	}
	req := &Request{
		Query:      query,
		Transcript: transcript,
		Policy: response.KeyAgreementPolicy{
			PreferKeyAgreement: env.PreferKeyAgreement,
			ZkRequested:        zk,
			ReaderKey:          readerKey,
		},
		rand: env.Rand,
	}
	if req.rand == nil {
		req.rand = rand.Reader
	}
	a := response.NewAssembler(req.Policy, response.WithRand(req.rand))
	deviceResponse, err := req.deviceResponse(ctx, a, selected)
	if err != nil {
		return err
	}
	ciphertext, err := session.Encrypt(deviceResponse)
	if err != nil {
		return err
	}
	out, err := cbor.Marshal(mdoc.SessionData{Data: ciphertext})
	if err != nil {
		return fmt.Errorf("failed to encode session data: %w", err)
	}
	if err := p.Transport.Send(ctx, out); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return recordUsage(env.Source, Credentials(selected))
}

func (p *Proximity) sendStatus(ctx context.Context, status uint) {
	out, err := cbor.Marshal(mdoc.NewSessionStatus(status))
	if err != nil {
		return
	}
	if err := p.Transport.Send(ctx, out); err != nil {
		logrus.WithError(err).Debug("protocol: failed to send session status")
	}
}

// Terminate sends session termination (status 20).
func (p *Proximity) Terminate(ctx context.Context) error {
	out, err := cbor.Marshal(mdoc.NewSessionStatus(mdoc.SessionStatusTermination))
	if err != nil {
		return err
	}
	return p.Transport.Send(ctx, out)
}

func (p *Proximity) Close(notify bool) error {
	return p.Transport.Close(notify)
}

// ProximityReader is the reader end of a proximity session.
type ProximityReader struct {
	Transport  Transport
	EReaderKey *ecdh.PrivateKey

	eReaderKeyBytes []byte
	transcript      []byte
	session         *mdoc.SessionEncryption
	established     bool
}

// NewProximityReader binds a reader to the device engagement it scanned.
func NewProximityReader(transport Transport, deviceEngagement []byte, handover cbor.RawMessage) (*ProximityReader, error) {
	eDeviceKey, err := mdoc.ParseDeviceEngagement(deviceEngagement)
	if err != nil {
		return nil, err
	}
	eReaderKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generateKey: %v", err)
	}
	coseKey, err := mdoc.NewCOSEKey(eReaderKey.PublicKey())
	if err != nil {
		return nil, err
	}
	eReaderKeyBytes, err := cbor.Marshal(coseKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reader key: %w", err)
	}
	transcript, err := session_transcript.Proximity(deviceEngagement, eReaderKeyBytes, handover)
	if err != nil {
		return nil, err
	}
	session, err := mdoc.NewSessionEncryption(mdoc.RoleReader, eReaderKey, eDeviceKey, transcript)
	if err != nil {
		return nil, err
	}
	return &ProximityReader{
		Transport:       transport,
		EReaderKey:      eReaderKey,
		eReaderKeyBytes: eReaderKeyBytes,
		transcript:      transcript,
		session:         session,
	}, nil
}

func (r *ProximityReader) Transcript() []byte {
	return r.transcript
}

// Request sends a DeviceRequest for items and waits for the response.
func (r *ProximityReader) Request(ctx context.Context, items ...mdoc.ItemsRequest) (*mdoc.DeviceResponse, error) {
	deviceRequest, err := mdoc.NewDeviceRequest(items...)
	if err != nil {
		return nil, err
	}
	raw, err := mdoc.Marshal(deviceRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device request: %w", err)
	}
	ciphertext, err := r.session.Encrypt(raw)
	if err != nil {
		return nil, err
	}

	var out []byte
	if r.established {
		out, err = cbor.Marshal(mdoc.SessionData{Data: ciphertext})
	} else {
		out, err = cbor.Marshal(mdoc.SessionEstablishment{EReaderKey: r.eReaderKeyBytes, Data: ciphertext})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := r.Transport.Send(ctx, out); err != nil {
		return nil, err
	}
	r.established = true

	msg, err := r.Transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	var sd mdoc.SessionData
	if err := cbor.Unmarshal(msg, &sd); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	if len(sd.Data) == 0 {
		if sd.Status != nil {
			return nil, fmt.Errorf("session ended with status %d", *sd.Status)
		}
		return nil, fmt.Errorf("session data is empty")
	}
	plaintext, err := r.session.Decrypt(sd.Data)
	if err != nil {
		return nil, err
	}
	var devResp mdoc.DeviceResponse
	if err := cbor.Unmarshal(plaintext, &devResp); err != nil {
		return nil, fmt.Errorf("failed to decode device response: %w", err)
	}
	return &devResp, nil
}

// End sends session termination.
func (r *ProximityReader) End(ctx context.Context) error {
	out, err := cbor.Marshal(mdoc.NewSessionStatus(mdoc.SessionStatusTermination))
	if err != nil {
		return err
	}
	return r.Transport.Send(ctx, out)
}
