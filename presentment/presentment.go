// Package presentment runs one presentment at a time through
// Idle → Connecting → WaitingForSource → Processing ⇄ WaitingForConsent →
// Completed, driving a protocol.Mechanism and handing consent decisions to
// the caller.
package presentment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConsentDeclined   = errors.New("consent declined")
	ErrConsentTimeout    = errors.New("consent timed out")
	// ErrDismissed is a cancellation: errors.Is(ErrDismissed, context.Canceled).
	ErrDismissed       = fmt.Errorf("presentment dismissed: %w", context.Canceled)
	ErrTransportClosed = protocol.ErrTransportClosed
)

const DefaultTeardownDelay = 500 * time.Millisecond

type Option func(*Model)

func WithID(id string) Option {
	return func(m *Model) {
		m.id = id
	}
}

// WithPreferKeyAgreement makes proximity responses use a device MAC
// whenever the credential and the reader allow it.
func WithPreferKeyAgreement(prefer bool) Option {
	return func(m *Model) {
		m.preferKeyAgreement = prefer
	}
}

// WithTeardownDelay is how long the session context outlives Completed, so
// that subscribers see the last transition before cancellation.
func WithTeardownDelay(d time.Duration) Option {
	return func(m *Model) {
		m.teardownDelay = d
	}
}

// WithConsentTimeout declines consent requests that are not decided in d.
// Zero waits forever.
func WithConsentTimeout(d time.Duration) Option {
	return func(m *Model) {
		m.consentTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		m.now = now
	}
}

func WithRand(r io.Reader) Option {
	return func(m *Model) {
		m.rand = r
	}
}

// outcome is closed when a presentment ends, err first.
type outcome struct {
	done chan struct{}
	err  error
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) finish(err error) {
	o.err = err
	close(o.done)
}

// Model is the state of one presentment. It is safe for concurrent use.
type Model struct {
	id                 string
	preferKeyAgreement bool
	teardownDelay      time.Duration
	consentTimeout     time.Duration
	now                func() time.Time
	rand               io.Reader

	mu          sync.Mutex
	state       State
	generation  uint64
	mechanism   protocol.Mechanism
	source      credential.Source
	ctx         context.Context
	cancel      context.CancelFunc
	teardown    *time.Timer
	outcome     *outcome
	subscribers map[chan State]struct{}
	consents    chan *ConsentRequest
}

func New(opts ...Option) *Model {
	m := &Model{
		id:            uuid.NewString(),
		teardownDelay: DefaultTeardownDelay,
		now:           time.Now,
		rand:          rand.Reader,
		state:         Idle,
		outcome:       newOutcome(),
		subscribers:   map[chan State]struct{}{},
		consents:      make(chan *ConsentRequest),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) ID() string {
	return m.id
}

func (m *Model) log() *logrus.Entry {
	return logrus.WithField("session", m.id)
}

func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the terminal error of a completed presentment, nil on success.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome.err
}

// Subscribe delivers every state change. Slow subscribers miss changes
// rather than block the presentment; State is always current.
func (m *Model) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, ch)
			m.mu.Unlock()
		})
	}
}

// Consents delivers the consent requests of the running presentment.
func (m *Model) Consents() <-chan *ConsentRequest {
	return m.consents
}

// Wait blocks until the presentment completes or is reset and returns
// its terminal error.
func (m *Model) Wait(ctx context.Context) error {
	m.mu.Lock()
	o := m.outcome
	m.mu.Unlock()

	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState must be called with mu held.
func (m *Model) setState(to State) {
	from := m.state
	m.state = to
	m.log().WithFields(logrus.Fields{"from": from, "to": to}).Debug("presentment: state changed")
	for ch := range m.subscribers {
		select {
		case ch <- to:
		default:
		}
	}
}

func (m *Model) moveLocked(to State) error {
	if !canMove(m.state, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.state, to)
	}
	m.setState(to)
	return nil
}

// SetConnecting starts a presentment. The session context derives from ctx.
func (m *Model) SetConnecting(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.moveLocked(Connecting); err != nil {
		return err
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	return nil
}

// SetMechanism binds the transport mechanism.
func (m *Model) SetMechanism(mech protocol.Mechanism) error {
	if mech == nil {
		return fmt.Errorf("mechanism cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.moveLocked(WaitingForSource); err != nil {
		return err
	}
	m.mechanism = mech
	return nil
}

// SetSource binds the credential source and starts processing.
func (m *Model) SetSource(src credential.Source) error {
	if src == nil {
		return fmt.Errorf("source cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.moveLocked(Processing); err != nil {
		return err
	}
	m.source = src

	gen := m.generation
	ctx := m.ctx
	mech := m.mechanism
	env := protocol.Env{
		Source:             src,
		PreferKeyAgreement: m.preferKeyAgreement,
		Now:                m.now,
		Rand:               m.rand,
		Consent: func(ctx context.Context, req protocol.ConsentRequest) (dcql.Selection, error) {
			return m.consent(ctx, gen, req)
		},
	}
	go func() {
		err := mech.Run(ctx, env)
		m.complete(gen, err)
	}()
	return nil
}

func (m *Model) consent(ctx context.Context, gen uint64, req protocol.ConsentRequest) (dcql.Selection, error) {
	if err := m.moveIf(gen, Processing, WaitingForConsent); err != nil {
		return dcql.Selection{}, err
	}
	defer func() {
		_ = m.moveIf(gen, WaitingForConsent, Processing)
	}()

	var timeout <-chan time.Time
	if m.consentTimeout > 0 {
		t := time.NewTimer(m.consentTimeout)
		defer t.Stop()
		timeout = t.C
	}

	cr := newConsentRequest(req)
	defer close(cr.done)
	select {
	case m.consents <- cr:
	case <-ctx.Done():
		return dcql.Selection{}, ctx.Err()
	case <-timeout:
		return dcql.Selection{}, ErrConsentTimeout
	}

	select {
	case d := <-cr.decision:
		if !d.approved {
			return dcql.Selection{}, ErrConsentDeclined
		}
		return d.selection, nil
	case <-ctx.Done():
		return dcql.Selection{}, ctx.Err()
	case <-timeout:
		return dcql.Selection{}, ErrConsentTimeout
	}
}

// moveIf moves from → to only if the presentment is still generation gen.
func (m *Model) moveIf(gen uint64, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.state != from {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.state, to)
	}
	return m.moveLocked(to)
}

// complete ends generation gen with err. Later calls are ignored.
func (m *Model) complete(gen uint64, err error) {
	m.mu.Lock()
	if m.generation != gen || m.state == Completed || m.state == Idle {
		m.mu.Unlock()
		return
	}
	mech := m.finishLocked(err)
	cancel := m.cancel
	m.teardown = time.AfterFunc(m.teardownDelay, cancel)
	m.mu.Unlock()

	if mech != nil {
		if cerr := mech.Close(true); cerr != nil {
			m.log().WithError(cerr).Debug("presentment: failed to close mechanism")
		}
	}
}

// finishLocked enters Completed and releases the mechanism and source,
// returning the mechanism for the caller to close outside the lock.
func (m *Model) finishLocked(err error) protocol.Mechanism {
	mech := m.mechanism
	m.mechanism = nil
	m.source = nil
	m.outcome.finish(err)
	m.setState(Completed)

	entry := m.log()
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("presentment: completed")
	return mech
}

// Dismiss ends a presentment in Processing or WaitingForConsent on the
// holder's behalf. The session completes with ErrDismissed. Before a
// source is bound there is no exchange to end; use Reset.
func (m *Model) Dismiss(style DismissStyle) error {
	m.mu.Lock()
	if m.state != Processing && m.state != WaitingForConsent {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot dismiss in %s", ErrInvalidTransition, state)
	}
	ctx := m.ctx
	cancel := m.cancel
	mech := m.finishLocked(ErrDismissed)
	m.mu.Unlock()

	m.log().WithField("style", style).Debug("presentment: dismissed")

	var result error
	if mech != nil {
		switch style {
		case DismissSessionTermination:
			tctx, tcancel := context.WithTimeout(ctx, time.Second)
			if err := mech.Terminate(tctx); err != nil {
				result = fmt.Errorf("failed to terminate session: %w", err)
			}
			tcancel()
			_ = mech.Close(true)
		case DismissTransportSpecific:
			_ = mech.Close(true)
		default:
			_ = mech.Close(false)
		}
	}
	cancel()
	return result
}

// Reset returns to Idle from any state. A running presentment is cancelled
// and its mechanism dropped without notifying the reader.
func (m *Model) Reset() {
	m.mu.Lock()
	if m.teardown != nil {
		m.teardown.Stop()
		m.teardown = nil
	}
	mech := m.mechanism
	cancel := m.cancel
	if m.state != Idle && m.state != Completed {
		m.outcome.finish(context.Canceled)
	}
	m.generation++
	m.mechanism = nil
	m.source = nil
	m.ctx, m.cancel = nil, nil
	m.outcome = newOutcome()
	m.setState(Idle)
	m.mu.Unlock()

	if mech != nil {
		_ = mech.Close(false)
	}
	if cancel != nil {
		cancel()
	}
}
