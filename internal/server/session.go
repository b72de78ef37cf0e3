package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/mdoc-presentment/presentment"
	"github.com/kokukuma/mdoc-presentment/protocol"
)

var ErrSessionNotFound = errors.New("session not found")

// Sessions holds the verifier sessions between request and response.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*protocol.SessionData
}

func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]*protocol.SessionData),
	}
}

func (s *Sessions) NewSession(data *protocol.SessionData) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.sessions[id] = data
	return id
}

func (s *Sessions) GetSession(id string) (*protocol.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Finish drops a session once a response was accepted; a session answers
// at most once.
func (s *Sessions) Finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// walletPresentment is a presentment run for an HTTP client. The client
// sees the pending consent and the response the wallet sent.
type walletPresentment struct {
	model  *presentment.Model
	reader protocol.Transport
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  *presentment.ConsentRequest
	response json.RawMessage
}

// watch collects consent requests and the response until the presentment
// ends.
func (p *walletPresentment) watch(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		_ = p.model.Wait(ctx)
		close(done)
	}()
	go func() {
		for {
			select {
			case cr := <-p.model.Consents():
				p.mu.Lock()
				p.pending = cr
				p.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	go func() {
		msg, err := p.reader.Receive(ctx)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.response = msg
		p.mu.Unlock()
	}()
}

// takeConsent returns the pending consent request and clears it. The model
// enters WaitingForConsent before it hands the request over, so a request
// still in flight is waited for until ctx ends.
func (p *walletPresentment) takeConsent(ctx context.Context) *presentment.ConsentRequest {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if p.model.State() != presentment.WaitingForConsent {
			return nil
		}
		p.mu.Lock()
		cr := p.pending
		p.pending = nil
		p.mu.Unlock()
		if live(cr) {
			return cr
		}

		select {
		case cr := <-p.model.Consents():
			return cr
		case <-tick.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *walletPresentment) snapshot() (*presentment.ConsentRequest, json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cr := p.pending
	if !live(cr) {
		cr = nil
	}
	return cr, p.response
}

// live reports whether the presentment still waits for cr.
func live(cr *presentment.ConsentRequest) bool {
	if cr == nil {
		return false
	}
	select {
	case <-cr.Done():
		return false
	default:
		return true
	}
}

type Presentments struct {
	mu           sync.Mutex
	presentments map[string]*walletPresentment
}

func NewPresentments() *Presentments {
	return &Presentments{
		presentments: make(map[string]*walletPresentment),
	}
}

func (s *Presentments) add(p *walletPresentment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presentments[p.model.ID()] = p
}

func (s *Presentments) get(id string) (*walletPresentment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presentments[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return p, nil
}

// remove resets the presentment and stops watching it.
func (s *Presentments) remove(id string) error {
	s.mu.Lock()
	p, ok := s.presentments[id]
	delete(s.presentments, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	p.model.Reset()
	p.cancel()
	return nil
}

func (s *Presentments) closeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.presentments))
	for id := range s.presentments {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.remove(id)
	}
}
