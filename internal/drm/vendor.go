package drm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/metrics"
)

// CDM is the vendor surface a VendorSession drives. Widevine modules,
// PlayReady platforms and MediaDrm adapters all reduce to it.
type CDM interface {
	// UpdateSession feeds a license or certificate response to the CDM.
	UpdateSession(sessionID string, response []byte) error
	CloseSession(sessionID string) error
	Decrypt(sessionID string, keyID []byte, mode CryptoMode, iv []byte, pattern Pattern, data []byte) ([]byte, error)
}

// EventProcessor is implemented by sessions that receive vendor callbacks.
// The coordinator calls ProcessEvents on its own processing turn.
type EventProcessor interface {
	ProcessEvents(ctx context.Context) error
}

// VendorSessionConfig configures NewVendorSession.
type VendorSessionConfig struct {
	ID        string
	CDM       CDM
	Host      *Host
	Exchanger *LicenseExchanger
	Mode      CryptoMode
	// OnServerCertificate receives a certificate returned for a two byte
	// challenge. When nil the certificate is passed to UpdateSession.
	OnServerCertificate func(cert []byte) error
	Polls               int
	PollInterval        time.Duration
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

// VendorSession is a Session backed by a vendor CDM. It owns the event
// queue of its session id and drives the license exchange.
type VendorSession struct {
	*Cenc

	id        string
	cdm       CDM
	host      *Host
	queue     *EventQueue
	exchanger *LicenseExchanger
	onCert    func([]byte) error
	polls     int
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	challenge []byte
	closed    bool
	// gone is set when the vendor closed the session on its own.
	gone bool
}

// NewVendorSession registers cfg.ID with the host and returns the session.
func NewVendorSession(cfg VendorSessionConfig) *VendorSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backend := ""
	if cfg.Exchanger != nil {
		backend = cfg.Exchanger.Backend
	}
	s := &VendorSession{
		id:        cfg.ID,
		cdm:       cfg.CDM,
		host:      cfg.Host,
		queue:     cfg.Host.Register(cfg.ID),
		exchanger: cfg.Exchanger,
		onCert:    cfg.OnServerCertificate,
		polls:     cfg.Polls,
		interval:  cfg.PollInterval,
		logger:    logger.With(slog.String("backend", backend), slog.String("session_id", cfg.ID)),
		metrics:   cfg.Metrics,
	}
	s.Cenc = NewCenc(DecryptorFunc(s.decrypt), cfg.Mode)
	s.SetSessionOpen(true)
	return s
}

// ID returns the vendor session id.
func (s *VendorSession) ID() string { return s.id }

// ChallengeData returns the last challenge produced by the CDM.
func (s *VendorSession) ChallengeData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

func (s *VendorSession) decrypt(keyID []byte, mode CryptoMode, iv []byte, pattern Pattern, data []byte) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed || s.gone
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return s.cdm.Decrypt(s.id, keyID, mode, iv, pattern, data)
}

// License runs the exchange until at least one key is usable. When
// challenge is nil the session waits for the CDM to post one.
func (s *VendorSession) License(ctx context.Context, challenge []byte) error {
	if s.exchanger == nil {
		return fmt.Errorf("%w: no license exchanger", ErrProtectionConfig)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if challenge == nil {
			ev, err := s.queue.Await(ctx, s.polls, s.interval,
				func(ev Event) bool { return ev.Type == EventMessage },
				s.apply,
			)
			if err != nil {
				return fmt.Errorf("waiting for license challenge: %w", err)
			}
			challenge = ev.Message
		}
		s.mu.Lock()
		s.challenge = challenge
		s.mu.Unlock()

		res, err := s.exchanger.Exchange(ctx, challenge, s.id, s.Keys.Default())
		if err != nil {
			return err
		}
		if res.ServerCertificate {
			s.logger.DebugContext(ctx, "received service certificate")
			if err := s.installCertificate(res.License); err != nil {
				return err
			}
			challenge = nil
			continue
		}

		if err := s.cdm.UpdateSession(s.id, res.License); err != nil {
			return fmt.Errorf("%w: updating session: %w", ErrLicense, err)
		}
		s.SetLimits(0, res.HDCPLimit, res.ResolutionLimit)
		return s.awaitUsable(ctx)
	}
	return fmt.Errorf("%w: no license challenge after service certificate", ErrLicense)
}

func (s *VendorSession) installCertificate(cert []byte) error {
	var err error
	if s.onCert != nil {
		err = s.onCert(cert)
	} else {
		err = s.cdm.UpdateSession(s.id, cert)
	}
	if err != nil {
		return fmt.Errorf("%w: installing service certificate: %w", ErrLicense, err)
	}
	return nil
}

func (s *VendorSession) awaitUsable(ctx context.Context) error {
	if s.Keys.AnyUsable() {
		return nil
	}
	_, err := s.queue.Await(ctx, s.polls, s.interval,
		func(ev Event) bool {
			s.apply(ev)
			return s.Keys.AnyUsable()
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: no usable key after license: %w", ErrLicense, err)
	}
	s.logger.DebugContext(ctx, "license applied", slog.Int("keys", s.Keys.Len()))
	return nil
}

func (s *VendorSession) apply(ev Event) {
	switch ev.Type {
	case EventKeyStatus:
		s.Keys.SetStatus(ev.KeyID, ev.Status)
	case EventClosed:
		s.mu.Lock()
		s.gone = true
		s.mu.Unlock()
		s.SetSessionOpen(false)
	case EventMessage:
		s.mu.Lock()
		s.challenge = ev.Message
		s.mu.Unlock()
	}
}

// ProcessEvents applies queued key status changes and answers renewal
// requests posted since the last call.
func (s *VendorSession) ProcessEvents(ctx context.Context) error {
	for _, ev := range s.queue.Drain() {
		switch ev.Type {
		case EventMessage, EventKeyRequired:
			challenge := ev.Message
			if len(challenge) == 0 {
				challenge = nil
			}
			if err := s.License(ctx, challenge); err != nil {
				return fmt.Errorf("renewing license: %w", err)
			}
		default:
			s.apply(ev)
		}
	}
	return nil
}

// Close closes the vendor session and detaches it from the host.
func (s *VendorSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.SetSessionOpen(false)
	s.host.Unregister(s.id)
	s.metrics.SessionClosed()
	if err := s.cdm.CloseSession(s.id); err != nil {
		return fmt.Errorf("%w: closing session %s: %w", ErrSessionLifecycle, s.id, err)
	}
	return nil
}
