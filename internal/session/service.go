// Package session implements the refresh-token lifecycle: issuance, rotation,
// binding enforcement, revocation and best-effort presence. The Service is
// the only component that creates, rotates or revokes tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agrimap.org/internal/audit"
	"agrimap.org/internal/obs"
	"agrimap.org/internal/presence"
	"agrimap.org/internal/ratelimit"
)

const defaultRefreshTTL = 24 * time.Hour

// Service is the token authority. Construct once and share; every method is
// safe for concurrent use.
type Service struct {
	creds    CredentialStore
	tokens   TokenStore
	signer   Signer
	limiter  ratelimit.Limiter
	presence presence.Tracker
	audit    audit.Sink
	now      func() time.Time

	refreshTTL      time.Duration
	rotateOnRefresh bool
	replayCascade   bool
	binding         BindingConfig
	singleDevice    SingleDevicePolicy
	requireDeviceID bool
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRotation toggles rotate-on-refresh. Reuse mode trades replay
// resistance for fewer writes.
func WithRotation(enabled bool) Option {
	return func(s *Service) { s.rotateOnRefresh = enabled }
}

// WithReplayCascade toggles revoking the whole device chain when a revoked
// token value is presented again.
func WithReplayCascade(enabled bool) Option {
	return func(s *Service) { s.replayCascade = enabled }
}

// WithBinding sets the device/UA/IP binding configuration.
func WithBinding(cfg BindingConfig) Option {
	return func(s *Service) { s.binding = cfg }
}

// WithSingleDevice sets the single-device policy.
func WithSingleDevice(policy SingleDevicePolicy) Option {
	return func(s *Service) { s.singleDevice = policy }
}

// WithRequireDeviceID makes login reject requests without a device id.
func WithRequireDeviceID(required bool) Option {
	return func(s *Service) { s.requireDeviceID = required }
}

// WithRateLimiter installs admission control for login and refresh.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithPresence installs the presence tracker.
func WithPresence(t presence.Tracker) Option {
	return func(s *Service) {
		if t != nil {
			s.presence = t
		}
	}
}

// WithAudit installs the audit sink.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// NewService constructs the token authority.
func NewService(creds CredentialStore, tokens TokenStore, signer Signer, opts ...Option) (*Service, error) {
	if creds == nil || tokens == nil || signer == nil {
		return nil, errors.New("session: credential store, token store and signer are required")
	}
	s := &Service{
		creds:           creds,
		tokens:          tokens,
		signer:          signer,
		limiter:         ratelimit.NopLimiter{},
		presence:        presence.NewLocal(presence.DefaultWindow),
		audit:           audit.NoOpSink{},
		now:             time.Now,
		refreshTTL:      defaultRefreshTTL,
		rotateOnRefresh: true,
		replayCascade:   true,
		binding:         BindingConfig{UAMode: UABindingLenient},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginInput carries everything observed about the login request.
type LoginInput struct {
	Username  string
	Password  string
	DeviceID  string
	UserAgent string
	IP        string
}

// Login authenticates credentials and issues a fresh token pair. Checks run
// in a fixed order and each failure short-circuits: admission, credentials,
// account status, single-device policy, then issuance.
func (s *Service) Login(ctx context.Context, in LoginInput) (*TokenPair, error) {
	if s.requireDeviceID && in.DeviceID == "" {
		return nil, ErrDeviceRequired
	}

	if err := s.admit(ctx, ratelimit.ScopeLogin, in.IP); err != nil {
		return nil, err
	}

	user, err := s.creds.FindByUsername(ctx, in.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Same answer as a wrong password: account existence must not leak.
			obs.IncRejection(Code(ErrInvalidCredentials))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("session: credential lookup: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, in.Password); err != nil {
		obs.IncRejection(Code(ErrInvalidCredentials))
		return nil, ErrInvalidCredentials
	}

	if user.Status != StatusActive {
		s.emit(ctx, audit.EventSessionRejected, user, in.DeviceID, in.IP, in.UserAgent, "account_inactive")
		obs.IncRejection(Code(ErrAccountInactive))
		return nil, ErrAccountInactive
	}

	if err := s.applySingleDevice(ctx, user, in); err != nil {
		return nil, err
	}

	now := s.now()
	value, id, hash, err := newTokenValue()
	if err != nil {
		return nil, fmt.Errorf("session: generate refresh token: %w", err)
	}
	tok := &RefreshToken{
		ID:          id,
		TokenHash:   hash,
		PrincipalID: user.ID,
		DeviceID:    in.DeviceID,
		UserAgent:   in.UserAgent,
		IP:          in.IP,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.tokens.Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("session: create refresh token: %w", err)
	}

	access, accessExp, err := s.signer.Issue(user.ID, user.Role, user.OrgID)
	if err != nil {
		return nil, fmt.Errorf("session: sign access token: %w", err)
	}

	s.touch(ctx, user.ID, in.DeviceID, now)
	s.emit(ctx, audit.EventLoginSuccess, user, in.DeviceID, in.IP, in.UserAgent, "")
	obs.IncLogin()

	return &TokenPair{
		TokenType:        "Bearer",
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: tok.ExpiresAt,
		Principal:        user,
	}, nil
}

// RefreshInput carries everything observed about the refresh request.
type RefreshInput struct {
	TokenValue string
	DeviceID   string
	UserAgent  string
	IP         string
}

// Rotate validates the presented refresh token and exchanges it for a new
// pair. In rotation mode the predecessor is revoked in the same store
// transaction that creates the successor, so concurrent rotations of one
// token produce exactly one winner; the loser observes ErrTokenNotFound.
func (s *Service) Rotate(ctx context.Context, in RefreshInput) (*TokenPair, error) {
	if err := s.admit(ctx, ratelimit.ScopeRefresh, in.IP); err != nil {
		return nil, err
	}

	id, secret, err := splitTokenValue(in.TokenValue)
	if err != nil {
		obs.IncRejection(Code(ErrTokenNotFound))
		return nil, ErrTokenNotFound
	}

	old, err := s.tokens.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.IncRejection(Code(ErrTokenNotFound))
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("session: token lookup: %w", err)
	}

	if !secretMatchesHash(old.TokenHash, secret) {
		// Valid id with a wrong secret is a forgery signal: burn the token.
		_, _ = s.tokens.Revoke(ctx, old.ID)
		s.emitID(ctx, audit.EventSessionRejected, old.PrincipalID, in.DeviceID, in.IP, in.UserAgent, "token_secret_mismatch")
		obs.IncRejection(Code(ErrTokenNotFound))
		return nil, ErrTokenNotFound
	}

	now := s.now()

	if old.Revoked {
		// A once-valid value presented after revocation is replay. The
		// response stays indistinguishable from an unknown token.
		if s.replayCascade {
			_, _ = s.tokens.RevokeAllForDevice(ctx, old.PrincipalID, old.DeviceID)
		}
		s.emitID(ctx, audit.EventRefreshReplay, old.PrincipalID, in.DeviceID, in.IP, in.UserAgent, "revoked_token_reused")
		obs.IncRejection(Code(ErrTokenNotFound))
		return nil, ErrTokenNotFound
	}

	if !old.ExpiresAt.After(now) {
		_, _ = s.tokens.Revoke(ctx, old.ID)
		obs.IncRejection(Code(ErrTokenExpired))
		return nil, ErrTokenExpired
	}

	if err := s.binding.Validate(old, in.DeviceID, in.UserAgent, in.IP); err != nil {
		// A binding violation is a compromise signal, not a retryable
		// mistake: the token dies with the rejection.
		_, _ = s.tokens.Revoke(ctx, old.ID)
		s.emitID(ctx, audit.EventSessionRejected, old.PrincipalID, in.DeviceID, in.IP, in.UserAgent, Code(err))
		obs.IncRejection(Code(err))
		return nil, err
	}

	user, err := s.creds.FindByID(ctx, old.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("session: principal lookup: %w", err)
	}

	access, accessExp, err := s.signer.Issue(user.ID, user.Role, user.OrgID)
	if err != nil {
		return nil, fmt.Errorf("session: sign access token: %w", err)
	}

	if !s.rotateOnRefresh {
		s.touch(ctx, user.ID, in.DeviceID, now)
		s.emit(ctx, audit.EventRefreshReuse, user, in.DeviceID, in.IP, in.UserAgent, "")
		obs.IncRefresh("reuse")
		return &TokenPair{
			TokenType:        "Bearer",
			AccessToken:      access,
			RefreshToken:     in.TokenValue,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: old.ExpiresAt,
			Principal:        user,
		}, nil
	}

	value, newID, hash, err := newTokenValue()
	if err != nil {
		return nil, fmt.Errorf("session: generate refresh token: %w", err)
	}
	successor := &RefreshToken{
		ID:          newID,
		TokenHash:   hash,
		PrincipalID: user.ID,
		DeviceID:    in.DeviceID,
		UserAgent:   in.UserAgent,
		IP:          in.IP,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.tokens.Rotate(ctx, old.ID, successor); err != nil {
		if errors.Is(err, errRotationConflict) {
			// Lost the race: someone else rotated or revoked first.
			obs.IncRejection(Code(ErrTokenNotFound))
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("session: rotate refresh token: %w", err)
	}

	s.touch(ctx, user.ID, in.DeviceID, now)
	s.emit(ctx, audit.EventRefreshRotate, user, in.DeviceID, in.IP, in.UserAgent, "")
	obs.IncRefresh("rotate")

	return &TokenPair{
		TokenType:        "Bearer",
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: successor.ExpiresAt,
		Principal:        user,
	}, nil
}

// Logout revokes the presented token if it is still active. It is idempotent
// and never reveals whether the token existed.
func (s *Service) Logout(ctx context.Context, tokenValue string) error {
	id, secret, err := splitTokenValue(tokenValue)
	if err != nil {
		return nil
	}
	tok, err := s.tokens.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: token lookup: %w", err)
	}
	if !secretMatchesHash(tok.TokenHash, secret) {
		return nil
	}
	revoked, err := s.tokens.Revoke(ctx, tok.ID)
	if err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	if revoked {
		s.emitID(ctx, audit.EventLogout, tok.PrincipalID, tok.DeviceID, tok.IP, tok.UserAgent, "")
	}
	return nil
}

// RevokeDevice revokes every active token the principal holds on the device.
func (s *Service) RevokeDevice(ctx context.Context, principalID, deviceID string) error {
	n, err := s.tokens.RevokeAllForDevice(ctx, principalID, deviceID)
	if err != nil {
		return fmt.Errorf("session: revoke device: %w", err)
	}
	if n > 0 {
		s.emitID(ctx, audit.EventSessionRevoke, principalID, deviceID, "", "", fmt.Sprintf("revoked=%d", n))
	}
	return nil
}

// RevokeAllOtherDevices revokes every active token except those on the kept
// device.
func (s *Service) RevokeAllOtherDevices(ctx context.Context, principalID, keepDeviceID string) error {
	n, err := s.tokens.RevokeAllOtherDevices(ctx, principalID, keepDeviceID)
	if err != nil {
		return fmt.Errorf("session: revoke other devices: %w", err)
	}
	if n > 0 {
		s.emitID(ctx, audit.EventSessionRevoke, principalID, keepDeviceID, "", "", fmt.Sprintf("revoked_others=%d", n))
	}
	return nil
}

// Heartbeat refreshes presence and, when a matching active token exists, its
// last-seen timestamp. Heartbeats are advisory: a missing token degrades to a
// presence-only update and store errors are logged, not returned.
func (s *Service) Heartbeat(ctx context.Context, principalID, deviceID string) {
	s.presence.Ping(ctx, principalID, deviceID)
	if err := s.tokens.TouchLastSeen(ctx, principalID, deviceID, s.now()); err != nil {
		obs.LogEntry(map[string]any{
			"level": "warn",
			"msg":   "heartbeat touch failed",
			"error": err.Error(),
		})
	}
}

// ListSessions returns one page of the principal's session history.
func (s *Service) ListSessions(ctx context.Context, q SessionQuery) (*SessionPage, error) {
	if q.Size <= 0 {
		q.Size = 10
	}
	if q.Page < 0 {
		q.Page = 0
	}
	page, err := s.tokens.PageSessions(ctx, q, s.now())
	if err != nil {
		return nil, fmt.Errorf("session: page sessions: %w", err)
	}
	return page, nil
}

// Me returns the principal for an authenticated subject.
func (s *Service) Me(ctx context.Context, principalID string) (*Principal, error) {
	return s.creds.FindByID(ctx, principalID)
}

// OnlineCount reports the best-effort number of online devices and publishes
// it as a gauge.
func (s *Service) OnlineCount(ctx context.Context) int {
	n := s.presence.OnlineCount(ctx)
	obs.SetOnline(n)
	return n
}

// IsOnline reports whether a device pinged within the presence window.
func (s *Service) IsOnline(ctx context.Context, principalID, deviceID string) bool {
	return s.presence.IsOnline(ctx, principalID, deviceID)
}

func (s *Service) admit(ctx context.Context, scope ratelimit.Scope, key string) error {
	ok, err := s.limiter.Allow(ctx, scope, key)
	if err != nil {
		return fmt.Errorf("session: rate limiter: %w", err)
	}
	if !ok {
		obs.IncRejection(Code(ErrRateLimited))
		return ErrRateLimited
	}
	return nil
}

func (s *Service) applySingleDevice(ctx context.Context, user *Principal, in LoginInput) error {
	if s.singleDevice == SingleDeviceOff {
		return nil
	}
	actives, err := s.tokens.FindAllActiveForPrincipal(ctx, user.ID, s.now())
	if err != nil {
		return fmt.Errorf("session: active token lookup: %w", err)
	}
	if len(actives) == 0 {
		return nil
	}
	if s.singleDevice == SingleDeviceRejectNew {
		s.emit(ctx, audit.EventSessionRejected, user, in.DeviceID, in.IP, in.UserAgent, "single_device_policy")
		obs.IncRejection(Code(ErrSingleDeviceConflict))
		return ErrSingleDeviceConflict
	}
	n, err := s.tokens.RevokeAllForPrincipal(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("session: revoke for single-device policy: %w", err)
	}
	if n > 0 {
		s.emit(ctx, audit.EventSessionRevoke, user, in.DeviceID, in.IP, in.UserAgent, fmt.Sprintf("single_device_revoked=%d", n))
	}
	return nil
}

func (s *Service) touch(ctx context.Context, principalID, deviceID string, now time.Time) {
	s.presence.Ping(ctx, principalID, deviceID)
	_ = s.tokens.TouchLastSeen(ctx, principalID, deviceID, now)
}

func (s *Service) emit(ctx context.Context, name string, user *Principal, deviceID, ip, ua, reason string) {
	s.audit.Emit(ctx, audit.Event{
		Name:        name,
		PrincipalID: user.ID,
		Username:    user.Username,
		DeviceID:    deviceID,
		IP:          ip,
		UserAgent:   ua,
		Reason:      reason,
		OccurredAt:  s.now(),
	})
}

func (s *Service) emitID(ctx context.Context, name, principalID, deviceID, ip, ua, reason string) {
	s.audit.Emit(ctx, audit.Event{
		Name:        name,
		PrincipalID: principalID,
		DeviceID:    deviceID,
		IP:          ip,
		UserAgent:   ua,
		Reason:      reason,
		OccurredAt:  s.now(),
	})
}
