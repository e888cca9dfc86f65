package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// IdentityStore is an in-memory implementation of the store interface
// for development mode and unit tests. Conditional semantics mirror
// the Scylla LWT paths: every consume-and-commit is a compare-and-swap
// under one mutex.
type IdentityStore struct {
	mu sync.RWMutex

	identities map[string]*models.Identity // by identity id
	emailIndex map[string]string           // email -> identity id
	phoneIndex map[string]string           // phone hash -> identity id
	providers  map[string][]models.LinkedProvider
	schedule   map[string]repository.ScheduledDeletion // identity id -> row
	txns       map[string][]models.Transaction
	loans      map[string][]models.Loan
	categories map[string][]models.Category
	sessions   map[string][]models.Session
}

var _ repository.IdentityStore = (*IdentityStore)(nil)

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities: make(map[string]*models.Identity),
		emailIndex: make(map[string]string),
		phoneIndex: make(map[string]string),
		providers:  make(map[string][]models.LinkedProvider),
		schedule:   make(map[string]repository.ScheduledDeletion),
		txns:       make(map[string][]models.Transaction),
		loans:      make(map[string][]models.Loan),
		categories: make(map[string][]models.Category),
		sessions:   make(map[string][]models.Session),
	}
}

func (s *IdentityStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if _, taken := s.emailIndex[identity.Email]; taken {
		return repository.ErrEmailTaken
	}

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	cp := *identity
	s.identities[identity.ID] = &cp
	s.emailIndex[identity.Email] = identity.ID
	return nil
}

func (s *IdentityStore) GetIdentity(_ context.Context, identityID string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(identityID)
}

func (s *IdentityStore) getLocked(identityID string) (*models.Identity, error) {
	identity, ok := s.identities[identityID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (s *IdentityStore) GetIdentityByPhoneHash(_ context.Context, phoneHash string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.phoneIndex[phoneHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.getLocked(id)
}

func (s *IdentityStore) SetChallenge(_ context.Context, identityID string, ch repository.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return repository.ErrNotFound
	}

	expires := ch.ExpiresAt
	identity.OTPCode = ch.Code
	identity.OTPExpiresAt = &expires
	identity.OTPAttempts = 0
	identity.OTPPurpose = ch.Purpose
	identity.TempPhoneEncrypted = ch.TempPhoneEncrypted
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *IdentityStore) RecordChallengeMismatch(_ context.Context, identityID string, observedAttempts int, invalidate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return repository.ErrNotFound
	}
	if identity.OTPAttempts != observedAttempts {
		return repository.ErrStaleChallenge
	}

	if invalidate {
		clearChallenge(identity)
	} else {
		identity.OTPAttempts = observedAttempts + 1
	}
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *IdentityStore) ConsumeChallengePromotePhone(_ context.Context, identityID, code, purpose string, phoneEncrypted, phoneHash string, reportOptIn *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return repository.ErrNotFound
	}
	if owner, taken := s.phoneIndex[phoneHash]; taken && owner != identityID {
		return repository.ErrPhoneTaken
	}
	if identity.OTPCode != code || identity.OTPPurpose != purpose {
		return repository.ErrStaleChallenge
	}

	if identity.PhoneHash != "" && identity.PhoneHash != phoneHash {
		delete(s.phoneIndex, identity.PhoneHash)
	}
	s.phoneIndex[phoneHash] = identityID

	identity.PhoneEncrypted = phoneEncrypted
	identity.PhoneHash = phoneHash
	identity.TempPhoneEncrypted = ""
	identity.EmailVerified = true
	if reportOptIn != nil {
		identity.ReportOptIn = *reportOptIn
	}
	clearChallenge(identity)
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *IdentityStore) ConsumeChallengeSetPassword(_ context.Context, identityID, code, purpose, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return repository.ErrNotFound
	}
	if identity.OTPCode != code || identity.OTPPurpose != purpose {
		return repository.ErrStaleChallenge
	}

	identity.PasswordHash = passwordHash
	clearChallenge(identity)
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *IdentityStore) ListLinkedProviders(_ context.Context, identityID string) ([]models.LinkedProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.LinkedProvider, len(s.providers[identityID]))
	copy(out, s.providers[identityID])
	return out, nil
}

func (s *IdentityStore) UnlinkProvider(_ context.Context, identityID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.providers[identityID]
	for i, link := range links {
		if link.Provider == provider {
			s.providers[identityID] = append(links[:i:i], links[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *IdentityStore) ScheduleDeletion(_ context.Context, identity *models.Identity, requestedAt, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.identities[identity.ID]
	if !ok {
		return repository.ErrNotFound
	}

	req, sched := requestedAt, scheduledAt
	stored.DeleteRequestedAt = &req
	stored.DeleteScheduledAt = &sched
	stored.UpdatedAt = time.Now().UTC()

	s.schedule[identity.ID] = repository.ScheduledDeletion{
		DateBucket:  scheduledAt.UTC().Format("2006-01-02"),
		IdentityID:  identity.ID,
		ScheduledAt: scheduledAt,
	}
	return nil
}

func (s *IdentityStore) DueDeletions(_ context.Context, now time.Time, _ int) ([]repository.ScheduledDeletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []repository.ScheduledDeletion
	for _, row := range s.schedule {
		if !row.ScheduledAt.After(now) {
			due = append(due, row)
		}
	}
	return due, nil
}

func (s *IdentityStore) PurgeIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.identities[identity.ID]
	if !ok {
		return repository.ErrNotFound
	}

	delete(s.emailIndex, stored.Email)
	if stored.PhoneHash != "" {
		delete(s.phoneIndex, stored.PhoneHash)
	}
	delete(s.providers, identity.ID)
	delete(s.schedule, identity.ID)
	delete(s.txns, identity.ID)
	delete(s.loans, identity.ID)
	delete(s.categories, identity.ID)
	delete(s.sessions, identity.ID)
	delete(s.identities, identity.ID)
	return nil
}

func (s *IdentityStore) HealthCheck(_ context.Context) error {
	return nil
}

func clearChallenge(identity *models.Identity) {
	identity.OTPCode = ""
	identity.OTPExpiresAt = nil
	identity.OTPAttempts = 0
	identity.OTPPurpose = ""
}

// Seed helpers used by tests and dev fixtures. Owned-record CRUD
// belongs to other services; the purge cascade is what this service
// owns.

func (s *IdentityStore) AddLinkedProvider(p models.LinkedProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.IdentityID] = append(s.providers[p.IdentityID], p)
}

func (s *IdentityStore) AddTransaction(t models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[t.IdentityID] = append(s.txns[t.IdentityID], t)
}

func (s *IdentityStore) AddLoan(l models.Loan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[l.IdentityID] = append(s.loans[l.IdentityID], l)
}

func (s *IdentityStore) AddCategory(c models.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.IdentityID] = append(s.categories[c.IdentityID], c)
}

func (s *IdentityStore) AddSession(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.IdentityID] = append(s.sessions[sess.IdentityID], sess)
}

// CountOwnedRecords returns how many records of any owned kind still
// reference the identity.
func (s *IdentityStore) CountOwnedRecords(identityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txns[identityID]) +
		len(s.loans[identityID]) +
		len(s.categories[identityID]) +
		len(s.sessions[identityID]) +
		len(s.providers[identityID])
}
