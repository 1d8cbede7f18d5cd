package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/google/uuid"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type memClaim struct {
	expiresAt time.Time // zero means never
}

// InMemoryStore keeps everything in process memory. It is used by tests and
// for local runs without a database.
type InMemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*models.Session
	inbound    map[string]*DedupRecord
	deliveries []models.DeliveryLogEntry
	claims     map[string]memClaim
	audits     []models.EnvelopeAudit
	records    map[string]models.BusinessRecord
	actors     map[string]models.Actor
	now        func() time.Time
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		inbound:  make(map[string]*DedupRecord),
		claims:   make(map[string]memClaim),
		records:  make(map[string]models.BusinessRecord),
		actors:   make(map[string]models.Actor),
		now:      time.Now,
	}
}

// SetClock replaces the clock used for claim expiry and timestamps.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetSession(ctx context.Context, identity string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) UpsertSession(ctx context.Context, identity string, mutate func(*models.Session) error) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var working *models.Session
	if cur, ok := s.sessions[identity]; ok {
		working = cur.Clone()
	} else {
		working = models.NewSession(identity, s.now())
	}
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Identity = identity
	working.UpdatedAt = s.now()
	working.Version++
	if err := working.Validate(); err != nil {
		return nil, err
	}
	s.sessions[identity] = working
	return working.Clone(), nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, identity)
	return nil
}

func (s *InMemoryStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.State != models.StateLoggedOut && sess.LastInboundAt.Before(cutoff) {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastInboundAt.Before(out[j].LastInboundAt) })
	return out, nil
}

func (s *InMemoryStore) ClaimInbound(ctx context.Context, messageID, identity string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if ok {
		if rec.ProcessedAt != nil || now.Sub(rec.ReceivedAt) < DefaultClaimTimeout {
			return false, nil
		}
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, Identity: identity, ReceivedAt: now}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		t := now
		rec.ProcessedAt = &t
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendDelivery(ctx context.Context, e *models.DeliveryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.deliveries = append(s.deliveries, *e)
	return nil
}

func (s *InMemoryStore) CompleteDelivery(ctx context.Context, id string, outcome DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deliveries {
		e := &s.deliveries[i]
		if e.ID != id || e.Status != models.DeliveryAttempted {
			continue
		}
		at := outcome.CompletedAt
		e.Status = outcome.Status
		e.ProviderStatus = outcome.ProviderStatus
		e.ProviderMessageID = outcome.ProviderMessageID
		e.Error = outcome.Error
		e.CompletedAt = &at
	}
	return nil
}

func (s *InMemoryStore) ListDeliveries(ctx context.Context, to string, limit int) ([]models.DeliveryLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryLogEntry
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if to != "" && s.deliveries[i].To != to {
			continue
		}
		out = append(out, s.deliveries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if c, ok := s.claims[key]; ok && (c.expiresAt.IsZero() || now.Before(c.expiresAt)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.claims[key] = memClaim{expiresAt: exp}
	return true, nil
}

func (s *InMemoryStore) ReleaseKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

func (s *InMemoryStore) AppendEnvelopeAudit(ctx context.Context, a models.EnvelopeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

// EnvelopeAudits returns a copy of the audit trail.
func (s *InMemoryStore) EnvelopeAudits() []models.EnvelopeAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EnvelopeAudit(nil), s.audits...)
}

func (s *InMemoryStore) SaveRecord(ctx context.Context, r models.BusinessRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return false, nil
	}
	s.records[r.ID] = r
	return true, nil
}

func (s *InMemoryStore) ListRecords(ctx context.Context, outlet string, since time.Time) ([]models.BusinessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BusinessRecord
	for _, r := range s.records {
		if (outlet == "" || r.Outlet == outlet) && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) LookupActorByCode(ctx context.Context, code string) (*models.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[normalizeCode(code)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) ListActors(ctx context.Context, outlet string, roles ...models.Role) ([]models.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Actor
	for _, a := range s.actors {
		if (outlet == "" || a.Outlet == outlet) && hasRole(roles, a.Role) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemoryStore) SaveActor(ctx context.Context, a models.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Code = normalizeCode(a.Code)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.actors[a.Code] = a
	return nil
}
