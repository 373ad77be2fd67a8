package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/internal/repository"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
	"github.com/noah-isme/claimdocs-api/pkg/objectstore"
)

// memAccessLog keeps per-document hash chains in memory.
type memAccessLog struct {
	mu        sync.Mutex
	entries   map[string][]models.AccessLogEntry
	appendErr error
}

func newMemAccessLog() *memAccessLog {
	return &memAccessLog{entries: map[string][]models.AccessLogEntry{}}
}

func (l *memAccessLog) Append(ctx context.Context, entry *models.AccessLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(entry)
}

func (l *memAccessLog) appendLocked(entry *models.AccessLogEntry) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	chain := l.entries[entry.DocumentID]
	entry.ChainIndex = int64(len(chain) + 1)
	entry.PrevHash = models.GenesisHash
	if len(chain) > 0 {
		entry.PrevHash = chain[len(chain)-1].EntryHash
	}
	entry.EntryHash = repository.ComputeEntryHash(entry)
	entry.InsertOrder = entry.ChainIndex
	l.entries[entry.DocumentID] = append(chain, *entry)
	return nil
}

func (l *memAccessLog) ListByDocument(ctx context.Context, documentID string, limit, offset int) ([]models.AccessLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.entries[documentID]
	if offset >= len(chain) {
		return []models.AccessLogEntry{}, nil
	}
	end := offset + limit
	if end > len(chain) {
		end = len(chain)
	}
	return append([]models.AccessLogEntry(nil), chain[offset:end]...), nil
}

func (l *memAccessLog) CountByDocument(ctx context.Context, documentID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[documentID]), nil
}

func (l *memAccessLog) Chain(ctx context.Context, documentID string) ([]models.AccessLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.AccessLogEntry(nil), l.entries[documentID]...), nil
}

func (l *memAccessLog) actions(documentID string) []models.AccessAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.AccessAction, 0, len(l.entries[documentID]))
	for _, e := range l.entries[documentID] {
		out = append(out, e.Action)
	}
	return out
}

// memDocumentStore mirrors the transactional behaviour of DocumentRepository.
type memDocumentStore struct {
	mu        sync.Mutex
	docs      map[string]*models.Document
	requests  []*models.ReuploadRequest
	events    []models.DocumentEvent
	log       *memAccessLog
	createErr error
	// raceWinner simulates a concurrent upload committing the same content first.
	raceWinner *models.Document
}

func newMemDocumentStore(log *memAccessLog) *memDocumentStore {
	return &memDocumentStore{docs: map[string]*models.Document{}, log: log}
}

func (s *memDocumentStore) FindByID(ctx context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *doc
	return &clone, nil
}

func (s *memDocumentStore) FindActiveByDigest(ctx context.Context, claimID, category, digest string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc := s.activeLocked(claimID, category, digest); doc != nil {
		clone := *doc
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (s *memDocumentStore) activeLocked(claimID, category, digest string) *models.Document {
	for _, doc := range s.docs {
		if doc.ClaimID == claimID && doc.Category == category && doc.ContentDigest == digest &&
			doc.DeletedAt == nil && doc.Status != models.DocumentStatusRejected {
			return doc
		}
	}
	return nil
}

func (s *memDocumentStore) FindOpenReuploadRequest(ctx context.Context, claimID, category string) (*models.ReuploadRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		req := s.requests[i]
		if req.ClaimID == claimID && req.Category == category && req.FulfilledBy == nil {
			clone := *req
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *memDocumentStore) ListByClaim(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Document
	for _, doc := range s.docs {
		if doc.ClaimID != filter.ClaimID || doc.DeletedAt != nil {
			continue
		}
		if filter.Category != "" && doc.Category != filter.Category {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		matched = append(matched, *doc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UploadedAt.After(matched[j].UploadedAt) })
	total := len(matched)
	if filter.Offset >= total {
		return []models.Document{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (s *memDocumentStore) CreateDeduplicated(ctx context.Context, doc *models.Document, entry *models.AccessLogEntry) (*models.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, false, s.createErr
	}
	winner := s.raceWinner
	if winner == nil {
		winner = s.activeLocked(doc.ClaimID, doc.Category, doc.ContentDigest)
	}
	if winner != nil {
		entry.DocumentID = winner.ID
		if err := s.log.Append(ctx, entry); err != nil {
			return nil, false, err
		}
		clone := *winner
		return &clone, false, nil
	}

	stored := *doc
	s.docs[doc.ID] = &stored
	if doc.SupersedesID != nil {
		for _, req := range s.requests {
			if req.DocumentID == *doc.SupersedesID && req.FulfilledBy == nil {
				id := doc.ID
				at := doc.UploadedAt
				req.FulfilledBy = &id
				req.FulfilledAt = &at
			}
		}
	}
	entry.DocumentID = doc.ID
	if err := s.log.Append(ctx, entry); err != nil {
		return nil, false, err
	}
	clone := stored
	return &clone, true, nil
}

func (s *memDocumentStore) Transition(ctx context.Context, params repository.TransitionParams, entry *models.AccessLogEntry, event *models.DocumentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[params.ID]
	if !ok || doc.DeletedAt != nil || doc.Status != params.From {
		return sql.ErrNoRows
	}
	reviewer := params.ReviewedBy
	at := params.ReviewedAt
	doc.Status = params.To
	doc.RejectionReason = params.Reason
	doc.ReviewedBy = &reviewer
	doc.ReviewedAt = &at
	if err := s.log.Append(ctx, entry); err != nil {
		return err
	}
	if event != nil {
		s.events = append(s.events, *event)
	}
	return nil
}

func (s *memDocumentStore) RecordDownload(ctx context.Context, id string, at time.Time, entry *models.AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.DeletedAt != nil {
		return sql.ErrNoRows
	}
	doc.LastAccessedAt = &at
	return s.log.Append(ctx, entry)
}

func (s *memDocumentStore) SoftDelete(ctx context.Context, id string, at time.Time, entry *models.AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.DeletedAt != nil {
		return sql.ErrNoRows
	}
	doc.DeletedAt = &at
	return s.log.Append(ctx, entry)
}

func (s *memDocumentStore) CreateReuploadRequest(ctx context.Context, req *models.ReuploadRequest, entry *models.AccessLogEntry, event *models.DocumentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.DocumentID == req.DocumentID && existing.FulfilledBy == nil {
			return repository.ErrDuplicateReuploadRequest
		}
	}
	clone := *req
	s.requests = append(s.requests, &clone)
	if err := s.log.Append(ctx, entry); err != nil {
		return err
	}
	if event != nil {
		s.events = append(s.events, *event)
	}
	return nil
}

func (s *memDocumentStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// memBlobs is an object store with injectable failures.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
	puts    int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (b *memBlobs) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.putErr != nil {
		return b.putErr
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlobs) tamper(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.objects[key]; ok && len(data) > 0 {
		data[len(data)-1] ^= 0xff
	}
}

type ownersStub map[string]string

func (o ownersStub) OwnerOf(ctx context.Context, claimID string) (string, error) {
	owner, ok := o[claimID]
	if !ok {
		return "", appErrors.Clone(appErrors.ErrNotFound, "claim not found")
	}
	return owner, nil
}

type staticRules map[string]models.ValidationRule

func (r staticRules) Lookup(category string) (models.ValidationRule, error) {
	rule, ok := r[category]
	if !ok {
		return models.ValidationRule{}, appErrors.WithDetails(appErrors.ErrPolicyNotFound, map[string]string{"category": category})
	}
	return rule, nil
}

type cleanerSpy struct {
	mu    sync.Mutex
	blobs []OrphanBlob
}

func (c *cleanerSpy) Clean(ctx context.Context, blob OrphanBlob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs = append(c.blobs, blob)
}

type scannerStub struct {
	verdict ScanVerdict
	err     error
	calls   int
}

func (s *scannerStub) Scan(ctx context.Context, category string, content []byte) (ScanVerdict, error) {
	s.calls++
	return s.verdict, s.err
}

type metricsSpy struct {
	mu      sync.Mutex
	uploads map[string]int
	stalled int
}

func (m *metricsSpy) RecordUpload(category, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploads == nil {
		m.uploads = map[string]int{}
	}
	m.uploads[outcome]++
}

func (m *metricsSpy) RecordEventStalled(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled++
}

func (m *metricsSpy) stalledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled
}

func (m *metricsSpy) RecordDownload(string) {}

func (m *metricsSpy) RecordReview(string) {}

func (m *metricsSpy) RecordChainVerification(bool) {}

func (m *metricsSpy) RecordEventPublished(string, bool) {}

func (m *metricsSpy) RecordOwnershipLookup(bool) {}

var errBoom = errors.New("boom")
