package store

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/robotq/internal/domain"
)

// Memory is an in-process Store. A single mutex stands in for the
// transaction boundary, so every method is atomic with respect to the others.
type Memory struct {
	mu sync.Mutex

	seq      int64
	items    map[int64]*domain.WorkItem
	workers  map[int64]*domain.Worker
	results  map[int64]*domain.Result
	tokens   []domain.Token
	attempts map[int64]*domain.Attempt
}

func NewMemory() *Memory {
	return &Memory{
		items:    make(map[int64]*domain.WorkItem),
		workers:  make(map[int64]*domain.Worker),
		results:  make(map[int64]*domain.Result),
		attempts: make(map[int64]*domain.Attempt),
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func copyWorkItem(in *domain.WorkItem) *domain.WorkItem {
	out := *in
	out.Payload.Tags = append([]string{}, in.Payload.Tags...)
	out.Payload.Data = append([]domain.DataItem{}, in.Payload.Data...)
	if in.AssignedWorkerID != nil {
		id := *in.AssignedWorkerID
		out.AssignedWorkerID = &id
	}
	if in.ErrorMessage != nil {
		msg := *in.ErrorMessage
		out.ErrorMessage = &msg
	}
	return &out
}

func copyWorker(in *domain.Worker) *domain.Worker {
	out := *in
	if in.LastAssignedAt != nil {
		t := *in.LastAssignedAt
		out.LastAssignedAt = &t
	}
	if in.AuthToken != nil {
		tok := *in.AuthToken
		out.AuthToken = &tok
	}
	return &out
}

func copyResult(in *domain.Result) domain.Result {
	out := *in
	out.Messages = append([]string{}, in.Messages...)
	out.Attachments = append([]domain.Attachment{}, in.Attachments...)
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateWorkItem(_ context.Context, item *domain.WorkItem, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.items {
		if existing.TrackID == item.TrackID && !existing.Processed {
			return fmt.Errorf("track id %q already in flight: %w", item.TrackID, domain.ErrConflict)
		}
	}
	if item.UniqueID == uuid.Nil {
		item.UniqueID = uuid.New()
	}
	if item.Payload.Tags == nil {
		item.Payload.Tags = []string{}
	}
	if item.Payload.Data == nil {
		item.Payload.Data = []domain.DataItem{}
	}
	item.ID = m.nextID()
	item.CreatedAt = now
	item.UpdatedAt = now
	m.items[item.ID] = copyWorkItem(item)
	return nil
}

func (m *Memory) WorkItemByID(_ context.Context, id int64) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyWorkItem(item), nil
}

func (m *Memory) WorkItemByUniqueID(_ context.Context, uniqueID uuid.UUID) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.UniqueID == uniqueID {
			return copyWorkItem(item), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *Memory) ClaimNext(_ context.Context, maxRetries int, now time.Time) (*domain.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var worker *domain.Worker
	for _, w := range m.workers {
		if !w.Available {
			continue
		}
		if worker == nil || workerBefore(w, worker) {
			worker = w
		}
	}
	if worker == nil {
		return nil, nil
	}

	var item *domain.WorkItem
	for _, it := range m.items {
		if it.AssignedWorkerID != nil || it.Processed || it.RetryCount >= maxRetries {
			continue
		}
		if item == nil || it.CreatedAt.Before(item.CreatedAt) ||
			(it.CreatedAt.Equal(item.CreatedAt) && it.ID < item.ID) {
			item = it
		}
	}
	if item == nil {
		return nil, nil
	}

	workerID := worker.ID
	item.AssignedWorkerID = &workerID
	item.RetryCount++
	item.UpdatedAt = now
	worker.Available = false
	claimedAt := now
	worker.LastAssignedAt = &claimedAt

	a := &domain.Attempt{
		ID:         m.nextID(),
		WorkItemID: item.ID,
		WorkerID:   worker.ID,
		Attempt:    item.RetryCount,
		ClaimedAt:  now,
	}
	m.attempts[a.ID] = a

	return &domain.Claim{WorkItem: copyWorkItem(item), Worker: copyWorker(worker)}, nil
}

// workerBefore reports whether a precedes b in claim order: never-assigned
// first, then oldest assignment, then lowest id.
func workerBefore(a, b *domain.Worker) bool {
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
		return a.LastAssignedAt.Before(*b.LastAssignedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) closeAttempt(workItemID int64, now time.Time, outcome string) {
	for _, a := range m.attempts {
		if a.WorkItemID == workItemID && a.FinishedAt == nil {
			finished := now
			o := outcome
			a.FinishedAt = &finished
			a.Outcome = &o
		}
	}
}

func (m *Memory) ReclaimExpired(_ context.Context, cutoff, now time.Time) ([]domain.Reclaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*domain.WorkItem
	for _, it := range m.items {
		if it.AssignedWorkerID != nil && !it.Processed && it.UpdatedAt.Before(cutoff) {
			expired = append(expired, it)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].UpdatedAt.Before(expired[j].UpdatedAt)
	})
	if len(expired) > reclaimBatch {
		expired = expired[:reclaimBatch]
	}

	out := make([]domain.Reclaim, 0, len(expired))
	for _, it := range expired {
		workerID := *it.AssignedWorkerID
		if w, ok := m.workers[workerID]; ok {
			w.Available = true
		}
		it.AssignedWorkerID = nil
		it.UpdatedAt = now
		m.closeAttempt(it.ID, now, domain.OutcomeTimedOut)
		out = append(out, domain.Reclaim{
			WorkItemID: it.ID,
			TrackID:    it.TrackID,
			WorkerID:   workerID,
			RetryCount: it.RetryCount,
		})
	}
	return out, nil
}

func (m *Memory) ReleaseOrphanedWorkers(_ context.Context, cutoff time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := make(map[int64]bool)
	for _, it := range m.items {
		if it.AssignedWorkerID != nil {
			held[*it.AssignedWorkerID] = true
		}
	}
	var ids []int64
	for _, w := range m.workers {
		if w.Available || held[w.ID] {
			continue
		}
		if w.LastAssignedAt != nil && !w.LastAssignedAt.Before(cutoff) {
			continue
		}
		w.Available = true
		ids = append(ids, w.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) CountExhausted(_ context.Context, maxRetries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range m.items {
		if !it.Processed && it.AssignedWorkerID == nil && it.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Finalize(_ context.Context, report *domain.Report, now time.Time) (*domain.Finalized, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var item *domain.WorkItem
	for _, it := range m.items {
		if it.TrackID != report.TrackID {
			continue
		}
		if item == nil || finalizeBefore(it, item) {
			item = it
		}
	}
	if item == nil {
		return nil, fmt.Errorf("track id %q: %w", report.TrackID, domain.ErrNotFound)
	}
	if item.Processed {
		return nil, fmt.Errorf("track id %q already processed: %w", report.TrackID, domain.ErrConflict)
	}

	res := domain.NewResult(copyWorkItem(item), report, now)
	res.ID = m.nextID()
	stored := copyResult(res)
	m.results[res.ID] = &stored

	workerID := item.AssignedWorkerID
	item.Processed = true
	item.HasError = report.HasError
	item.ErrorMessage = report.ErrorMessage
	item.AssignedWorkerID = nil
	item.UpdatedAt = now

	outcome := domain.OutcomeCompleted
	if report.HasError {
		outcome = domain.OutcomeFailed
	}
	m.closeAttempt(item.ID, now, outcome)

	if workerID != nil {
		if w, ok := m.workers[*workerID]; ok {
			w.Available = true
		}
	}
	return &domain.Finalized{Result: res, WorkerID: workerID}, nil
}

// finalizeBefore orders candidates for a track id: unprocessed first, then
// newest.
func finalizeBefore(a, b *domain.WorkItem) bool {
	if a.Processed != b.Processed {
		return !a.Processed
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (m *Memory) Purge(_ context.Context, horizon time.Time) (domain.PurgeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats domain.PurgeStats
	for id, r := range m.results {
		if r.ReceivedAt.Before(horizon) {
			delete(m.results, id)
			stats.Results++
		}
	}
	for id, it := range m.items {
		if !it.Processed || !it.UpdatedAt.Before(horizon) {
			continue
		}
		delete(m.items, id)
		stats.WorkItems++
		for rid, r := range m.results {
			if r.WorkItemID == id {
				delete(m.results, rid)
			}
		}
		for aid, a := range m.attempts {
			if a.WorkItemID == id {
				delete(m.attempts, aid)
			}
		}
	}
	return stats, nil
}

func (m *Memory) ListResults(_ context.Context, workItemID int64) ([]domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Result
	for _, r := range m.results {
		if r.WorkItemID == workItemID {
			out = append(out, copyResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListAttempts(_ context.Context, workItemID int64) ([]domain.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Attempt
	for _, a := range m.attempts {
		if a.WorkItemID == workItemID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (m *Memory) CreateWorker(_ context.Context, w *domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = m.nextID()
	w.Available = true
	w.LastAssignedAt = nil
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	m.workers[w.ID] = copyWorker(w)
	return nil
}

func (m *Memory) WorkerByID(_ context.Context, id int64) (*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyWorker(w), nil
}

func (m *Memory) ListWorkers(_ context.Context) ([]domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateToken(_ context.Context, t *domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tokens {
		if existing.Value == t.Value {
			return fmt.Errorf("token already exists: %w", domain.ErrConflict)
		}
	}
	t.ID = m.nextID()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tokens = append(m.tokens, *t)
	return nil
}

func (m *Memory) TokenExists(_ context.Context, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Value), []byte(value)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Stats(_ context.Context, maxRetries int) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s domain.Stats
	for _, it := range m.items {
		switch {
		case it.Processed:
			s.Processed++
			if it.HasError {
				s.Failed++
			}
		case it.AssignedWorkerID != nil:
			s.Assigned++
		case it.RetryCount >= maxRetries:
			s.Exhausted++
		default:
			s.Pending++
		}
	}
	for _, w := range m.workers {
		if w.Available {
			s.WorkersAvailable++
		} else {
			s.WorkersBusy++
		}
	}
	return s, nil
}

// SetWorkerState overwrites availability fields of a worker. Used to seed
// fixtures that the public operations cannot reach directly.
func (m *Memory) SetWorkerState(id int64, available bool, lastAssignedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Available = available
	w.LastAssignedAt = lastAssignedAt
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
