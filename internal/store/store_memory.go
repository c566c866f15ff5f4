package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"resourcereserver/internal/models"
)

// Memory is an in-process Store used by tests. It serializes all
// transactions behind a single mutex — sufficient to exercise the core's
// logic without a real database, though it does not model genuine
// serialization conflicts the way Postgres does. WithTx does not roll back:
// writes fn made before returning an error stay in the store.
type Memory struct {
	mu sync.Mutex

	resources   map[int64]*models.Resource
	reservations map[int64]*models.Reservation
	rules       map[int64]*models.RecurrenceRule
	approvals   map[int64]*models.ApprovalRequest
	waitlist    map[int64]*models.WaitlistEntry
	notifications map[int64]*models.Notification
	webhooks    map[int64]*models.Webhook
	deliveries  map[int64]*models.WebhookDelivery
	auditLog    []*models.AuditEntry
	users       map[int64]*models.User

	nextID int64
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		resources:     map[int64]*models.Resource{},
		reservations:  map[int64]*models.Reservation{},
		rules:         map[int64]*models.RecurrenceRule{},
		approvals:     map[int64]*models.ApprovalRequest{},
		waitlist:      map[int64]*models.WaitlistEntry{},
		notifications: map[int64]*models.Notification{},
		webhooks:      map[int64]*models.Webhook{},
		deliveries:    map[int64]*models.WebhookDelivery{},
		users:         map[int64]*models.User{},
	}
}

func (m *Memory) nextIDLocked() int64 {
	m.nextID++
	return m.nextID
}

// SeedResource inserts a resource directly (test helper).
func (m *Memory) SeedResource(r *models.Resource) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.nextIDLocked()
	}
	m.resources[r.ID] = r
	return r.ID
}

// SeedUser inserts a user preference row directly (test helper).
func (m *Memory) SeedUser(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{m: m}
	return fn(tx)
}

func (m *Memory) ListUserReservations(ctx context.Context, userID int64, status models.ReservationStatus, offset, limit int) ([]*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Reservation
	for _, r := range m.reservations {
		if r.UserID != userID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return paginate(out, offset, limit), nil
}

func (m *Memory) ListResourceReservations(ctx context.Context, resourceID int64, status models.ReservationStatus, start, end time.Time, offset, limit int) ([]*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Reservation
	for _, r := range m.reservations {
		if r.ResourceID != resourceID || r.Start.Before(start) || r.End.After(end) {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return paginate(out, offset, limit), nil
}

func paginate(rs []*models.Reservation, offset, limit int) []*models.Reservation {
	if offset >= len(rs) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(rs) {
		end = len(rs)
	}
	return rs[offset:end]
}

func (m *Memory) ScanActiveReservationsPastEnd(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Reservation, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.reservations {
		if r.Status == models.ReservationActive && r.End.Before(now) && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > batch {
		ids = ids[:batch]
	}
	out := make([]*models.Reservation, 0, len(ids))
	next := cursor
	for _, id := range ids {
		out = append(out, m.reservations[id])
		next = id
	}
	return out, next, nil
}

func (m *Memory) ScanReservationsNeedingReminder(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Reservation, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.reservations {
		if r.Status == models.ReservationActive && !r.ReminderSent && r.Start.After(now) && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > batch {
		ids = ids[:batch]
	}
	out := make([]*models.Reservation, 0, len(ids))
	next := cursor
	for _, id := range ids {
		out = append(out, m.reservations[id])
		next = id
	}
	return out, next, nil
}

func (m *Memory) ScanUnavailableResourcesPastAutoReset(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Resource, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.resources {
		if r.Status == models.ResourceUnavailable && r.UnavailableSince != nil && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > batch {
		ids = ids[:batch]
	}
	out := make([]*models.Resource, 0, len(ids))
	next := cursor
	for _, id := range ids {
		out = append(out, m.resources[id])
		next = id
	}
	return out, next, nil
}

func (m *Memory) ScanPendingWebhookDeliveries(ctx context.Context, now time.Time, batch int) ([]*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, d := range m.deliveries {
		if d.ShouldRetry(now) {
			out = append(out, d)
		}
		if len(out) >= batch {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ScanExpiredWaitlistOffers(ctx context.Context, now time.Time) ([]*models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WaitlistEntry
	for _, e := range m.waitlist {
		if e.Status == models.WaitlistOffered && e.OfferExpiresAt != nil && e.OfferExpiresAt.Before(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// memoryTx implements Tx over the Memory store's already-locked maps.
type memoryTx struct{ m *Memory }

func (t *memoryTx) LockResource(ctx context.Context, id int64) error {
	if _, ok := t.m.resources[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (t *memoryTx) GetResource(ctx context.Context, id int64) (*models.Resource, error) {
	r, ok := t.m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memoryTx) CreateResource(ctx context.Context, r *models.Resource) error {
	if r.ID == 0 {
		r.ID = t.m.nextIDLocked()
	}
	cp := *r
	t.m.resources[r.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateResource(ctx context.Context, r *models.Resource) error {
	if _, ok := t.m.resources[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	t.m.resources[r.ID] = &cp
	return nil
}

func (t *memoryTx) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	r, ok := t.m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memoryTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if r.ID == 0 {
		r.ID = t.m.nextIDLocked()
	}
	cp := *r
	t.m.reservations[r.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	if _, ok := t.m.reservations[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	t.m.reservations[r.ID] = &cp
	return nil
}

func (t *memoryTx) FindOverlappingReservations(ctx context.Context, resourceID int64, start, end time.Time) ([]*models.Reservation, error) {
	var out []*models.Reservation
	for _, r := range t.m.reservations {
		if r.ResourceID != resourceID || r.Status != models.ReservationActive {
			continue
		}
		if r.Overlaps(start, end) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (t *memoryTx) FindActiveReservationCovering(ctx context.Context, resourceID int64, at time.Time) (*models.Reservation, error) {
	for _, r := range t.m.reservations {
		if r.ResourceID == resourceID && r.Status == models.ReservationActive &&
			!r.Start.After(at) && r.End.After(at) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == 0 {
		e.ID = t.m.nextIDLocked()
	}
	cp := *e
	t.m.auditLog = append(t.m.auditLog, &cp)
	return nil
}

func (t *memoryTx) CreateRecurrenceRule(ctx context.Context, r *models.RecurrenceRule) error {
	if r.ID == 0 {
		r.ID = t.m.nextIDLocked()
	}
	cp := *r
	t.m.rules[r.ID] = &cp
	return nil
}

func (t *memoryTx) GetApprovalRequest(ctx context.Context, id int64) (*models.ApprovalRequest, error) {
	a, ok := t.m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memoryTx) GetApprovalRequestByReservation(ctx context.Context, reservationID int64) (*models.ApprovalRequest, error) {
	for _, a := range t.m.approvals {
		if a.ReservationID == reservationID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) CreateApprovalRequest(ctx context.Context, a *models.ApprovalRequest) error {
	if a.ID == 0 {
		a.ID = t.m.nextIDLocked()
	}
	cp := *a
	t.m.approvals[a.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateApprovalRequest(ctx context.Context, a *models.ApprovalRequest) error {
	if _, ok := t.m.approvals[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	t.m.approvals[a.ID] = &cp
	return nil
}

func (t *memoryTx) GetWaitlistEntry(ctx context.Context, id int64) (*models.WaitlistEntry, error) {
	e, ok := t.m.waitlist[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *memoryTx) CreateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error {
	if e.ID == 0 {
		e.ID = t.m.nextIDLocked()
	}
	cp := *e
	t.m.waitlist[e.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error {
	if _, ok := t.m.waitlist[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	t.m.waitlist[e.ID] = &cp
	return nil
}

func (t *memoryTx) FindWaitlistEntry(ctx context.Context, resourceID, userID int64, start, end time.Time) (*models.WaitlistEntry, error) {
	for _, e := range t.m.waitlist {
		if e.ResourceID == resourceID && e.UserID == userID &&
			e.DesiredStart.Equal(start) && e.DesiredEnd.Equal(end) &&
			(e.Status == models.WaitlistWaiting || e.Status == models.WaitlistOffered) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) ListWaitingEntries(ctx context.Context, resourceID int64) ([]*models.WaitlistEntry, error) {
	var out []*models.WaitlistEntry
	for _, e := range t.m.waitlist {
		if e.ResourceID == resourceID && e.Status == models.WaitlistWaiting {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *memoryTx) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == 0 {
		n.ID = t.m.nextIDLocked()
	}
	cp := *n
	t.m.notifications[n.ID] = &cp
	return nil
}

func (t *memoryTx) GetWebhook(ctx context.Context, id int64) (*models.Webhook, error) {
	w, ok := t.m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memoryTx) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error) {
	var out []*models.Webhook
	for _, w := range t.m.webhooks {
		if w.IsActive && webhookSubscribesTo(w, eventType) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memoryTx) CreateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == 0 {
		d.ID = t.m.nextIDLocked()
	}
	cp := *d
	t.m.deliveries[d.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if _, ok := t.m.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	t.m.deliveries[d.ID] = &cp
	return nil
}

func (t *memoryTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if u, ok := t.m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return &models.User{ID: id}, nil
}

// SeedWebhook inserts a webhook directly (test helper).
func (m *Memory) SeedWebhook(w *models.Webhook) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == 0 {
		w.ID = m.nextIDLocked()
	}
	m.webhooks[w.ID] = w
	return w.ID
}

// Deliveries returns a snapshot of all webhook deliveries (test helper).
func (m *Memory) Deliveries() []*models.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.WebhookDelivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, d)
	}
	return out
}
