package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fieldsync-server/internal/config"
	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func nextRev(rev string) string {
	n := 0
	if rev != "" {
		n, _ = strconv.Atoi(rev)
	}
	return strconv.Itoa(n + 1)
}

type mockOutcomeRepo struct {
	mu       sync.Mutex
	outcomes map[string]*domain.SyncOutcome
	creates  int
	// failUpdate, when set, may reject an Update before it is stored.
	failUpdate func(o *domain.SyncOutcome) error
}

func newMockOutcomeRepo() *mockOutcomeRepo {
	return &mockOutcomeRepo{outcomes: make(map[string]*domain.SyncOutcome)}
}

func (m *mockOutcomeRepo) Create(_ context.Context, o *domain.SyncOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.outcomes[o.ClientActionID]; exists {
		return repository.ErrAlreadyExists
	}
	m.creates++
	o.Rev = nextRev("")
	m.outcomes[o.ClientActionID] = clone(o)
	return nil
}

func (m *mockOutcomeRepo) Update(_ context.Context, o *domain.SyncOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		if err := m.failUpdate(o); err != nil {
			return err
		}
	}
	cur, exists := m.outcomes[o.ClientActionID]
	if !exists {
		return repository.ErrNotFound
	}
	if cur.Rev != o.Rev {
		return repository.ErrRevisionConflict
	}
	o.Rev = nextRev(o.Rev)
	m.outcomes[o.ClientActionID] = clone(o)
	return nil
}

func (m *mockOutcomeRepo) FindByID(_ context.Context, id string) (*domain.SyncOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(o), nil
}

func (m *mockOutcomeRepo) FindMany(_ context.Context, ids []string) (map[string]*domain.SyncOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]*domain.SyncOutcome)
	for _, id := range ids {
		if o, ok := m.outcomes[id]; ok {
			found[id] = clone(o)
		}
	}
	return found, nil
}

func (m *mockOutcomeRepo) Acknowledge(_ context.Context, ids []string, deviceID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range ids {
		o, ok := m.outcomes[id]
		if !ok || o.DeviceID != deviceID || o.Status != domain.StatusApplied {
			continue
		}
		o.Status = domain.StatusAcknowledged
		acked := at
		o.AcknowledgedAt = &acked
		o.Rev = nextRev(o.Rev)
		count++
	}
	return count, nil
}

func (m *mockOutcomeRepo) ListUnacknowledged(_ context.Context, deviceID string, since time.Time) ([]*domain.SyncOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SyncOutcome
	for _, o := range m.outcomes {
		if o.DeviceID != deviceID || o.CreatedSeq < since.UnixNano() {
			continue
		}
		if o.Status == domain.StatusPending || o.Status == domain.StatusApplied {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedSeq < out[j].CreatedSeq })
	return out, nil
}

func (m *mockOutcomeRepo) ListApplied(_ context.Context, q repository.AppliedQuery) ([]*domain.SyncOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := make(map[domain.EntityType]bool, len(q.EntityTypes))
	for _, t := range q.EntityTypes {
		types[t] = true
	}

	var out []*domain.SyncOutcome
	for _, o := range m.outcomes {
		if !o.Status.Accepted() || o.DeviceID == q.ExcludeDeviceID || o.AppliedSeq <= q.AfterSeq {
			continue
		}
		if len(types) > 0 && !types[o.EntityType] {
			continue
		}
		if !q.Cursor.After(o.AppliedSeq, o.ClientActionID) {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppliedSeq != out[j].AppliedSeq {
			return out[i].AppliedSeq < out[j].AppliedSeq
		}
		return out[i].ClientActionID < out[j].ClientActionID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *mockOutcomeRepo) CountPending(_ context.Context, deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, o := range m.outcomes {
		if o.DeviceID == deviceID && (o.Status == domain.StatusPending || o.Status == domain.StatusApplied) {
			count++
		}
	}
	return count, nil
}

func (m *mockOutcomeRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, o := range m.outcomes {
		if deleted == limit {
			break
		}
		if o.CreatedSeq >= cutoff.UnixNano() {
			continue
		}
		if o.Status == domain.StatusAcknowledged || o.Status == domain.StatusRejected {
			delete(m.outcomes, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockOutcomeRepo) get(id string) *domain.SyncOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[id]
}

func (m *mockOutcomeRepo) put(o *domain.SyncOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Rev == "" {
		o.Rev = nextRev("")
	}
	m.outcomes[o.ClientActionID] = clone(o)
}

type mockBatchRepo struct {
	mu      sync.Mutex
	batches map[string]*domain.SyncBatch
}

func newMockBatchRepo() *mockBatchRepo {
	return &mockBatchRepo{batches: make(map[string]*domain.SyncBatch)}
}

func (m *mockBatchRepo) Create(_ context.Context, b *domain.SyncBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.ID]; exists {
		return repository.ErrAlreadyExists
	}
	b.Rev = nextRev("")
	m.batches[b.ID] = clone(b)
	return nil
}

func (m *mockBatchRepo) FindByID(_ context.Context, id string) (*domain.SyncBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(b), nil
}

func (m *mockBatchRepo) Update(_ context.Context, b *domain.SyncBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Rev != b.Rev {
		return repository.ErrRevisionConflict
	}
	b.Rev = nextRev(b.Rev)
	m.batches[b.ID] = clone(b)
	return nil
}

func (m *mockBatchRepo) DeleteProcessedBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, b := range m.batches {
		if deleted == limit {
			break
		}
		if b.State == domain.BatchProcessed && b.ReceivedSeq < cutoff.UnixNano() {
			delete(m.batches, id)
			deleted++
		}
	}
	return deleted, nil
}

type mockCursorRepo struct {
	mu      sync.Mutex
	cursors map[string]*domain.DeviceSyncCursor
}

func newMockCursorRepo() *mockCursorRepo {
	return &mockCursorRepo{cursors: make(map[string]*domain.DeviceSyncCursor)}
}

func (m *mockCursorRepo) Get(_ context.Context, userID, deviceID string) (*domain.DeviceSyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[deviceID]; ok {
		return clone(c), nil
	}
	return &domain.DeviceSyncCursor{DeviceID: deviceID, UserID: userID}, nil
}

func (m *mockCursorRepo) touch(userID, deviceID string, at time.Time, push bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[deviceID]
	if !ok {
		c = &domain.DeviceSyncCursor{DeviceID: deviceID, UserID: userID}
		m.cursors[deviceID] = c
	}
	t := at
	if push {
		c.LastPushAt = &t
	} else {
		c.LastPullAt = &t
	}
	c.UpdatedAt = at
}

func (m *mockCursorRepo) TouchPush(_ context.Context, userID, deviceID string, at time.Time) error {
	m.touch(userID, deviceID, at, true)
	return nil
}

func (m *mockCursorRepo) TouchPull(_ context.Context, userID, deviceID string, at time.Time) error {
	m.touch(userID, deviceID, at, false)
	return nil
}

type mockDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*domain.Device
}

func newMockDeviceRepo(devices ...*domain.Device) *mockDeviceRepo {
	m := &mockDeviceRepo{devices: make(map[string]*domain.Device)}
	for _, d := range devices {
		m.devices[d.ID] = d
	}
	return m
}

func (m *mockDeviceRepo) FindByID(_ context.Context, id string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(d), nil
}

func (m *mockDeviceRepo) UpdateLastSync(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	d.LastSyncAt = &t
	return nil
}

type mockUserRepo struct {
	users map[string]*domain.User
}

func newMockUserRepo(users ...*domain.User) *mockUserRepo {
	m := &mockUserRepo{users: make(map[string]*domain.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepo) FindByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(u), nil
}

type mockAuditRepo struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
}

func (m *mockAuditRepo) Append(_ context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditRepo) kinds() map[domain.AuditKind]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.AuditKind]int)
	for _, e := range m.entries {
		out[e.Kind]++
	}
	return out
}

type mockReferenceRepo struct {
	products   []*domain.Product
	clients    []*domain.Client
	deliveries []*domain.Delivery
	stock      map[string]int64
	changed    map[string][]string
}

func (m *mockReferenceRepo) ListActiveProducts(context.Context) ([]*domain.Product, error) {
	return m.products, nil
}

func (m *mockReferenceRepo) ListClients(context.Context) ([]*domain.Client, error) {
	return m.clients, nil
}

func (m *mockReferenceRepo) ListPendingDeliveries(context.Context) ([]*domain.Delivery, error) {
	return m.deliveries, nil
}

func (m *mockReferenceRepo) SumActiveStock(context.Context) (map[string]int64, error) {
	totals := make(map[string]int64, len(m.stock))
	for id, q := range m.stock {
		totals[id] = q
	}
	return totals, nil
}

func (m *mockReferenceRepo) ChangedIDs(_ context.Context, docType string, _ int64, limit int) ([]string, error) {
	ids := m.changed[docType]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// memoryStore is an EntityStore over maps. Writes are staged per attempt and
// committed only when fn returns nil and every document read still has the
// revision it was read at; otherwise the attempt is re-run like the CouchDB
// store does.
type memoryStore struct {
	mu          sync.Mutex
	deliveries  map[string]*domain.Delivery
	invoices    map[string]*domain.Invoice
	clients     map[string]*domain.Client
	counters    map[string]int
	audit       repository.AuditRepository
	maxAttempts int
	// failOn makes any read of the given entity id fail.
	failOn map[string]error
	// beforeCommit runs between fn and the commit of each attempt, with the
	// store lock held. Tests use it to land a competing write.
	beforeCommit func(attempt int)
	attempts     int
	conflicts    int
}

func newMemoryStore(audit repository.AuditRepository) *memoryStore {
	return &memoryStore{
		deliveries:  make(map[string]*domain.Delivery),
		invoices:    make(map[string]*domain.Invoice),
		clients:     make(map[string]*domain.Client),
		counters:    make(map[string]int),
		audit:       audit,
		maxAttempts: 3,
		failOn:      make(map[string]error),
	}
}

func (s *memoryStore) RunInTx(ctx context.Context, fn func(tx repository.EntityTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.attempts++
		tx := &memoryTx{
			store:      s,
			deliveries: make(map[string]*domain.Delivery),
			invoices:   make(map[string]*domain.Invoice),
			clients:    make(map[string]*domain.Client),
			reads:      make(map[string]string),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			s.beforeCommit(attempt)
		}
		if !tx.unchanged() {
			s.conflicts++
			continue
		}

		for id, d := range tx.deliveries {
			d.Rev = nextRev(d.Rev)
			s.deliveries[id] = d
		}
		for id, inv := range tx.invoices {
			inv.Rev = nextRev(inv.Rev)
			s.invoices[id] = inv
		}
		for id, c := range tx.clients {
			c.Rev = nextRev(c.Rev)
			s.clients[id] = c
		}
		for _, e := range tx.audits {
			_ = s.audit.Append(ctx, e)
		}
		return nil
	}
	return repository.ErrTxAborted
}

func (s *memoryStore) delivery(id string) *domain.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id]
}

func (s *memoryStore) invoice(id string) *domain.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoices[id]
}

func (s *memoryStore) client(id string) *domain.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

// revMissing marks a document read as absent.
const revMissing = "<missing>"

type memoryTx struct {
	store      *memoryStore
	deliveries map[string]*domain.Delivery
	invoices   map[string]*domain.Invoice
	clients    map[string]*domain.Client
	audits     []*domain.AuditEntry
	reads      map[string]string
}

func (t *memoryTx) fail(id string) error {
	if err, ok := t.store.failOn[id]; ok {
		return err
	}
	return nil
}

func (t *memoryTx) read(key, rev string, found bool) {
	if _, seen := t.reads[key]; seen {
		return
	}
	if !found {
		rev = revMissing
	}
	t.reads[key] = rev
}

// unchanged reports whether every staged document is still at the revision
// this attempt read it at.
func (t *memoryTx) unchanged() bool {
	current := func(key string) string {
		switch {
		case strings.HasPrefix(key, "delivery:"):
			if d, ok := t.store.deliveries[strings.TrimPrefix(key, "delivery:")]; ok {
				return d.Rev
			}
		case strings.HasPrefix(key, "invoice:"):
			if inv, ok := t.store.invoices[strings.TrimPrefix(key, "invoice:")]; ok {
				return inv.Rev
			}
		case strings.HasPrefix(key, "client:"):
			if c, ok := t.store.clients[strings.TrimPrefix(key, "client:")]; ok {
				return c.Rev
			}
		}
		return revMissing
	}

	staged := make([]string, 0, len(t.deliveries)+len(t.invoices)+len(t.clients))
	for id := range t.deliveries {
		staged = append(staged, "delivery:"+id)
	}
	for id := range t.invoices {
		staged = append(staged, "invoice:"+id)
	}
	for id := range t.clients {
		staged = append(staged, "client:"+id)
	}
	for _, key := range staged {
		if rev, ok := t.reads[key]; ok && rev != current(key) {
			return false
		}
	}
	return true
}

func (t *memoryTx) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	if err := t.fail(id); err != nil {
		return nil, err
	}
	if d, ok := t.deliveries[id]; ok {
		return clone(d), nil
	}
	d, ok := t.store.deliveries[id]
	if !ok {
		t.read("delivery:"+id, "", false)
		return nil, repository.ErrNotFound
	}
	t.read("delivery:"+id, d.Rev, true)
	return clone(d), nil
}

func (t *memoryTx) SaveDelivery(d *domain.Delivery) {
	t.deliveries[d.ID] = clone(d)
}

func (t *memoryTx) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	if err := t.fail(id); err != nil {
		return nil, err
	}
	if inv, ok := t.invoices[id]; ok {
		return clone(inv), nil
	}
	inv, ok := t.store.invoices[id]
	if !ok {
		t.read("invoice:"+id, "", false)
		return nil, repository.ErrNotFound
	}
	t.read("invoice:"+id, inv.Rev, true)
	return clone(inv), nil
}

func (t *memoryTx) CreateInvoice(inv *domain.Invoice) {
	t.read("invoice:"+inv.ID, "", false)
	t.invoices[inv.ID] = clone(inv)
}

func (t *memoryTx) SaveInvoice(inv *domain.Invoice) {
	t.invoices[inv.ID] = clone(inv)
}

func (t *memoryTx) GetClient(_ context.Context, id string) (*domain.Client, error) {
	if err := t.fail(id); err != nil {
		return nil, err
	}
	if c, ok := t.clients[id]; ok {
		return clone(c), nil
	}
	c, ok := t.store.clients[id]
	if !ok {
		t.read("client:"+id, "", false)
		return nil, repository.ErrNotFound
	}
	t.read("client:"+id, c.Rev, true)
	return clone(c), nil
}

func (t *memoryTx) SaveClient(c *domain.Client) {
	t.clients[c.ID] = clone(c)
}

func (t *memoryTx) NextInvoiceReference(_ context.Context, day time.Time) (string, error) {
	key := day.Format("060102")
	t.store.counters[key]++
	return fmt.Sprintf("F-%s-%03d", key, t.store.counters[key]), nil
}

func (t *memoryTx) Audit(e *domain.AuditEntry) {
	t.audits = append(t.audits, e)
}

var errStorageDown = errors.New("storage unavailable")

const (
	userA   = "user-a"
	userB   = "user-b"
	deviceA = "device-a"
	deviceB = "device-b"
)

type syncFixture struct {
	svc      *SyncService
	outcomes *mockOutcomeRepo
	batches  *mockBatchRepo
	cursors  *mockCursorRepo
	devices  *mockDeviceRepo
	users    *mockUserRepo
	audit    *mockAuditRepo
	store    *memoryStore
	refs     *mockReferenceRepo

	clockMu sync.Mutex
	now     time.Time
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxBatchSize:     50,
		DefaultPullLimit: 100,
		MaxPullLimit:     500,
		BatchTimeout:     30 * time.Second,
		StoreTimeout:     5 * time.Second,
		TxMaxAttempts:    3,
		RetentionDays:    90,
	}
}

func newSyncFixture() *syncFixture {
	f := &syncFixture{
		outcomes: newMockOutcomeRepo(),
		batches:  newMockBatchRepo(),
		cursors:  newMockCursorRepo(),
		devices: newMockDeviceRepo(
			&domain.Device{ID: deviceA, UserID: userA},
			&domain.Device{ID: deviceB, UserID: userB},
		),
		users: newMockUserRepo(
			&domain.User{ID: userA, FirstName: "Amine", LastName: "Haddad", IsActive: true},
			&domain.User{ID: userB, FirstName: "Sara", IsActive: true},
		),
		audit: &mockAuditRepo{},
		refs:  &mockReferenceRepo{changed: map[string][]string{}},
		now:   time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	f.store = newMemoryStore(f.audit)

	log := testLogger()
	registry := DefaultPolicies(f.users, log)
	idem := NewIdempotencyService(f.outcomes, f.batches, log)

	f.svc = NewSyncService(SyncDeps{
		Idempotency: idem,
		Conflicts:   NewConflictService(registry, log),
		Applier:     NewApplierService(registry, log),
		Access:      NewAccessService(f.devices, f.users),
		Store:       f.store,
		Outcomes:    f.outcomes,
		Batches:     f.batches,
		Cursors:     f.cursors,
		References:  f.refs,
		Devices:     f.devices,
		Audit:       f.audit,
	}, testSyncConfig(), log)

	// Each call advances the clock so applied sequences are strictly ordered.
	f.svc.now = func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		f.now = f.now.Add(time.Millisecond)
		return f.now
	}
	idem.now = f.svc.now

	return f
}

// advance moves the fixture clock forward by d.
func (f *syncFixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func identityA() domain.Identity { return domain.Identity{UserID: userA, DeviceID: deviceA} }
func identityB() domain.Identity { return domain.Identity{UserID: userB, DeviceID: deviceB} }

func (f *syncFixture) addDelivery(id string) {
	f.store.deliveries[id] = &domain.Delivery{
		ID:        id,
		DocType:   domain.DocTypeDelivery,
		Reference: "BL-" + id,
		ClientID:  "client-1",
		Status:    domain.DeliveryPending,
	}
}

func mustHash(payload map[string]interface{}) string {
	h, err := PayloadHash(payload)
	if err != nil {
		panic(err)
	}
	return h
}

func newAction(id string, entity domain.EntityType, entityID string, kind domain.ActionKind, payload map[string]interface{}) domain.SyncAction {
	return domain.SyncAction{
		ClientActionID: id,
		EntityType:     entity,
		EntityID:       entityID,
		ActionKind:     kind,
		Payload:        payload,
		OccurredAt:     time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC),
		IntegrityHash:  mustHash(payload),
	}
}

func validateAction(id, deliveryID string) domain.SyncAction {
	return newAction(id, domain.EntityDelivery, deliveryID, domain.ActionDeliveryValidated, map[string]interface{}{
		"recipient_name": "M. Benali",
		"latitude":       36.75,
		"longitude":      3.06,
	})
}

func invoiceAction(id, tempID string, netToPay string) domain.SyncAction {
	return newAction(id, domain.EntityInvoice, tempID, domain.ActionInvoiceCreated, map[string]interface{}{
		"total_ht":   netToPay,
		"total_tva":  "0",
		"total_ttc":  netToPay,
		"net_to_pay": netToPay,
	})
}

func paymentAction(id, invoiceID string, amount float64) domain.SyncAction {
	return newAction(id, domain.EntityPayment, "pay-"+id, domain.ActionPaymentRecorded, map[string]interface{}{
		"invoice_id":     invoiceID,
		"amount":         amount,
		"payment_method": "ESPECES",
	})
}
