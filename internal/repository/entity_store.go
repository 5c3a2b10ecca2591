package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"github.com/sirupsen/logrus"
)

// ErrTxAborted is returned by RunInTx when every attempt lost a revision race.
var ErrTxAborted = errors.New("transaction aborted after repeated revision conflicts")

// EntityTx is the business-state view handed to one action. Reads see the
// writes staged earlier in the same attempt; writes are committed with their
// revision only after the callback returns nil.
type EntityTx interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	SaveDelivery(delivery *domain.Delivery)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	CreateInvoice(invoice *domain.Invoice)
	SaveInvoice(invoice *domain.Invoice)
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	SaveClient(client *domain.Client)
	NextInvoiceReference(ctx context.Context, day time.Time) (string, error)
	Audit(entry *domain.AuditEntry)
}

type EntityStore interface {
	RunInTx(ctx context.Context, fn func(tx EntityTx) error) error
}

type entityStore struct {
	client      *kivik.Client
	dbName      string
	audit       AuditRepository
	maxAttempts int
	log         logrus.FieldLogger
}

func NewEntityStore(client *kivik.Client, dbName string, audit AuditRepository, maxAttempts int, log logrus.FieldLogger) EntityStore {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &entityStore{
		client:      client,
		dbName:      dbName,
		audit:       audit,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// RunInTx runs fn against fresh reads and commits its staged writes. When a
// write loses a revision race, fn is run again from scratch so the conflict
// check sees the winner's state.
func (s *entityStore) RunInTx(ctx context.Context, fn func(tx EntityTx) error) error {
	db := s.client.DB(s.dbName)

	var committed *entityTx
	err := retryOnConflict(s.maxAttempts, s.log, func() error {
		tx := &entityTx{db: db, staged: make(map[string]stagedWrite)}
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.commit(ctx); err != nil {
			return err
		}
		committed = tx
		return nil
	})
	if err != nil {
		return err
	}

	for _, entry := range committed.audits {
		if err := s.audit.Append(ctx, entry); err != nil {
			s.log.WithFields(logrus.Fields{
				"client_action_id": entry.ClientActionID,
				"kind":             entry.Kind,
			}).WithError(err).Error("failed to append audit entry")
		}
	}
	return nil
}

// retryOnConflict runs attempt until it returns anything other than a lost
// revision race, at most maxAttempts times.
func retryOnConflict(maxAttempts int, log logrus.FieldLogger, attempt func() error) error {
	for n := 1; n <= maxAttempts; n++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRevisionConflict) && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
		log.WithField("attempt", n).Debug("entity transaction lost a revision race, retrying")
	}
	return fmt.Errorf("%w (%d attempts)", ErrTxAborted, maxAttempts)
}

type stagedWrite struct {
	doc    interface{}
	create bool
	apply  func(rev string)
}

type entityTx struct {
	db     *kivik.DB
	staged map[string]stagedWrite
	order  []string
	audits []*domain.AuditEntry
}

func (tx *entityTx) get(ctx context.Context, docID string, dst interface{}) error {
	if w, ok := tx.staged[docID]; ok {
		raw, err := json.Marshal(w.doc)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst)
	}
	return wrapErr("failed to read entity", tx.db.Get(ctx, docID).ScanDoc(dst))
}

func (tx *entityTx) stage(docID string, w stagedWrite) {
	if prev, ok := tx.staged[docID]; ok {
		w.create = w.create || prev.create
	} else {
		tx.order = append(tx.order, docID)
	}
	tx.staged[docID] = w
}

func (tx *entityTx) commit(ctx context.Context) error {
	for _, docID := range tx.order {
		w := tx.staged[docID]
		rev, err := tx.db.Put(ctx, docID, w.doc)
		if err != nil {
			if w.create {
				return wrapCreateErr("failed to create entity", err)
			}
			return wrapErr("failed to save entity", err)
		}
		w.apply(rev)
	}
	return nil
}

func (tx *entityTx) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	var d domain.Delivery
	if err := tx.get(ctx, "delivery:"+id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (tx *entityTx) SaveDelivery(d *domain.Delivery) {
	d.DocType = domain.DocTypeDelivery
	tx.stage("delivery:"+d.ID, stagedWrite{doc: d, apply: func(rev string) { d.Rev = rev }})
}

func (tx *entityTx) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	if err := tx.get(ctx, "invoice:"+id, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (tx *entityTx) CreateInvoice(inv *domain.Invoice) {
	inv.DocType = domain.DocTypeInvoice
	inv.Rev = ""
	tx.stage("invoice:"+inv.ID, stagedWrite{doc: inv, create: true, apply: func(rev string) { inv.Rev = rev }})
}

func (tx *entityTx) SaveInvoice(inv *domain.Invoice) {
	inv.DocType = domain.DocTypeInvoice
	tx.stage("invoice:"+inv.ID, stagedWrite{doc: inv, apply: func(rev string) { inv.Rev = rev }})
}

func (tx *entityTx) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	if err := tx.get(ctx, "client:"+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (tx *entityTx) SaveClient(c *domain.Client) {
	c.DocType = domain.DocTypeClient
	tx.stage("client:"+c.ID, stagedWrite{doc: c, apply: func(rev string) { c.Rev = rev }})
}

func (tx *entityTx) Audit(entry *domain.AuditEntry) {
	tx.audits = append(tx.audits, entry)
}

type referenceCounter struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	Day     string `json:"day"`
	Value   int    `json:"value"`
}

const maxCounterAttempts = 10

// NextInvoiceReference hands out F-YYMMDD-NNN from a per-day counter. The
// counter is committed immediately, so an aborted transaction leaves a gap.
func (tx *entityTx) NextInvoiceReference(ctx context.Context, day time.Time) (string, error) {
	dayKey := day.UTC().Format("060102")
	docID := "counter:invoice:" + dayKey

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		counter := referenceCounter{ID: docID, DocType: "counter", Day: dayKey}
		err := wrapErr("failed to read invoice counter", tx.db.Get(ctx, docID).ScanDoc(&counter))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}

		counter.Value++
		_, err = tx.db.Put(ctx, docID, counter)
		if err == nil {
			return fmt.Sprintf("F-%s-%03d", dayKey, counter.Value), nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return "", fmt.Errorf("failed to bump invoice counter: %w", err)
		}
	}

	return "", fmt.Errorf("failed to bump invoice counter: %w", ErrRevisionConflict)
}
