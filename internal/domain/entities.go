package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryValidated DeliveryStatus = "VALIDATED"
	DeliveryCancelled DeliveryStatus = "CANCELLED"
)

type Delivery struct {
	ID                  string         `json:"id"`
	Rev                 string         `json:"_rev,omitempty"`
	DocType             string         `json:"doc_type"`
	Reference           string         `json:"reference"`
	InvoiceID           string         `json:"invoice_id,omitempty"`
	ClientID            string         `json:"client_id"`
	QRCode              string         `json:"qr_code,omitempty"`
	ScheduledDate       *time.Time     `json:"scheduled_date,omitempty"`
	DeliveryAddress     string         `json:"delivery_address,omitempty"`
	Status              DeliveryStatus `json:"status"`
	ValidatedAt         *time.Time     `json:"validated_at,omitempty"`
	ValidatedByUserID   string         `json:"validated_by_user_id,omitempty"`
	ValidatedByDeviceID string         `json:"validated_by_device_id,omitempty"`
	RecipientName       string         `json:"recipient_name,omitempty"`
	RecipientSignature  string         `json:"recipient_signature,omitempty"`
	ProofPhoto          string         `json:"proof_photo,omitempty"`
	DeliveryNotes       string         `json:"delivery_notes,omitempty"`
	QRScanned           string         `json:"qr_scanned,omitempty"`
	Latitude            *float64       `json:"latitude,omitempty"`
	Longitude           *float64       `json:"longitude,omitempty"`
	CancelledAt         *time.Time     `json:"cancelled_at,omitempty"`
	CancelledByUserID   string         `json:"cancelled_by_user_id,omitempty"`
	CancelReason        string         `json:"cancel_reason,omitempty"`
	SyncActions         []string       `json:"sync_actions,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

const DocTypeDelivery = "delivery"

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

type InvoiceLine struct {
	ProductID   string          `json:"product_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPriceHT decimal.Decimal `json:"unit_price_ht"`
	LineHT      decimal.Decimal `json:"line_ht"`
}

// Payment is stored inside its invoice so that recording it and settling the
// invoice is a single document write.
type Payment struct {
	ID             string          `json:"id"`
	ClientActionID string          `json:"client_action_id"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"payment_method"`
	UserID         string          `json:"user_id"`
	DeviceID       string          `json:"device_id"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

type Invoice struct {
	ID            string          `json:"id"`
	Rev           string          `json:"_rev,omitempty"`
	DocType       string          `json:"doc_type"`
	Reference     string          `json:"reference"`
	TempID        string          `json:"temp_id,omitempty"`
	ClientID      string          `json:"client_id"`
	Date          time.Time       `json:"date"`
	TotalHT       decimal.Decimal `json:"total_ht"`
	TotalTVA      decimal.Decimal `json:"total_tva"`
	TotalTTC      decimal.Decimal `json:"total_ttc"`
	TimbreFiscal  decimal.Decimal `json:"timbre_fiscal"`
	NetToPay      decimal.Decimal `json:"net_to_pay"`
	PaymentMethod string          `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	Status        InvoiceStatus   `json:"status"`
	Lines         []InvoiceLine   `json:"lines"`
	Payments      []Payment       `json:"payments"`
	UserID        string          `json:"user_id"`
	DeviceID      string          `json:"device_id"`
	SyncActions   []string        `json:"sync_actions,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const DocTypeInvoice = "invoice"

func (inv *Invoice) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for _, p := range inv.Payments {
		total = total.Add(p.Amount)
	}
	return total
}

func (inv *Invoice) Remaining() decimal.Decimal {
	return inv.NetToPay.Sub(inv.TotalPaid())
}

type Client struct {
	ID          string    `json:"id"`
	Rev         string    `json:"_rev,omitempty"`
	DocType     string    `json:"doc_type"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Type        string    `json:"type,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	NIF         string    `json:"nif,omitempty"`
	RC          string    `json:"rc,omitempty"`
	AI          string    `json:"ai,omitempty"`
	SyncActions []string  `json:"sync_actions,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedSeq  int64     `json:"updated_seq"`
}

const DocTypeClient = "client"

type Product struct {
	ID          string          `json:"id"`
	Rev         string          `json:"_rev,omitempty"`
	DocType     string          `json:"doc_type"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	ShortName   string          `json:"short_name,omitempty"`
	Unit        string          `json:"unit"`
	PriceHT     decimal.Decimal `json:"price_ht"`
	MinStock    int64           `json:"min_stock"`
	WeightGrams int64           `json:"weight_grams,omitempty"`
	IsActive    bool            `json:"is_active"`
	UpdatedAt   time.Time       `json:"updated_at"`
	UpdatedSeq  int64           `json:"updated_seq"`
}

const DocTypeProduct = "product"

// StockLot is one received lot of finished product.
type StockLot struct {
	ID                string    `json:"id"`
	Rev               string    `json:"_rev,omitempty"`
	DocType           string    `json:"doc_type"`
	ProductID         string    `json:"product_id"`
	QuantityRemaining int64     `json:"quantity_remaining"`
	IsActive          bool      `json:"is_active"`
	ReceivedAt        time.Time `json:"received_at"`
}

const DocTypeStockLot = "stock_lot"

type StockStatus string

const (
	StockOK  StockStatus = "OK"
	StockLow StockStatus = "LOW"
	StockOut StockStatus = "OUT"
)

// StockLevel is the per-product stock snapshot served at bootstrap.
type StockLevel struct {
	ProductID    string      `json:"product_id"`
	ProductCode  string      `json:"product_code"`
	ProductName  string      `json:"product_name"`
	CurrentStock int64       `json:"current_stock"`
	MinStock     int64       `json:"min_stock"`
	Unit         string      `json:"unit"`
	Status       StockStatus `json:"status"`
}

func StockStatusFor(current, min int64) StockStatus {
	switch {
	case current <= 0:
		return StockOut
	case current < min:
		return StockLow
	}
	return StockOK
}

// MaxSyncActions bounds the applied action ids kept on an entity document.
const MaxSyncActions = 64

// StampSyncAction records that actionID mutated the document. The stamp lands
// in the same document revision as the mutation itself.
func StampSyncAction(ids []string, actionID string) []string {
	if HasSyncAction(ids, actionID) {
		return ids
	}
	ids = append(ids, actionID)
	if len(ids) > MaxSyncActions {
		ids = append([]string(nil), ids[len(ids)-MaxSyncActions:]...)
	}
	return ids
}

func HasSyncAction(ids []string, actionID string) bool {
	for _, id := range ids {
		if id == actionID {
			return true
		}
	}
	return false
}
