package ledger

import "time"

// Collection names a record collection. The string values are the
// chunk type tags in the backup stream and the first segment of remote
// store paths.
type Collection string

const (
	CollectionNeighborhoods Collection = "neighborhoods"
	CollectionStreets       Collection = "streets"
	CollectionClients       Collection = "clients"
	CollectionPayments      Collection = "payments"
	CollectionActivityLog   Collection = "activity_log"
)

// ExportOrder is the fixed collection order for backups: small
// reference tables first, large transactional tables last, so a
// restore can satisfy foreign keys front to back.
var ExportOrder = []Collection{
	CollectionNeighborhoods,
	CollectionStreets,
	CollectionClients,
	CollectionPayments,
	CollectionActivityLog,
}

// Neighborhood is a lookup row grouping streets.
type Neighborhood struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Street belongs to a neighborhood and groups clients.
type Street struct {
	ID             string    `json:"id"`
	NeighborhoodID string    `json:"neighborhood_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Client is a ledger account holder.
type Client struct {
	ID           string    `json:"id"`
	StreetID     string    `json:"street_id,omitempty"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Address      string    `json:"address,omitempty"`
	BalanceCents int64     `json:"balance_cents"`
	Notes        string    `json:"notes,omitempty"`
	Archived     bool      `json:"archived,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Payment is a single ledger movement against a client.
type Payment struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method,omitempty"`
	Note        string    `json:"note,omitempty"`
	PaidAt      time.Time `json:"paid_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActivityEntry records a domain action for the audit trail shown in
// the app's activity screen.
type ActivityEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
