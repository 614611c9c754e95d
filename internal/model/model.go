package model

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

type Direction string

const (
	FromContact Direction = "from_contact"
	ToContact   Direction = "to_contact"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContacts MessageType = "contacts"
	TypeTemplate MessageType = "template"
)

// Team is a tenant: one set of WhatsApp Business credentials and its own
// contact/conversation data. Owned by the admin layer; read-only here.
type Team struct {
	ID                 int64
	Name               string
	PhoneNumberID      string
	AccessToken        string
	BusinessAccountID  string
	AppSecret          string
	APIVersion         string
	DefaultCountryCode string
	Active             bool
}

// Driver is an external contact, unique per (team, canonical phone).
type Driver struct {
	ID        int64
	TeamID    int64
	Phone     string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Conversation is the single open thread per (team, driver) or (team, group).
// LastInboundAt is nil until the first inbound message opens the 24h window;
// it is set only by the webhook ingestor and never moves backwards.
type Conversation struct {
	ID            int64
	TeamID        int64
	DriverID      *int64
	GroupJID      *string
	LastMessageAt time.Time
	LastInboundAt *time.Time
	Active        bool
}

func (c Conversation) IsGroup() bool { return c.GroupJID != nil }

type Message struct {
	ID             int64
	ConversationID int64
	TeamID         int64
	Direction      Direction
	Type           MessageType
	Content        string
	Status         Status

	// WaMessageID is assigned by the provider on send (or carried by the
	// webhook for inbound) and is globally unique: the dedup key.
	WaMessageID *string

	MediaURL  *string
	MediaMime *string
	MediaSize *int64
	FileName  *string

	Latitude  *float64
	Longitude *float64

	TemplateName   *string
	TemplateLang   *string
	TemplateParams map[string]string

	ReplyToID *int64

	RetryCount  int
	NextRetryAt *time.Time
	LastError   *string

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
}
