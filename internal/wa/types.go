package wa

// Cloud API request/response and webhook payload shapes. Every outbound
// message is a tagged variant: the Type field selects which of the optional
// payload structs is populated.

type Text struct {
	Body string `json:"body"`
}

type Media struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
	// Filename is only honored by the provider for documents.
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters"`
}

type TemplateLanguage struct {
	Code string `json:"code"`
}

type Template struct {
	Name       string              `json:"name"`
	Language   TemplateLanguage    `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

// OutboundMessage is the body of POST /v{ver}/{phone_number_id}/messages.
type OutboundMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type,omitempty"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *Text     `json:"text,omitempty"`
	Image            *Media    `json:"image,omitempty"`
	Video            *Media    `json:"video,omitempty"`
	Audio            *Media    `json:"audio,omitempty"`
	Document         *Media    `json:"document,omitempty"`
	Location         *Location `json:"location,omitempty"`
	Template         *Template `json:"template,omitempty"`
}

type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type UploadResponse struct {
	ID string `json:"id"`
}

// MediaInfo is the response of GET /v{ver}/{media_id}: the ephemeral
// download URL plus size and reported MIME type.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	SHA256   string `json:"sha256"`
}

// Webhook payload, outermost to innermost:
// entry[].changes[].value.{metadata,messages,statuses}.

type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
	Statuses         []WebhookStatus  `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type WebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text     *Text          `json:"text,omitempty"`
	Image    *Media         `json:"image,omitempty"`
	Video    *Media         `json:"video,omitempty"`
	Audio    *Media         `json:"audio,omitempty"`
	Document *Media         `json:"document,omitempty"`
	Location *Location      `json:"location,omitempty"`
	Contacts []ContactCard  `json:"contacts,omitempty"`
	Context  *MessageContext `json:"context,omitempty"`
}

type ContactCard struct {
	Name struct {
		FormattedName string `json:"formatted_name"`
	} `json:"name"`
	Phones []struct {
		Phone string `json:"phone"`
		WaID  string `json:"wa_id"`
	} `json:"phones"`
}

// MessageContext carries the id of the message being replied to.
type MessageContext struct {
	From string `json:"from"`
	ID   string `json:"id"`
}

type WebhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors,omitempty"`
}
