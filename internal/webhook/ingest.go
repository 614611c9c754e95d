// Package webhook turns provider callback payloads into stored messages and
// status updates. Signature verification is the only hard gate: once a
// payload is parsed, every sub-event failure is logged and swallowed so the
// provider always gets its acknowledgement.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/cache"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/media"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/phone"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/store"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/wa"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

const groupJIDSuffix = "@g.us"

var ErrBadSignature = errors.New("webhook: signature missing or mismatched")

// Ingestor processes verified webhook payloads. msgCache is an optional
// fast path for deduplication; the unique wa message id constraint in the
// store is the source of truth either way.
type Ingestor struct {
	store    store.Store
	cache    cache.MessageCache
	pipeline *media.Pipeline
	logger   *slog.Logger

	// bypassSignature disables HMAC verification. Set only through
	// configuration for test environments.
	bypassSignature bool
}

func NewIngestor(st store.Store, msgCache cache.MessageCache, pipeline *media.Pipeline, bypassSignature bool, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:           st,
		cache:           msgCache,
		pipeline:        pipeline,
		logger:          logger,
		bypassSignature: bypassSignature,
	}
}

// VerifySignature checks the sha256= HMAC header over the raw body against
// every active team's application secret. The sender only identifies itself
// inside the payload, so the signature has to match before the body can be
// trusted enough to demultiplex it.
func (i *Ingestor) VerifySignature(ctx context.Context, body []byte, header string) error {
	if i.bypassSignature {
		i.logger.Debug("signature verification bypassed")
		return nil
	}

	if !strings.HasPrefix(header, "sha256=") {
		return ErrBadSignature
	}
	given, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil || len(given) == 0 {
		return ErrBadSignature
	}

	teams, err := i.store.ActiveTeams(ctx)
	if err != nil {
		return fmt.Errorf("webhook: load teams for verification: %w", err)
	}

	for _, team := range teams {
		if team.AppSecret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(team.AppSecret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), given) {
			return nil
		}
	}
	return ErrBadSignature
}

// Result counts what one payload produced, for logging.
type Result struct {
	Messages int
	Statuses int
	Skipped  int
}

// Process walks every change in the payload. Each change resolves its own
// tenant from metadata.phone_number_id; changes for unknown or inactive
// tenants are skipped without failing the rest.
func (i *Ingestor) Process(ctx context.Context, payload *wa.WebhookPayload) Result {
	var res Result
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value

			team, err := i.store.TeamByPhoneNumberID(ctx, v.Metadata.PhoneNumberID)
			if err != nil {
				i.logger.Warn("webhook change for unknown tenant, skipping",
					"phone_number_id", v.Metadata.PhoneNumberID,
					"messages", len(v.Messages), "statuses", len(v.Statuses))
				res.Skipped += len(v.Messages) + len(v.Statuses)
				continue
			}

			for _, msg := range v.Messages {
				if err := i.ingestMessage(ctx, team, v.Contacts, msg); err != nil {
					i.logger.Error("inbound message not ingested",
						"wa_message_id", msg.ID, "team_id", team.ID, "error", err)
					res.Skipped++
					continue
				}
				res.Messages++
			}

			for _, st := range v.Statuses {
				if err := i.applyStatus(ctx, team, st); err != nil {
					i.logger.Error("status event not applied",
						"wa_message_id", st.ID, "team_id", team.ID, "error", err)
					res.Skipped++
					continue
				}
				res.Statuses++
			}
		}
	}
	return res
}

func creds(team *model.Team) wa.Credentials {
	return wa.Credentials{
		PhoneNumberID: team.PhoneNumberID,
		AccessToken:   team.AccessToken,
		APIVersion:    team.APIVersion,
	}
}

func (i *Ingestor) ingestMessage(ctx context.Context, team *model.Team, contacts []wa.WebhookContact, msg wa.WebhookMessage) error {
	marked := false
	if i.cache != nil {
		first, err := i.cache.MarkSeen(ctx, msg.ID)
		if err != nil {
			i.logger.Warn("dedup cache unavailable, relying on store constraint", "error", err)
		} else if !first {
			i.logger.Debug("webhook redelivery, already seen", "wa_message_id", msg.ID)
			return nil
		} else {
			marked = true
		}
	}

	if err := i.storeMessage(ctx, team, contacts, msg); err != nil {
		// The message was not persisted; release the marker so the
		// provider's redelivery gets another chance instead of being
		// absorbed by the fast path.
		if marked {
			if unmarkErr := i.cache.Unmark(ctx, msg.ID); unmarkErr != nil {
				i.logger.Error("failed to release dedup marker for unstored message",
					"wa_message_id", msg.ID, "error", unmarkErr)
			}
		}
		return err
	}
	return nil
}

func (i *Ingestor) storeMessage(ctx context.Context, team *model.Team, contacts []wa.WebhookContact, msg wa.WebhookMessage) error {
	conv, err := i.resolveConversation(ctx, team, contacts, msg.From)
	if err != nil {
		return err
	}

	waID := msg.ID
	m := &model.Message{
		ConversationID: conv.ID,
		TeamID:         team.ID,
		Direction:      model.FromContact,
		Status:         model.StatusDelivered,
		WaMessageID:    &waID,
	}

	if msg.Context != nil && msg.Context.ID != "" {
		if replied, err := i.store.MessageByWaID(ctx, msg.Context.ID); err == nil {
			m.ReplyToID = &replied.ID
		}
	}

	if err := i.normalizePayload(ctx, team, msg, m); err != nil {
		return err
	}

	if err := i.store.CreateMessage(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			i.logger.Debug("webhook redelivery, message already stored", "wa_message_id", msg.ID)
			return nil
		}
		return fmt.Errorf("persist inbound message: %w", err)
	}

	at := parseTimestamp(msg.Timestamp)
	if err := i.store.RecordInbound(ctx, conv.ID, at); err != nil {
		i.logger.Warn("failed to advance conversation window",
			"conversation_id", conv.ID, "error", err)
	}

	i.logger.Info("inbound message stored",
		"message_id", m.ID, "team_id", team.ID, "type", m.Type, "group", conv.IsGroup())
	return nil
}

// resolveConversation finds or creates the thread for a sender. Group
// senders carry the @g.us JID suffix; everything else is a contact phone
// number canonicalized with the team's default country code.
func (i *Ingestor) resolveConversation(ctx context.Context, team *model.Team, contacts []wa.WebhookContact, from string) (*model.Conversation, error) {
	if strings.HasSuffix(from, groupJIDSuffix) {
		conv, err := i.store.EnsureGroupConversation(ctx, team.ID, from)
		if err != nil {
			return nil, fmt.Errorf("ensure group conversation %s: %w", from, err)
		}
		return conv, nil
	}

	canonical := phone.Canonical(from, team.DefaultCountryCode)
	driver, err := i.store.EnsureDriver(ctx, team.ID, canonical, contactName(contacts, from))
	if err != nil {
		return nil, fmt.Errorf("ensure driver %s: %w", canonical, err)
	}
	conv, err := i.store.EnsureDriverConversation(ctx, team.ID, driver.ID)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation for driver %d: %w", driver.ID, err)
	}
	return conv, nil
}

// normalizePayload maps the provider's tagged message variant onto the
// stored message. Inbound media is downloaded best-effort: on failure the
// message is stored without a local copy rather than dropped.
func (i *Ingestor) normalizePayload(ctx context.Context, team *model.Team, msg wa.WebhookMessage, m *model.Message) error {
	var ref *wa.Media

	switch msg.Type {
	case "text":
		m.Type = model.TypeText
		if msg.Text != nil {
			m.Content = msg.Text.Body
		}
		return nil

	case "image":
		m.Type = model.TypeImage
		ref = msg.Image
	case "video":
		m.Type = model.TypeVideo
		ref = msg.Video
	case "audio":
		m.Type = model.TypeAudio
		ref = msg.Audio
	case "document":
		m.Type = model.TypeDocument
		ref = msg.Document

	case "location":
		m.Type = model.TypeLocation
		if msg.Location != nil {
			lat, lng := msg.Location.Latitude, msg.Location.Longitude
			m.Latitude = &lat
			m.Longitude = &lng
			m.Content = msg.Location.Name
		}
		return nil

	case "contacts":
		m.Type = model.TypeContacts
		var names []string
		for _, card := range msg.Contacts {
			if card.Name.FormattedName != "" {
				names = append(names, card.Name.FormattedName)
			}
		}
		m.Content = strings.Join(names, ", ")
		return nil

	default:
		return fmt.Errorf("unsupported inbound message type %q", msg.Type)
	}

	if ref == nil {
		return fmt.Errorf("inbound %s message without media reference", msg.Type)
	}

	m.Content = ref.Caption
	if mime := media.NormalizeMime(ref.MimeType); mime != "" {
		m.MediaMime = &mime
	}
	if ref.Filename != "" {
		m.FileName = &ref.Filename
	}

	if i.pipeline != nil && ref.ID != "" {
		if stored := i.pipeline.FetchInbound(ctx, creds(team), ref.ID); stored != nil {
			m.MediaURL = &stored.URL
			m.FileName = &stored.FileName
			m.MediaMime = &stored.Mime
			m.MediaSize = &stored.Size
		}
	}
	return nil
}

func (i *Ingestor) applyStatus(ctx context.Context, team *model.Team, st wa.WebhookStatus) error {
	status, ok := deliveryStatus(st.Status)
	if !ok {
		i.logger.Warn("unknown delivery status ignored", "status", st.Status, "wa_message_id", st.ID)
		return nil
	}

	err := i.store.UpdateStatusByWaID(ctx, st.ID, status, parseTimestamp(st.Timestamp))
	if errors.Is(err, store.ErrNotFound) {
		i.logger.Debug("status event for unknown message ignored", "wa_message_id", st.ID, "status", st.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update status %s for %s: %w", status, st.ID, err)
	}

	if status == model.StatusFailed && len(st.Errors) > 0 {
		i.logger.Warn("provider reported delivery failure",
			"wa_message_id", st.ID, "code", st.Errors[0].Code, "title", st.Errors[0].Title)
	}
	return nil
}

func deliveryStatus(s string) (model.Status, bool) {
	switch s {
	case "sent":
		return model.StatusSent, true
	case "delivered":
		return model.StatusDelivered, true
	case "read":
		return model.StatusRead, true
	case "failed":
		return model.StatusFailed, true
	default:
		return "", false
	}
}

func contactName(contacts []wa.WebhookContact, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
