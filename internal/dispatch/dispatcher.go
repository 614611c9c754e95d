// Package dispatch builds and sends provider API requests for one team.
// All message shapes funnel through a single send primitive that applies
// the per-team rate limit and, in provider-bypass mode, short-circuits
// with a synthetic message id.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/media"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/phone"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/ratelimit"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/wa"
)

type Dispatcher struct {
	client   *wa.Client
	pipeline *media.Pipeline
	limiter  *ratelimit.PerTeam
	logger   *slog.Logger

	// bypassProvider suppresses all provider calls and returns synthetic
	// message ids. Set only through configuration for test environments.
	bypassProvider bool
}

func New(client *wa.Client, pipeline *media.Pipeline, limiter *ratelimit.PerTeam, bypassProvider bool, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:         client,
		pipeline:       pipeline,
		limiter:        limiter,
		logger:         logger,
		bypassProvider: bypassProvider,
	}
}

func creds(team *model.Team) wa.Credentials {
	return wa.Credentials{
		PhoneNumberID: team.PhoneNumberID,
		AccessToken:   team.AccessToken,
		APIVersion:    team.APIVersion,
	}
}

// destination canonicalizes 1:1 recipients with the team's default country
// code. Group JIDs pass through untouched.
func destination(team *model.Team, to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return phone.Canonical(to, team.DefaultCountryCode)
}

func (d *Dispatcher) send(ctx context.Context, team *model.Team, msg wa.OutboundMessage) (string, error) {
	if d.bypassProvider {
		id := "test-" + uuid.NewString()
		d.logger.Info("provider bypass, returning synthetic id",
			"team_id", team.ID, "type", msg.Type, "wa_message_id", id)
		return id, nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, team.ID); err != nil {
			return "", fmt.Errorf("dispatch: rate limit wait: %w", err)
		}
	}

	return d.client.SendMessage(ctx, creds(team), msg)
}

func (d *Dispatcher) SendText(ctx context.Context, team *model.Team, to, body string) (string, error) {
	return d.send(ctx, team, wa.OutboundMessage{
		To:   destination(team, to),
		Type: "text",
		Text: &wa.Text{Body: body},
	})
}

// SendTemplate sends a pre-approved template. Parameters are ordered by
// sorted key: ordering decides which placeholder each value fills, so it
// must be deterministic.
func (d *Dispatcher) SendTemplate(ctx context.Context, team *model.Team, to, name, language string, params map[string]string) (string, error) {
	if language == "" {
		language = "en"
	}

	tpl := &wa.Template{
		Name:     name,
		Language: wa.TemplateLanguage{Code: language},
	}
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make([]wa.TemplateParameter, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, wa.TemplateParameter{Type: "text", Text: params[k]})
		}
		tpl.Components = []wa.TemplateComponent{{Type: "body", Parameters: ordered}}
	}

	return d.send(ctx, team, wa.OutboundMessage{
		To:       destination(team, to),
		Type:     "template",
		Template: tpl,
	})
}

// SendMedia references a previously uploaded provider media id. Captions
// are dropped for audio, which the provider rejects them on.
func (d *Dispatcher) SendMedia(ctx context.Context, team *model.Team, to string, mediaType model.MessageType, mediaID, caption, filename string) (string, error) {
	msg := wa.OutboundMessage{To: destination(team, to), Type: string(mediaType)}

	m := &wa.Media{ID: mediaID, Caption: caption}
	switch mediaType {
	case model.TypeImage:
		msg.Image = m
	case model.TypeVideo:
		msg.Video = m
	case model.TypeAudio:
		m.Caption = ""
		msg.Audio = m
	case model.TypeDocument:
		m.Filename = filename
		msg.Document = m
	default:
		return "", fmt.Errorf("dispatch: %s is not a media type", mediaType)
	}

	return d.send(ctx, team, msg)
}

func (d *Dispatcher) SendLocation(ctx context.Context, team *model.Team, to string, lat, lng float64, name, address string) (string, error) {
	return d.send(ctx, team, wa.OutboundMessage{
		To:   destination(team, to),
		Type: "location",
		Location: &wa.Location{
			Latitude:  lat,
			Longitude: lng,
			Name:      name,
			Address:   address,
		},
	})
}

// DispatchMessage sends a stored outbound message according to its type.
// Media messages resolve their source bytes, pass the size check and upload
// before the send request; the upload happens here so a retried message
// re-uploads against a fresh media id.
func (d *Dispatcher) DispatchMessage(ctx context.Context, team *model.Team, to string, m *model.Message) (string, error) {
	switch m.Type {
	case model.TypeText:
		return d.SendText(ctx, team, to, m.Content)

	case model.TypeTemplate:
		name := ""
		if m.TemplateName != nil {
			name = *m.TemplateName
		}
		lang := ""
		if m.TemplateLang != nil {
			lang = *m.TemplateLang
		}
		return d.SendTemplate(ctx, team, to, name, lang, m.TemplateParams)

	case model.TypeImage, model.TypeVideo, model.TypeAudio, model.TypeDocument:
		if m.MediaURL == nil || *m.MediaURL == "" {
			return "", fmt.Errorf("dispatch: message %d has no media source", m.ID)
		}
		data, err := d.pipeline.ResolveBytes(ctx, *m.MediaURL)
		if err != nil {
			return "", fmt.Errorf("dispatch: resolve media for message %d: %w", m.ID, err)
		}

		filename := ""
		if m.FileName != nil {
			filename = *m.FileName
		}
		mime := ""
		if m.MediaMime != nil {
			mime = *m.MediaMime
		}

		if d.bypassProvider {
			if err := media.ValidateSize(m.Type, int64(len(data))); err != nil {
				return "", err
			}
			return d.send(ctx, team, wa.OutboundMessage{Type: string(m.Type)})
		}

		mediaID, err := d.pipeline.Upload(ctx, creds(team), m.Type, filename, mime, data)
		if err != nil {
			return "", err
		}
		return d.SendMedia(ctx, team, to, m.Type, mediaID, m.Content, filename)

	case model.TypeLocation:
		if m.Latitude == nil || m.Longitude == nil {
			return "", fmt.Errorf("dispatch: message %d has no coordinates", m.ID)
		}
		return d.SendLocation(ctx, team, to, *m.Latitude, *m.Longitude, m.Content, "")

	default:
		return "", fmt.Errorf("dispatch: unsupported outbound message type %q", m.Type)
	}
}
