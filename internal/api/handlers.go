// Package api is the HTTP surface of the gateway: the provider webhook, the
// messaging window query, template sends, queue submission and operational
// endpoints for the background loops.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/dispatch"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/phone"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/queue"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/store"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/wa"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/webhook"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/window"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/worker"
)

type Handler struct {
	store      store.Store
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	ingestor   *webhook.Ingestor
	worker     *worker.Worker
	scanner    *worker.Scanner
	logger     *slog.Logger

	verifyToken string
}

func NewHandler(st store.Store, q *queue.Queue, d *dispatch.Dispatcher, ing *webhook.Ingestor, w *worker.Worker, s *worker.Scanner, verifyToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       st,
		queue:       q,
		dispatcher:  d,
		ingestor:    ing,
		worker:      w,
		scanner:     s,
		logger:      logger,
		verifyToken: verifyToken,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) WorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"worker_running":  h.worker.IsRunning(),
		"scanner_running": h.scanner.IsRunning(),
		"queue_depth":     h.queue.Len(),
	})
}

func (h *Handler) WorkerStart(c *gin.Context) {
	h.worker.Start()
	h.scanner.Start()
	h.WorkerStatus(c)
}

func (h *Handler) WorkerStop(c *gin.Context) {
	h.worker.Stop()
	h.scanner.Stop()
	h.WorkerStatus(c)
}

// VerifyWebhook answers the provider's subscription handshake: echo the
// challenge when the verify token matches, reject otherwise.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken && challenge != "" {
		c.String(http.StatusOK, challenge)
		return
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
}

// ReceiveWebhook verifies the payload signature and ingests it. Only a bad
// signature is rejected; once parsing begins, sub-event failures are logged
// and the provider still gets a 200 so it does not retry-storm.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := h.ingestor.VerifySignature(c.Request.Context(), body, c.GetHeader(webhook.SignatureHeader)); err != nil {
		if errors.Is(err, webhook.ErrBadSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
			return
		}
		h.logger.Error("signature verification errored", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification unavailable"})
		return
	}

	var payload wa.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("unparsable webhook payload", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	res := h.ingestor.Process(c.Request.Context(), &payload)
	h.logger.Info("webhook processed",
		"messages", res.Messages, "statuses", res.Statuses, "skipped", res.Skipped)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// WindowStatus reports whether free-form sends are currently allowed for a
// conversation and how long until the window closes.
func (h *Handler) WindowStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	conv, err := h.store.ConversationByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	st := window.Compute(*conv, time.Now())
	resp := gin.H{
		"conversation_id":   conv.ID,
		"group":             conv.IsGroup(),
		"can_send_freeform": st.CanSendFreeform,
		"remaining_seconds": int64(st.Remaining / time.Second),
	}
	if conv.LastInboundAt != nil {
		resp["last_inbound_at"] = conv.LastInboundAt.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

type enqueueRequest struct {
	MessageID int64 `json:"message_id" binding:"required"`
	TeamID    int64 `json:"team_id"`
}

// Enqueue submits an already persisted queued message to the delivery queue.
func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.store.MessageByID(c.Request.Context(), req.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if m.Status != model.StatusQueued {
		c.JSON(http.StatusConflict, gin.H{"error": "message is not queued", "status": m.Status})
		return
	}

	if err := h.queue.Enqueue(c.Request.Context(), queue.Entry{MessageID: m.ID, TeamID: m.TeamID}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "queue_depth": h.queue.Len()})
}

type templateSendRequest struct {
	TeamID       int64             `json:"team_id" binding:"required"`
	To           string            `json:"to" binding:"required"`
	TemplateName string            `json:"template_name" binding:"required"`
	LanguageCode string            `json:"language_code"`
	Parameters   map[string]string `json:"parameters"`
}

// SendTemplate dispatches a template synchronously, bypassing the queue.
// Templates are exempt from the 24h window, so this works against cold
// conversations; the sent message is still recorded in history.
func (h *Handler) SendTemplate(c *gin.Context) {
	var req templateSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	team, err := h.store.TeamByID(ctx, req.TeamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "team not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	waID, err := h.dispatcher.SendTemplate(ctx, team, req.To, req.TemplateName, req.LanguageCode, req.Parameters)
	if err != nil {
		h.logger.Error("synchronous template send failed",
			"team_id", team.ID, "template", req.TemplateName, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	m, err := h.recordTemplateSend(c, team, req, waID)
	if err != nil {
		// The provider accepted the send; report success with the id even
		// if local bookkeeping failed.
		h.logger.Error("template sent but not recorded", "wa_message_id", waID, "error", err)
		c.JSON(http.StatusOK, gin.H{"wa_message_id": waID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wa_message_id": waID, "message_id": m.ID})
}

func (h *Handler) recordTemplateSend(c *gin.Context, team *model.Team, req templateSendRequest, waID string) (*model.Message, error) {
	ctx := c.Request.Context()

	canonical := phone.Canonical(req.To, team.DefaultCountryCode)
	driver, err := h.store.EnsureDriver(ctx, team.ID, canonical, "")
	if err != nil {
		return nil, err
	}
	conv, err := h.store.EnsureDriverConversation(ctx, team.ID, driver.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	lang := req.LanguageCode
	if lang == "" {
		lang = "en"
	}
	m := &model.Message{
		ConversationID: conv.ID,
		TeamID:         team.ID,
		Direction:      model.ToContact,
		Type:           model.TypeTemplate,
		Status:         model.StatusSent,
		WaMessageID:    &waID,
		TemplateName:   &req.TemplateName,
		TemplateLang:   &lang,
		TemplateParams: req.Parameters,
		SentAt:         &now,
	}
	if err := h.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := h.store.TouchLastMessage(ctx, conv.ID, now); err != nil {
		h.logger.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}
	return m, nil
}
