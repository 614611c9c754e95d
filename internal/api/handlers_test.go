package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/dispatch"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/media"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/queue"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/ratelimit"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/store"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/wa"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/webhook"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/worker"
)

type testServer struct {
	engine *gin.Engine
	store  *store.Memory
	queue  *queue.Queue
	team   model.Team
}

// newTestServer builds the full handler stack on the in-memory store with
// the provider bypassed, so template sends return synthetic ids.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := store.NewMemory()
	team := mem.AddTeam(model.Team{
		Name:               "logistics-a",
		PhoneNumberID:      "555001",
		AccessToken:        "tok-a",
		AppSecret:          "secret-a",
		APIVersion:         "v18.0",
		DefaultCountryCode: "62",
		Active:             true,
	})

	client := wa.NewClient("")
	pipeline := media.NewPipeline(client, t.TempDir(), "http://gateway/media", slog.Default())
	d := dispatch.New(client, pipeline, ratelimit.New(100, 100), true, slog.Default())

	q, err := queue.New(8)
	if err != nil {
		t.Fatalf("queue.New() error: %v", err)
	}

	ing := webhook.NewIngestor(mem, nil, nil, false, slog.Default())

	w, err := worker.New(q, mem, d, nil, worker.DefaultMaxRetries, slog.Default())
	if err != nil {
		t.Fatalf("worker.New() error: %v", err)
	}
	s, err := worker.NewScanner(mem, q, time.Hour, 10, worker.DefaultMaxRetries, slog.Default())
	if err != nil {
		t.Fatalf("worker.NewScanner() error: %v", err)
	}

	h := NewHandler(mem, q, d, ing, w, s, "verify-me", slog.Default())
	return &testServer{
		engine: Router(h, "", slog.Default()),
		store:  mem,
		queue:  q,
		team:   team,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	ts.engine.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestVerifyWebhook(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "12345" {
		t.Fatalf("expected challenge echoed, got %q", rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/v1/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong token, got %d", rr.Code)
	}
}

func TestReceiveWebhook_RejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"entry":[]}`)

	rr := ts.do(t, http.MethodPost, "/v1/webhook", body, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/v1/webhook", body, map[string]string{
		webhook.SignatureHeader: sign("wrong-secret", body),
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rr.Code)
	}
}

func TestReceiveWebhook_StoresInboundMessage(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{
	  "object": "whatsapp_business_account",
	  "entry": [{"changes": [{"value": {
	    "metadata": {"phone_number_id": "555001"},
	    "contacts": [{"profile": {"name": "Budi"}, "wa_id": "628123456789"}],
	    "messages": [{
	      "from": "628123456789",
	      "id": "wamid.api1",
	      "timestamp": "1756500000",
	      "type": "text",
	      "text": {"body": "arrived"}
	    }]
	  }}]}]
	}`)

	rr := ts.do(t, http.MethodPost, "/v1/webhook", body, map[string]string{
		webhook.SignatureHeader: sign("secret-a", body),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}

	m, err := ts.store.MessageByWaID(context.Background(), "wamid.api1")
	if err != nil {
		t.Fatalf("expected inbound message stored: %v", err)
	}
	if m.Content != "arrived" || m.Direction != model.FromContact {
		t.Fatalf("unexpected stored message: %+v", m)
	}
}

func TestReceiveWebhook_MalformedJSONStillAcknowledged(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{not json`)
	rr := ts.do(t, http.MethodPost, "/v1/webhook", body, map[string]string{
		webhook.SignatureHeader: sign("secret-a", body),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for malformed payload with valid signature, got %d", rr.Code)
	}
}

func TestWindowStatus(t *testing.T) {
	ts := newTestServer(t)

	recent := time.Now().Add(-1 * time.Hour)
	did := int64(1)
	open := ts.store.SetConversation(model.Conversation{
		TeamID:        ts.team.ID,
		DriverID:      &did,
		LastMessageAt: recent,
		LastInboundAt: &recent,
		Active:        true,
	})

	stale := time.Now().Add(-30 * time.Hour)
	closed := ts.store.SetConversation(model.Conversation{
		TeamID:        ts.team.ID,
		DriverID:      &did,
		LastMessageAt: stale,
		LastInboundAt: &stale,
		Active:        true,
	})

	rr := ts.do(t, http.MethodGet, fmt.Sprintf("/v1/conversations/%d/window", open.ID), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if can, _ := body["can_send_freeform"].(bool); !can {
		t.Fatalf("expected open window, got %v", body)
	}
	if rem, _ := body["remaining_seconds"].(float64); rem <= 0 || rem > 23*3600 {
		t.Fatalf("expected about 23h remaining, got %v", rem)
	}

	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/v1/conversations/%d/window", closed.ID), nil, nil)
	body = decodeJSON(t, rr)
	if can, _ := body["can_send_freeform"].(bool); can {
		t.Fatalf("expected closed window, got %v", body)
	}

	rr = ts.do(t, http.MethodGet, "/v1/conversations/99999/window", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/v1/conversations/abc/window", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", rr.Code)
	}
}

func TestEnqueue(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	m := &model.Message{
		TeamID:         ts.team.ID,
		ConversationID: 1,
		Direction:      model.ToContact,
		Type:           model.TypeText,
		Content:        "queued for delivery",
		Status:         model.StatusQueued,
	}
	if err := ts.store.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}

	rr := ts.do(t, http.MethodPost, "/v1/queue", gin.H{"message_id": m.ID, "team_id": ts.team.ID}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ts.queue.Len() != 1 {
		t.Fatalf("expected 1 queued entry, got %d", ts.queue.Len())
	}

	rr = ts.do(t, http.MethodPost, "/v1/queue", gin.H{"message_id": 99999}, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d", rr.Code)
	}

	if err := ts.store.MarkFailed(ctx, m.ID, "given up"); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}
	rr = ts.do(t, http.MethodPost, "/v1/queue", gin.H{"message_id": m.ID}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for non-queued message, got %d", rr.Code)
	}
}

func TestSendTemplate(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/templates/send", gin.H{
		"team_id":       ts.team.ID,
		"to":            "0812-3456-789",
		"template_name": "delivery_update",
		"language_code": "id",
		"parameters":    gin.H{"1_eta": "14:30"},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	waID, _ := body["wa_message_id"].(string)
	if !strings.HasPrefix(waID, "test-") {
		t.Fatalf("expected synthetic wa id from bypassed provider, got %q", waID)
	}

	m, err := ts.store.MessageByWaID(context.Background(), waID)
	if err != nil {
		t.Fatalf("expected sent template recorded: %v", err)
	}
	if m.Type != model.TypeTemplate || m.Status != model.StatusSent {
		t.Fatalf("unexpected recorded message: %+v", m)
	}
	if m.TemplateName == nil || *m.TemplateName != "delivery_update" {
		t.Fatalf("expected template name recorded, got %v", m.TemplateName)
	}

	driver, err := ts.store.DriverByPhone(context.Background(), ts.team.ID, "628123456789")
	if err != nil {
		t.Fatalf("expected driver created with canonical phone: %v", err)
	}
	conv, err := ts.store.ConversationByID(context.Background(), m.ConversationID)
	if err != nil {
		t.Fatalf("ConversationByID() error: %v", err)
	}
	if conv.DriverID == nil || *conv.DriverID != driver.ID {
		t.Fatalf("expected conversation bound to driver %d, got %+v", driver.ID, conv)
	}
	if conv.LastInboundAt != nil {
		t.Fatalf("outbound template must not open the window, got %v", conv.LastInboundAt)
	}

	rr = ts.do(t, http.MethodPost, "/v1/templates/send", gin.H{
		"team_id":       ts.team.ID + 100,
		"to":            "628111",
		"template_name": "delivery_update",
	}, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown team, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/v1/templates/send", gin.H{"team_id": ts.team.ID}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rr.Code)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/worker/status", nil, nil)
	body := decodeJSON(t, rr)
	if running, _ := body["worker_running"].(bool); running {
		t.Fatalf("expected worker stopped initially, got %v", body)
	}

	rr = ts.do(t, http.MethodPost, "/v1/worker/start", nil, nil)
	body = decodeJSON(t, rr)
	if running, _ := body["worker_running"].(bool); !running {
		t.Fatalf("expected worker running after start, got %v", body)
	}
	if running, _ := body["scanner_running"].(bool); !running {
		t.Fatalf("expected scanner running after start, got %v", body)
	}

	rr = ts.do(t, http.MethodPost, "/v1/worker/stop", nil, nil)
	body = decodeJSON(t, rr)
	if running, _ := body["worker_running"].(bool); running {
		t.Fatalf("expected worker stopped after stop, got %v", body)
	}
}
