package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/stitchmarket/stitchmarket/internal/audit/domain"
	auditservice "github.com/stitchmarket/stitchmarket/internal/audit/service"
	"github.com/stitchmarket/stitchmarket/internal/clock"
	"github.com/stitchmarket/stitchmarket/internal/config"
	"github.com/stitchmarket/stitchmarket/internal/events"
	listingdomain "github.com/stitchmarket/stitchmarket/internal/listing/domain"
	listingservice "github.com/stitchmarket/stitchmarket/internal/listing/service"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	paymentrepository "github.com/stitchmarket/stitchmarket/internal/payment/repository"
	paymentservice "github.com/stitchmarket/stitchmarket/internal/payment/service"
	"github.com/stitchmarket/stitchmarket/internal/payment/tsara"
	"github.com/stitchmarket/stitchmarket/internal/payout"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_http_test"

type nullFulfillment struct{}

func (nullFulfillment) HandlePaymentSuccess(ctx context.Context, tx *gorm.DB, in paymentdomain.SuccessInput) error {
	return nil
}

func (nullFulfillment) HandlePaymentFailure(ctx context.Context, tx *gorm.DB, in paymentdomain.FailureInput) error {
	return nil
}

func setupHTTP(t *testing.T) (*Server, *gorm.DB, *snowflake.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&paymentdomain.PaymentRecord{},
		&paymentdomain.WebhookEvent{},
		&listingdomain.Listing{},
		&auditdomain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	log := zap.NewNop()
	bus := events.NewBus()

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		Cfg:         config.Config{TsaraWebhookSecret: testSecret},
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Repo:        paymentrepository.Provide(),
		Fulfillment: nullFulfillment{},
		Audit:       auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node}),
		Bus:         bus,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         config.Config{TsaraWebhookSecret: testSecret},
		Log:         log,
		PaymentSvc:  paymentSvc,
		ListingSvc:  listingservice.NewService(listingservice.Params{DB: db, Log: log}),
		Broadcaster: payout.NewBroadcaster(log, bus),
	})
	return srv, db, node
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(srv *Server, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/tsara", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(tsara.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func seedHTTPPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, ref string) paymentdomain.PaymentRecord {
	t.Helper()
	record := paymentdomain.PaymentRecord{
		ID:             node.Generate(),
		TransactionRef: ref,
		Status:         paymentdomain.StatusPending,
		AmountCents:    8500,
		Currency:       "USD",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return record
}

func TestWebhookEndpointProcessesDelivery(t *testing.T) {
	srv, db, node := setupHTTP(t)
	payment := seedHTTPPayment(t, db, node, "tx_abc")

	body := []byte(`{"id":"evt_1","event":"payment.success","data":{"reference":"tx_abc","status":"success"}}`)
	rec := postWebhook(srv, body, sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		PaymentID string `json:"paymentId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Message != "Webhook processed" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if resp.PaymentID != payment.ID.String() || resp.Status != "completed" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestWebhookEndpointIdempotentReplay(t *testing.T) {
	srv, db, node := setupHTTP(t)
	seedHTTPPayment(t, db, node, "tx_abc")

	body := []byte(`{"id":"evt_1","event":"payment.success","data":{"reference":"tx_abc","status":"success"}}`)
	if rec := postWebhook(srv, body, sign(body)); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", rec.Code)
	}

	rec := postWebhook(srv, body, sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", rec.Code)
	}
	var resp struct {
		Success    bool `json:"success"`
		Idempotent bool `json:"idempotent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || !resp.Idempotent {
		t.Fatalf("unexpected replay body: %s", rec.Body.String())
	}
}

func TestWebhookEndpointAuthFailures(t *testing.T) {
	srv, db, node := setupHTTP(t)
	seedHTTPPayment(t, db, node, "tx_abc")

	body := []byte(`{"id":"evt_1","event":"payment.success","data":{"reference":"tx_abc","status":"success"}}`)

	rec := postWebhook(srv, body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"Missing signature header"}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = postWebhook(srv, body, sign([]byte("other body")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"Invalid signature"}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestWebhookEndpointMissingEventID(t *testing.T) {
	srv, _, _ := setupHTTP(t)

	body := []byte(`{"event":"payment.success","data":{"reference":"tx_abc","status":"success"}}`)
	rec := postWebhook(srv, body, sign(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"Missing event ID"}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestWebhookEndpointPaymentNotFound(t *testing.T) {
	srv, _, _ := setupHTTP(t)

	body := []byte(`{"id":"evt_404","event":"payment.success","data":{"reference":"tx_nope","status":"success"}}`)
	rec := postWebhook(srv, body, sign(body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Body.String() != `{"message":"Payment not found","success":false}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestWebhookEndpointLiveness(t *testing.T) {
	srv, _, _ := setupHTTP(t)

	req := httptest.NewRequest(http.MethodGet, "/api/webhooks/tsara", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetPaymentByRefEndpoint(t *testing.T) {
	srv, db, node := setupHTTP(t)
	payment := seedHTTPPayment(t, db, node, "tx_lookup")

	req := httptest.NewRequest(http.MethodGet, "/api/payments/tx_lookup", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got paymentdomain.PaymentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != payment.ID {
		t.Fatalf("expected payment %s, got %s", payment.ID, got.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/payments/tx_missing", nil)
	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListWebhookEventsEndpoint(t *testing.T) {
	srv, db, node := setupHTTP(t)
	seedHTTPPayment(t, db, node, "tx_abc")

	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf(`{"id":"evt_%d","event":"payment.processing","data":{"reference":"tx_abc","status":"processing"}}`, i))
		if rec := postWebhook(srv, body, sign(body)); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/webhook-events?page_size=2", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp paymentdomain.ListEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 || !resp.HasMore {
		t.Fatalf("unexpected page: %d events, has_more=%v", len(resp.Events), resp.HasMore)
	}
}
