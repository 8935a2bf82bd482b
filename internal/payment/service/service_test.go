package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/stitchmarket/stitchmarket/internal/audit/domain"
	auditservice "github.com/stitchmarket/stitchmarket/internal/audit/service"
	"github.com/stitchmarket/stitchmarket/internal/clock"
	"github.com/stitchmarket/stitchmarket/internal/config"
	"github.com/stitchmarket/stitchmarket/internal/events"
	"github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"github.com/stitchmarket/stitchmarket/internal/payment/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type fulfillmentStub struct {
	mu           sync.Mutex
	successCalls []domain.SuccessInput
	failureCalls []domain.FailureInput
	successErr   error
	failureErr   error
}

func (f *fulfillmentStub) HandlePaymentSuccess(ctx context.Context, tx *gorm.DB, in domain.SuccessInput) error {
	f.mu.Lock()
	f.successCalls = append(f.successCalls, in)
	f.mu.Unlock()
	return f.successErr
}

func (f *fulfillmentStub) HandlePaymentFailure(ctx context.Context, tx *gorm.DB, in domain.FailureInput) error {
	f.mu.Lock()
	f.failureCalls = append(f.failureCalls, in)
	f.mu.Unlock()
	return f.failureErr
}

// blindDedupeRepo hides the pre-read so the transaction's ledger insert is the
// only line of defense, as when two instances pass FindEvent before either has
// inserted.
type blindDedupeRepo struct {
	domain.Repository
}

func (r blindDedupeRepo) FindEvent(ctx context.Context, gdb *gorm.DB, eventID string) (*domain.WebhookEvent, error) {
	return nil, nil
}

// brokenLedgerRepo fails every ledger insert.
type brokenLedgerRepo struct {
	domain.Repository
	err error
}

func (r brokenLedgerRepo) InsertEvent(ctx context.Context, gdb *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	return false, r.err
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.PaymentRecord{}, &domain.WebhookEvent{}, &auditdomain.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func setupService(t *testing.T, db *gorm.DB, fulfillment domain.FulfillmentService) (*Service, *snowflake.Node) {
	t.Helper()
	return setupServiceWithRepo(t, db, fulfillment, repository.Provide())
}

func setupServiceWithRepo(t *testing.T, db *gorm.DB, fulfillment domain.FulfillmentService, repo domain.Repository) (*Service, *snowflake.Node) {
	t.Helper()
	node := mustNode(t)
	log := zap.NewNop()
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node})

	svc := NewService(Params{
		Cfg:         config.Config{TsaraWebhookSecret: testSecret},
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Repo:        repo,
		Fulfillment: fulfillment,
		Audit:       audit,
		Bus:         events.NewBus(),
	})
	return svc.(*Service), node
}

func seedPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, ref string, status domain.PaymentStatus) domain.PaymentRecord {
	t.Helper()
	record := domain.PaymentRecord{
		ID:             node.Generate(),
		TransactionRef: ref,
		Status:         status,
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

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(eventID, ref, status string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"event":"payment.%s","data":{"reference":%q,"status":%q,"amount":8500,"currency":"USD"}}`, eventID, status, ref, status))
}

func TestProcessWebhookSuccess(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, node := setupService(t, db, fulfillment)
	payment := seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	body := webhookBody("evt_1", "tx_abc", "success")
	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Idempotent {
		t.Fatal("first delivery must not be idempotent")
	}
	if result.PaymentID != payment.ID || result.Status != domain.StatusCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}

	var stored domain.PaymentRecord
	if err := db.First(&stored, "id = ?", payment.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if len(stored.GatewayResponse) == 0 {
		t.Fatal("expected gateway response snapshot to be stored")
	}

	if len(fulfillment.successCalls) != 1 {
		t.Fatalf("expected 1 success dispatch, got %d", len(fulfillment.successCalls))
	}
	if got := fulfillment.successCalls[0].TransactionRef; got != "tx_abc" {
		t.Fatalf("expected dispatch with reference tx_abc, got %q", got)
	}

	var event domain.WebhookEvent
	if err := db.First(&event, "event_id = ?", "evt_1").Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.Status != domain.EventProcessed || event.ProcessedAt == nil {
		t.Fatalf("expected processed ledger row, got %+v", event)
	}
}

func TestProcessWebhookIdempotentReplay(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, node := setupService(t, db, fulfillment)
	seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	body := webhookBody("evt_1", "tx_abc", "success")
	if _, err := svc.ProcessWebhook(context.Background(), body, signBody(body)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !result.Idempotent {
		t.Fatal("replay must report idempotent")
	}

	if len(fulfillment.successCalls) != 1 {
		t.Fatalf("expected exactly 1 side-effect dispatch, got %d", len(fulfillment.successCalls))
	}
	var count int64
	if err := db.Model(&domain.WebhookEvent{}).Where("event_id = ?", "evt_1").Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ledger row, got %d", count)
	}
}

func TestProcessWebhookInsertRaceIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, node := setupServiceWithRepo(t, db, fulfillment, blindDedupeRepo{repository.Provide()})
	payment := seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	// The ledger row already exists, but the pre-read can't see it. The
	// unique index must stop the transition inside the transaction.
	existing := domain.WebhookEvent{
		ID:         node.Generate(),
		EventID:    "evt_race",
		EventType:  "payment.success",
		Status:     domain.EventProcessed,
		ReceivedAt: time.Now().UTC(),
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("seed ledger row: %v", err)
	}

	body := webhookBody("evt_race", "tx_abc", "success")
	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("losing the insert race must not surface an error: %v", err)
	}
	if !result.Idempotent {
		t.Fatal("losing the insert race must report idempotent")
	}

	if len(fulfillment.successCalls)+len(fulfillment.failureCalls) != 0 {
		t.Fatal("losing the insert race must not dispatch side effects")
	}
	var stored domain.PaymentRecord
	if err := db.First(&stored, "id = ?", payment.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("payment must be untouched, got %s", stored.Status)
	}
	var count int64
	if err := db.Model(&domain.WebhookEvent{}).Where("event_id = ?", "evt_race").Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ledger row, got %d", count)
	}
}

func TestProcessWebhookRollsBackOnFulfillmentError(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{successErr: errors.New("inventory write failed")}
	svc, node := setupService(t, db, fulfillment)
	payment := seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	body := webhookBody("evt_1", "tx_abc", "success")
	_, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err == nil {
		t.Fatal("expected error from failing fulfillment")
	}

	var stored domain.PaymentRecord
	if err := db.First(&stored, "id = ?", payment.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("payment must keep its prior status after rollback, got %s", stored.Status)
	}

	var count int64
	if err := db.Model(&domain.WebhookEvent{}).Where("event_id = ?", "evt_1").Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("rolled-back delivery must leave no ledger row, got %d", count)
	}

	// The provider retries; the retry must succeed once the side effect works.
	fulfillment.successErr = nil
	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Idempotent {
		t.Fatal("retry after rollback must be a fresh processing run")
	}
}

func TestProcessWebhookUnknownPaymentRecordsFailedEvent(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, _ := setupService(t, db, fulfillment)

	body := webhookBody("evt_9", "tx_missing", "success")
	_, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	var event domain.WebhookEvent
	if err := db.First(&event, "event_id = ?", "evt_9").Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.Status != domain.EventFailed {
		t.Fatalf("expected failed ledger row, got %s", event.Status)
	}
	if len(fulfillment.successCalls)+len(fulfillment.failureCalls) != 0 {
		t.Fatal("unknown payment must not dispatch side effects")
	}

	var auditCount int64
	if err := db.Model(&auditdomain.AuditLog{}).Count(&auditCount).Error; err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected 1 audit row, got %d", auditCount)
	}
}

func TestProcessWebhookUnknownPaymentLedgerWriteFailure(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	ledgerErr := errors.New("disk full")
	svc, _ := setupServiceWithRepo(t, db, fulfillment, brokenLedgerRepo{Repository: repository.Provide(), err: ledgerErr})

	// No payment matches and the failed ledger row can't be written. The
	// delivery left no trace, so the provider must see an error and retry
	// rather than a 404.
	body := webhookBody("evt_lost", "tx_missing", "success")
	_, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err == nil {
		t.Fatal("expected error when the failed ledger row can't be written")
	}
	if errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("must not answer not-found without a durable ledger row, got %v", err)
	}
	if !errors.Is(err, ledgerErr) {
		t.Fatalf("expected the ledger write error to surface, got %v", err)
	}
}

func TestProcessWebhookRefund(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, node := setupService(t, db, fulfillment)
	payment := seedPayment(t, db, node, "tx_abc", domain.StatusCompleted)

	body := webhookBody("evt_r1", "tx_abc", "refunded")
	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded status, got %s", result.Status)
	}

	var stored domain.PaymentRecord
	if err := db.First(&stored, "id = ?", payment.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if !stored.IsRefunded || stored.RefundedAt == nil {
		t.Fatalf("expected refund flags to be set, got %+v", stored)
	}

	if len(fulfillment.failureCalls) != 1 {
		t.Fatalf("expected 1 failure-flow dispatch, got %d", len(fulfillment.failureCalls))
	}
	if !fulfillment.failureCalls[0].Refunded {
		t.Fatal("failure-flow dispatch must carry the refund marker")
	}
}

func TestProcessWebhookFailedStatus(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, node := setupService(t, db, fulfillment)
	seedPayment(t, db, node, "tx_abc", domain.StatusProcessing)

	body := webhookBody("evt_f1", "tx_abc", "failed")
	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if len(fulfillment.failureCalls) != 1 || fulfillment.failureCalls[0].Refunded {
		t.Fatalf("expected 1 plain failure dispatch, got %+v", fulfillment.failureCalls)
	}
}

func TestProcessWebhookUnrecognizedStatusDispatchesNothing(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, node := setupService(t, db, fulfillment)
	payment := seedPayment(t, db, node, "tx_abc", domain.StatusProcessing)

	body := webhookBody("evt_u1", "tx_abc", "chargeback_opened")
	result, err := svc.ProcessWebhook(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != domain.StatusPending {
		t.Fatalf("unrecognized provider status must map to pending, got %s", result.Status)
	}
	if len(fulfillment.successCalls)+len(fulfillment.failureCalls) != 0 {
		t.Fatal("unrecognized status must not dispatch side effects")
	}

	var stored domain.PaymentRecord
	if err := db.First(&stored, "id = ?", payment.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", stored.Status)
	}
}

func TestProcessWebhookRejectsBadSignatures(t *testing.T) {
	db := setupTestDB(t)
	svc, node := setupService(t, db, &fulfillmentStub{})
	seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	body := webhookBody("evt_1", "tx_abc", "success")

	if _, err := svc.ProcessWebhook(context.Background(), body, ""); !errors.Is(err, domain.ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	other := webhookBody("evt_1", "tx_abc", "failed")
	if _, err := svc.ProcessWebhook(context.Background(), body, signBody(other)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	var count int64
	if err := db.Model(&domain.WebhookEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected deliveries must not write ledger rows, got %d", count)
	}
}

func TestProcessWebhookMissingSecret(t *testing.T) {
	db := setupTestDB(t)
	node := mustNode(t)
	log := zap.NewNop()
	svc := NewService(Params{
		Cfg:         config.Config{},
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Now()),
		Repo:        repository.Provide(),
		Fulfillment: &fulfillmentStub{},
		Audit:       auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node}),
		Bus:         events.NewBus(),
	})

	body := webhookBody("evt_1", "tx_abc", "success")
	if _, err := svc.ProcessWebhook(context.Background(), body, signBody(body)); !errors.Is(err, domain.ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestGetByTransactionRef(t *testing.T) {
	db := setupTestDB(t)
	svc, node := setupService(t, db, &fulfillmentStub{})
	payment := seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	got, err := svc.GetByTransactionRef(context.Background(), "tx_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != payment.ID {
		t.Fatalf("expected payment %s, got %s", payment.ID, got.ID)
	}

	if _, err := svc.GetByTransactionRef(context.Background(), "tx_nope"); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestListEventsPagination(t *testing.T) {
	db := setupTestDB(t)
	svc, node := setupService(t, db, &fulfillmentStub{})
	seedPayment(t, db, node, "tx_abc", domain.StatusPending)

	for i := 0; i < 5; i++ {
		body := webhookBody(fmt.Sprintf("evt_%d", i), "tx_abc", "processing")
		if _, err := svc.ProcessWebhook(context.Background(), body, signBody(body)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	req := domain.ListEventsRequest{}
	req.PageSize = 3
	first, err := svc.ListEvents(context.Background(), req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Events) != 3 || !first.HasMore || first.NextPageToken == "" {
		t.Fatalf("unexpected first page: %d events, has_more=%v", len(first.Events), first.HasMore)
	}

	req.PageToken = first.NextPageToken
	second, err := svc.ListEvents(context.Background(), req)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second.Events) != 2 || second.HasMore {
		t.Fatalf("unexpected second page: %d events, has_more=%v", len(second.Events), second.HasMore)
	}
}
