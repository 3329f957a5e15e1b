package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/platform/fhir"
)

const testSecret = "hook-secret"

type handlerFixture struct {
	echo        *echo.Echo
	txns        *InMemoryRepo
	patientRepo *patient.InMemoryRepo
	gateway     *stubGateway
}

func newHandlerFixture(gw *stubGateway) *handlerFixture {
	txns := NewInMemoryRepo()
	patientRepo := patient.NewInMemoryRepo()
	patients := patient.NewService(patientRepo)
	logger := zerolog.Nop()

	orch := NewOrchestrator(txns, gw, patients, "org-self", logger, nil)
	processor := NewWebhookProcessor(txns, patients, logger, nil)
	responder := NewQueryResponder(txns, patients, testSecret, logger, nil)
	responder.SetBackoff([]time.Duration{time.Millisecond})
	h := NewHandler(orch, processor, responder, txns, logger)

	e := echo.New()
	api := e.Group("/api/v1")
	webhooks := e.Group("/webhooks/gateway", SharedSecretMiddleware(testSecret, logger))
	h.RegisterRoutes(api, webhooks)

	return &handlerFixture{echo: e, txns: txns, patientRepo: patientRepo, gateway: gw}
}

func (f *handlerFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSecretBeforeAnyStateChange(t *testing.T) {
	f := newHandlerFixture(&stubGateway{})

	body := `{"transactionId": "txn-1", "status": "success"}`
	cases := map[string]string{
		"missing": "",
		"wrong":   "not-the-secret",
	}
	for name, secret := range cases {
		headers := map[string]string{}
		if secret != "" {
			headers[HeaderGatewaySecret] = secret
		}
		rec := f.do(http.MethodPost, "/webhooks/gateway/results", body, headers)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s secret: expected 401, got %d", name, rec.Code)
		}
	}

	all, _ := f.txns.List(context.Background(), ListFilter{})
	if len(all) != 0 {
		t.Error("unauthenticated callback must not touch transaction state")
	}
	_, total, _ := f.patientRepo.List(context.Background(), 100, 0)
	if total != 0 {
		t.Error("unauthenticated callback must not touch patient state")
	}
}

func TestWebhookVerifiesSignatureWhenPresent(t *testing.T) {
	f := newHandlerFixture(&stubGateway{})
	body := `{"transactionId": "txn-1", "status": "failed", "error": "nope"}`

	rec := f.do(http.MethodPost, "/webhooks/gateway/results", body, map[string]string{
		HeaderGatewaySecret:    testSecret,
		HeaderGatewaySignature: "sha256=deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged signature: expected 401, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/webhooks/gateway/results", body, map[string]string{
		HeaderGatewaySecret:    testSecret,
		HeaderGatewaySignature: "sha256=" + SignPayload([]byte(body), testSecret),
	})
	if rec.Code != http.StatusOK {
		t.Errorf("valid signature: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFetchEndpointAcceptsAndRecords(t *testing.T) {
	gw := &stubGateway{fetchResp: &FetchResponse{ID: "txn-1", Status: "accepted"}}
	f := newHandlerFixture(gw)

	rec := f.do(http.MethodPost, "/api/v1/exchange/fetch", `{"counterpartyId": "org-2", "externalId": "PHI-1"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack transactionAck
	json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack.TransactionID != "txn-1" || ack.Status != StatusPending {
		t.Errorf("unexpected ack %+v", ack)
	}

	rec = f.do(http.MethodPost, "/api/v1/exchange/fetch", `{"counterpartyId": "org-2"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing externalId: expected 400, got %d", rec.Code)
	}
}

func TestFetchEndpointSurfacesTransportFailureWithTransaction(t *testing.T) {
	gw := &stubGateway{err: context.DeadlineExceeded}
	f := newHandlerFixture(gw)

	rec := f.do(http.MethodPost, "/api/v1/exchange/fetch", `{"counterpartyId": "org-2", "externalId": "PHI-1"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var ack transactionAck
	json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack.TransactionID == "" || ack.Status != StatusPending {
		t.Errorf("caller must get the recorded pending transaction to poll on: %+v", ack)
	}
}

func TestSendEndpoint(t *testing.T) {
	gw := &stubGateway{pushResp: &PushResponse{ID: "txn-9", Status: "accepted"}}
	f := newHandlerFixture(gw)
	p, _, _ := patient.NewService(f.patientRepo).Materialize(context.Background(), &fhir.PatientFields{ExternalID: "NIK-1"})

	rec := f.do(http.MethodPost, "/api/v1/exchange/send", `{"counterpartyId": "org-2", "patientId": `+strconv.FormatInt(p.ID, 10)+`}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if gw.lastPush == nil || gw.lastPush.ResourceType != "Patient" {
		t.Error("send did not reach the gateway as a patient resource")
	}
}

func TestGetTransactionShape(t *testing.T) {
	f := newHandlerFixture(&stubGateway{})
	ctx := context.Background()
	f.txns.Upsert(ctx, "txn-1", KindFetch, Defaults{})
	f.txns.MarkCompleted(ctx, "txn-1", int64Ptr(7))

	rec := f.do(http.MethodGet, "/api/v1/transactions/txn-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st TransactionStatus
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.ID != "txn-1" || st.Status != StatusCompleted || st.PatientID == nil || *st.PatientID != 7 {
		t.Errorf("unexpected status body %+v", st)
	}

	rec = f.do(http.MethodGet, "/api/v1/transactions/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListTransactionsFilter(t *testing.T) {
	f := newHandlerFixture(&stubGateway{})
	ctx := context.Background()
	f.txns.Upsert(ctx, "a", KindFetch, Defaults{})
	f.txns.Upsert(ctx, "b", KindReceivePush, Defaults{})
	f.txns.MarkFailed(ctx, "b", "boom")

	rec := f.do(http.MethodGet, "/api/v1/transactions?status=failed", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data  []*Transaction `json:"data"`
		Total int            `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Data[0].ID != "b" {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestReceivePushEndToEnd(t *testing.T) {
	f := newHandlerFixture(&stubGateway{})

	body := `{
		"transactionId": "txn-2",
		"senderId": "org-3",
		"resourceType": "Patient",
		"data": ` + string(patientPayload("PHI-2")) + `
	}`
	rec := f.do(http.MethodPost, "/webhooks/gateway/push", body, map[string]string{HeaderGatewaySecret: testSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result PushResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Created || result.TransactionID != "txn-2" {
		t.Errorf("unexpected push result %+v", result)
	}

	rec = f.do(http.MethodPost, "/webhooks/gateway/push", `{"transactionId": "txn-3", "senderId": "org-3", "data": {"resourceType": "Patient"}}`,
		map[string]string{HeaderGatewaySecret: testSecret})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("push without dedup key: expected 400, got %d", rec.Code)
	}
}

func TestReceiveQueryAcknowledgesImmediately(t *testing.T) {
	f := newHandlerFixture(&stubGateway{})
	patient.NewService(f.patientRepo).Materialize(context.Background(), &fhir.PatientFields{ExternalID: "PHI-7"})

	delivered := make(chan struct{})
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(delivered)
	}))
	defer cb.Close()

	body := `{
		"transactionId": "q-1",
		"identifiers": [{"system": "` + fhir.SystemNationalID + `", "value": "PHI-7"}],
		"callbackUrl": "` + cb.URL + `"
	}`
	rec := f.do(http.MethodPost, "/webhooks/gateway/query", body, map[string]string{HeaderGatewaySecret: testSecret})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("query result never delivered to the callback")
	}

	rec = f.do(http.MethodPost, "/webhooks/gateway/query", `{"transactionId": "q-2"}`, map[string]string{HeaderGatewaySecret: testSecret})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing callbackUrl: expected 400, got %d", rec.Code)
	}
}
