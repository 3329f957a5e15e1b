package exchange

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
)

// Header names the gateway uses on its callbacks.
const (
	HeaderGatewaySecret    = "X-Gateway-Secret"
	HeaderGatewaySignature = "X-Gateway-Signature"
)

type Handler struct {
	orch      *Orchestrator
	processor *WebhookProcessor
	responder *QueryResponder
	txns      TransactionRepository
	logger    zerolog.Logger
}

func NewHandler(orch *Orchestrator, processor *WebhookProcessor, responder *QueryResponder, txns TransactionRepository, logger zerolog.Logger) *Handler {
	return &Handler{orch: orch, processor: processor, responder: responder, txns: txns, logger: logger}
}

// RegisterRoutes binds the local API surface and the gateway-facing webhook
// surface. The webhook group must carry the shared-secret middleware.
func (h *Handler) RegisterRoutes(api *echo.Group, webhooks *echo.Group) {
	api.POST("/exchange/fetch", h.RequestFetch)
	api.POST("/exchange/send", h.RequestSend)
	api.GET("/transactions", h.ListTransactions)
	api.GET("/transactions/:id", h.GetTransaction)

	webhooks.POST("/results", h.ReceiveResults)
	webhooks.POST("/push", h.ReceivePush)
	webhooks.POST("/query", h.ReceiveQuery)
}

// SharedSecretMiddleware authenticates gateway callbacks before any state is
// touched: constant-time shared-secret comparison, plus HMAC signature
// verification when the gateway signs the payload.
func SharedSecretMiddleware(secret string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			supplied := c.Request().Header.Get(HeaderGatewaySecret)
			if supplied == "" || !SecretsEqual(supplied, secret) {
				logger.Warn().Str("remote_ip", c.RealIP()).Msg("callback rejected: bad shared secret")
				return c.JSON(http.StatusUnauthorized, fhir.ErrorOutcome("invalid shared secret"))
			}

			if sig := c.Request().Header.Get(HeaderGatewaySignature); sig != "" {
				body, err := io.ReadAll(c.Request().Body)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
				}
				c.Request().Body = io.NopCloser(bytes.NewReader(body))
				if !VerifySignature(body, secret, sig) {
					logger.Warn().Str("remote_ip", c.RealIP()).Msg("callback rejected: bad signature")
					return c.JSON(http.StatusUnauthorized, fhir.ErrorOutcome("invalid payload signature"))
				}
			}
			return next(c)
		}
	}
}

type fetchRequest struct {
	CounterpartyID string `json:"counterpartyId"`
	ExternalID     string `json:"externalId"`
}

type sendRequest struct {
	CounterpartyID string `json:"counterpartyId"`
	PatientID      int64  `json:"patientId"`
}

type transactionAck struct {
	TransactionID string `json:"transactionId"`
	Status        Status `json:"status"`
	Error         string `json:"error,omitempty"`
}

func (h *Handler) RequestFetch(c echo.Context) error {
	var req fetchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CounterpartyID == "" || req.ExternalID == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("counterpartyId and externalId are required"))
	}

	txn, err := h.orch.RequestFetch(c.Request().Context(), req.CounterpartyID, req.ExternalID)
	return h.writeAck(c, txn, err)
}

func (h *Handler) RequestSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CounterpartyID == "" || req.PatientID == 0 {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("counterpartyId and patientId are required"))
	}

	txn, err := h.orch.RequestSend(c.Request().Context(), req.CounterpartyID, req.PatientID)
	return h.writeAck(c, txn, err)
}

// writeAck reports the outbound attempt. A transport failure still carries
// the recorded pending transaction so the caller can poll for the late
// webhook.
func (h *Handler) writeAck(c echo.Context, txn *Transaction, err error) error {
	if err != nil {
		if txn != nil {
			return c.JSON(http.StatusBadGateway, transactionAck{
				TransactionID: txn.ID,
				Status:        txn.Status,
				Error:         err.Error(),
			})
		}
		return h.writeError(c, err)
	}
	ack := transactionAck{TransactionID: txn.ID, Status: txn.Status}
	if txn.ErrorDetail != nil {
		ack.Error = *txn.ErrorDetail
	}
	return c.JSON(http.StatusAccepted, ack)
}

func (h *Handler) GetTransaction(c echo.Context) error {
	txn, err := h.txns.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Transaction", c.Param("id")))
	}
	return c.JSON(http.StatusOK, TransactionStatus{
		ID:          txn.ID,
		Status:      txn.Status,
		PatientID:   txn.SubjectPatientID,
		ErrorDetail: txn.ErrorDetail,
	})
}

func (h *Handler) ListTransactions(c echo.Context) error {
	var filter ListFilter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = &id
	}
	filter.Status = Status(c.QueryParam("status"))
	filter.Kind = Kind(c.QueryParam("kind"))

	items, err := h.txns.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}

func (h *Handler) ReceiveResults(c echo.Context) error {
	var cb ResultsCallback
	if err := c.Bind(&cb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	txn, err := h.processor.HandleResults(c.Request().Context(), cb)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, transactionAck{TransactionID: txn.ID, Status: txn.Status})
}

func (h *Handler) ReceivePush(c echo.Context) error {
	var cb PushCallback
	if err := c.Bind(&cb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.processor.HandlePush(c.Request().Context(), cb)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ReceiveQuery acknowledges the inbound lookup immediately; the result goes
// to the supplied callback URL on its own schedule.
func (h *Handler) ReceiveQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TransactionID == "" || req.CallbackURL == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("transactionId and callbackUrl are required"))
	}

	// Detach from the request context: delivery retries outlive the
	// inbound call.
	ctx := context.WithoutCancel(c.Request().Context())
	go func() {
		if err := h.responder.Answer(ctx, req); err != nil {
			h.logger.Error().Err(err).Str("transaction_id", req.TransactionID).Msg("query answer failed")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"transactionId": req.TransactionID, "status": "accepted"})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(c echo.Context, err error) error {
	switch fault.KindOf(err) {
	case fault.KindAuthentication:
		return c.JSON(http.StatusUnauthorized, fhir.ErrorOutcome(err.Error()))
	case fault.KindValidation:
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	case fault.KindTranslation:
		return c.JSON(http.StatusUnprocessableEntity, fhir.ErrorOutcome(err.Error()))
	case fault.KindNetwork:
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
	case fault.KindConflict:
		return c.JSON(http.StatusConflict, fhir.ErrorOutcome(err.Error()))
	default:
		h.logger.Error().Err(err).Msg("webhook processing failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}
