package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"github.com/kursadbilgin/notify-router/internal/service"
	"github.com/kursadbilgin/notify-router/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Submit(ctx context.Context, req *domain.NotificationRequest) (*service.SubmitResult, error)
	GetStatus(ctx context.Context, id string) (*domain.NotificationRecord, error)
	Logs(ctx context.Context, id string) ([]domain.DeliveryLogEntry, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error)
	ListLogs(ctx context.Context, query repository.DeliveryLogQuery) ([]domain.DeliveryLogEntry, int64, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SubmitNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/logs", h.GetNotificationLogs)
	v1.Get("/delivery-logs", h.ListDeliveryLogs)

	return nil
}

type contentPayload struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	Ref     string `json:"ref"`
}

type submitNotificationRequest struct {
	IdempotencyKey *string        `json:"idempotencyKey"`
	Channel        string         `json:"channel"`
	Priority       string         `json:"priority"`
	Recipients     []string       `json:"recipients"`
	ProviderKey    string         `json:"providerKey"`
	GroupKey       string         `json:"groupKey"`
	TemplateName   string         `json:"templateName"`
	Environment    string         `json:"environment"`
	Content        contentPayload `json:"content"`
	MaxRetries     *int           `json:"maxRetries,omitempty"`
}

type submitResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type notificationResponse struct {
	ID                string         `json:"id"`
	IdempotencyKey    *string        `json:"idempotencyKey,omitempty"`
	Channel           string         `json:"channel"`
	Priority          string         `json:"priority"`
	Recipients        []string       `json:"recipients"`
	ProviderHint      string         `json:"providerHint,omitempty"`
	GroupHint         string         `json:"groupHint,omitempty"`
	TemplateName      string         `json:"templateName,omitempty"`
	Environment       string         `json:"environment,omitempty"`
	Content           contentPayload `json:"content"`
	Status            string         `json:"status"`
	ProviderKey       *string        `json:"providerKey,omitempty"`
	ProviderMessageID *string        `json:"providerMessageId,omitempty"`
	RetryCount        int            `json:"retryCount"`
	MaxRetries        int            `json:"maxRetries"`
	LastError         *string        `json:"lastError,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type deliveryLogResponse struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"messageId"`
	Sequence    int       `json:"sequence"`
	EventType   string    `json:"eventType"`
	Status      *string   `json:"status,omitempty"`
	Component   string    `json:"component"`
	ProviderKey *string   `json:"providerKey,omitempty"`
	LatencyMs   int64     `json:"latencyMs"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type listResponse[T any] struct {
	Data []T      `json:"data"`
	Meta listMeta `json:"meta"`
}

// SubmitNotification answers 202 for an accepted request, 200 for a repeated
// idempotency key and 422 when the request was rejected.
func (h *NotificationHandler) SubmitNotification(c *fiber.Ctx) error {
	var req submitNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	request, err := toDomainRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	ctx := c.UserContext()
	if correlationID := requestCorrelationID(c); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}

	result, err := h.service.Submit(ctx, request)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusAccepted
	switch {
	case result.Duplicate:
		status = fiber.StatusOK
	case result.Record.Status == domain.StatusRejected:
		status = fiber.StatusUnprocessableEntity
	}

	return c.Status(status).JSON(submitResponse{
		MessageID: result.Record.ID,
		Status:    result.Record.Status.String(),
		Reason:    result.Reason,
		Duplicate: result.Duplicate,
	})
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	record, err := h.service.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(record))
}

func (h *NotificationHandler) GetNotificationLogs(c *fiber.Ctx) error {
	entries, err := h.service.Logs(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": c.Params("id"),
		"data":      toDeliveryLogResponses(entries),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]notificationResponse, 0, len(records))
	for i := range records {
		data = append(data, toNotificationResponse(&records[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[notificationResponse]{
		Data: data,
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

func (h *NotificationHandler) ListDeliveryLogs(c *fiber.Ctx) error {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return toHTTPError(err)
	}
	from, to, err := parseTimeWindow(c)
	if err != nil {
		return toHTTPError(err)
	}

	query := repository.DeliveryLogQuery{
		MessageID:   optionalQuery(c, "messageId"),
		ProviderKey: optionalQuery(c, "providerKey"),
		From:        from,
		To:          to,
		Page:        page,
		PageSize:    pageSize,
	}
	if raw := strings.TrimSpace(c.Query("eventType")); raw != "" {
		event, err := domain.ParseLogEventTypeFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		query.EventType = &event
	}

	entries, total, err := h.service.ListLogs(c.UserContext(), query)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[deliveryLogResponse]{
		Data: toDeliveryLogResponses(entries),
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	params := repository.ListParams{
		Page:        page,
		PageSize:    pageSize,
		ProviderKey: optionalQuery(c, "providerKey"),
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	params.From, params.To, err = parseTimeWindow(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	return params, nil
}

func parsePage(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func parseTimeWindow(c *fiber.Ctx) (*time.Time, *time.Time, error) {
	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && from.After(*to) {
		return nil, nil, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	return from, to, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func optionalQuery(c *fiber.Ctx, key string) *string {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil
	}
	return &value
}

func toDomainRequest(req submitNotificationRequest) (*domain.NotificationRequest, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriorityFromString(req.Priority)
	if err != nil {
		return nil, err
	}

	var environment domain.Environment
	if strings.TrimSpace(req.Environment) != "" {
		environment, err = domain.ParseEnvironmentFromString(req.Environment)
		if err != nil {
			return nil, err
		}
	}

	return &domain.NotificationRequest{
		IdempotencyKey: req.IdempotencyKey,
		Channel:        channel,
		Priority:       priority,
		Recipients:     req.Recipients,
		ProviderKey:    req.ProviderKey,
		GroupKey:       req.GroupKey,
		TemplateName:   req.TemplateName,
		Environment:    environment,
		Content: domain.Content{
			Subject: req.Content.Subject,
			Text:    req.Content.Text,
			HTML:    req.Content.HTML,
			Ref:     req.Content.Ref,
		},
		MaxRetries: req.MaxRetries,
	}, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponse(n *domain.NotificationRecord) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:             n.ID,
		IdempotencyKey: n.IdempotencyKey,
		Channel:        n.Channel.String(),
		Priority:       n.Priority.String(),
		Recipients:     n.Recipients,
		ProviderHint:   n.ProviderHint,
		GroupHint:      n.GroupHint,
		TemplateName:   n.TemplateName,
		Environment:    n.Environment.String(),
		Content: contentPayload{
			Subject: n.Content.Subject,
			Text:    n.Content.Text,
			HTML:    n.Content.HTML,
			Ref:     n.Content.Ref,
		},
		Status:            n.Status.String(),
		ProviderKey:       n.ProviderKey,
		ProviderMessageID: n.ProviderMessageID,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		LastError:         n.LastError,
		CreatedAt:         n.CreatedAt,
		SentAt:            n.SentAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toDeliveryLogResponses(entries []domain.DeliveryLogEntry) []deliveryLogResponse {
	out := make([]deliveryLogResponse, 0, len(entries))
	for _, e := range entries {
		item := deliveryLogResponse{
			ID:          e.ID,
			MessageID:   e.MessageID,
			Sequence:    e.Sequence,
			EventType:   e.EventType.String(),
			Component:   e.Component,
			ProviderKey: e.ProviderKey,
			LatencyMs:   e.Latency.Milliseconds(),
			Detail:      e.Detail,
			CreatedAt:   e.CreatedAt,
		}
		if e.Status != nil {
			status := e.Status.String()
			item.Status = &status
		}
		out = append(out, item)
	}
	return out
}

func toHTTPError(err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return err
	}
	code := transport.StatusFor(err)
	if code >= fiber.StatusInternalServerError {
		return err
	}
	return fiber.NewError(code, err.Error())
}
