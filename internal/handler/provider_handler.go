package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/health"
	"github.com/kursadbilgin/notify-router/internal/repository"
)

// ProviderMonitor is the operational surface of the health monitor.
type ProviderMonitor interface {
	ListProviderStatus(ctx context.Context) ([]health.ProviderStatus, error)
	RunHealthCheck(ctx context.Context, providerKey string, checkType domain.CheckType) (*domain.HealthCheckResult, error)
	ListIncidents(ctx context.Context, filter repository.IncidentFilter) ([]domain.Incident, int64, error)
	AcknowledgeIncident(ctx context.Context, id string) (*domain.Incident, error)
	ResolveIncident(ctx context.Context, id string, notes string) (*domain.Incident, error)
	CloseIncident(ctx context.Context, id string) (*domain.Incident, error)
}

type ProviderHandler struct {
	monitor ProviderMonitor
}

func NewProviderHandler(monitor ProviderMonitor) (*ProviderHandler, error) {
	if monitor == nil {
		return nil, fmt.Errorf("provider monitor is required")
	}
	return &ProviderHandler{monitor: monitor}, nil
}

func RegisterProviderRoutes(router fiber.Router, monitor ProviderMonitor) error {
	h, err := NewProviderHandler(monitor)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/providers/status", h.ListProviderStatus)
	v1.Post("/providers/:key/health-check", h.RunHealthCheck)
	v1.Get("/incidents", h.ListIncidents)
	v1.Post("/incidents/:id/acknowledge", h.AcknowledgeIncident)
	v1.Post("/incidents/:id/resolve", h.ResolveIncident)
	v1.Post("/incidents/:id/close", h.CloseIncident)

	return nil
}

type providerStatusResponse struct {
	ProviderKey          string               `json:"providerKey"`
	Name                 string               `json:"name"`
	Type                 string               `json:"type"`
	Enabled              bool                 `json:"enabled"`
	State                string               `json:"state"`
	Healthy              bool                 `json:"healthy"`
	Stale                bool                 `json:"stale"`
	LastCheckAt          *time.Time           `json:"lastCheckAt,omitempty"`
	LastError            string               `json:"lastError,omitempty"`
	ConsecutiveFailures  int                  `json:"consecutiveFailures"`
	ConsecutiveSuccesses int                  `json:"consecutiveSuccesses"`
	LastCheck            *healthCheckResponse `json:"lastCheck,omitempty"`
}

type healthCheckResponse struct {
	ID          string    `json:"id"`
	ProviderKey string    `json:"providerKey"`
	Healthy     bool      `json:"healthy"`
	LatencyMs   int64     `json:"latencyMs"`
	StatusCode  int       `json:"statusCode,omitempty"`
	Error       string    `json:"error,omitempty"`
	CheckType   string    `json:"checkType"`
	CheckedAt   time.Time `json:"checkedAt"`
}

type incidentResponse struct {
	ID              string     `json:"id"`
	ProviderKey     string     `json:"providerKey"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	Severity        string     `json:"severity"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	DetectedAt      time.Time  `json:"detectedAt"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

type resolveIncidentRequest struct {
	Notes string `json:"notes"`
}

func (h *ProviderHandler) ListProviderStatus(c *fiber.Ctx) error {
	statuses, err := h.monitor.ListProviderStatus(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]providerStatusResponse, 0, len(statuses))
	for _, s := range statuses {
		item := providerStatusResponse{
			ProviderKey:          s.Provider.Key,
			Name:                 s.Provider.Name,
			Type:                 s.Provider.Type.String(),
			Enabled:              s.Provider.Enabled,
			State:                s.State.String(),
			Healthy:              s.Healthy,
			Stale:                s.Stale,
			LastCheckAt:          s.LastCheckAt,
			LastError:            s.LastError,
			ConsecutiveFailures:  s.ConsecutiveFailures,
			ConsecutiveSuccesses: s.ConsecutiveSuccesses,
		}
		if s.LastCheck != nil {
			check := toHealthCheckResponse(s.LastCheck)
			item.LastCheck = &check
		}
		data = append(data, item)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

// RunHealthCheck probes a provider now. The check type defaults to manual.
func (h *ProviderHandler) RunHealthCheck(c *fiber.Ctx) error {
	checkType := domain.CheckTypeManual
	if raw := strings.TrimSpace(c.Query("checkType")); raw != "" {
		parsed, err := domain.ParseCheckTypeFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		checkType = parsed
	}

	result, err := h.monitor.RunHealthCheck(c.UserContext(), c.Params("key"), checkType)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toHealthCheckResponse(result))
}

func (h *ProviderHandler) ListIncidents(c *fiber.Ctx) error {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return toHTTPError(err)
	}

	filter := repository.IncidentFilter{
		ProviderKey: optionalQuery(c, "providerKey"),
		Page:        page,
		PageSize:    pageSize,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseIncidentStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		filter.Status = &status
	}

	incidents, total, err := h.monitor.ListIncidents(c.UserContext(), filter)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]incidentResponse, 0, len(incidents))
	for i := range incidents {
		data = append(data, toIncidentResponse(&incidents[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[incidentResponse]{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *ProviderHandler) AcknowledgeIncident(c *fiber.Ctx) error {
	incident, err := h.monitor.AcknowledgeIncident(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toIncidentResponse(incident))
}

func (h *ProviderHandler) ResolveIncident(c *fiber.Ctx) error {
	var req resolveIncidentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	incident, err := h.monitor.ResolveIncident(c.UserContext(), c.Params("id"), strings.TrimSpace(req.Notes))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toIncidentResponse(incident))
}

func (h *ProviderHandler) CloseIncident(c *fiber.Ctx) error {
	incident, err := h.monitor.CloseIncident(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toIncidentResponse(incident))
}

func toHealthCheckResponse(r *domain.HealthCheckResult) healthCheckResponse {
	return healthCheckResponse{
		ID:          r.ID,
		ProviderKey: r.ProviderKey,
		Healthy:     r.Healthy,
		LatencyMs:   r.Latency.Milliseconds(),
		StatusCode:  r.StatusCode,
		Error:       r.Error,
		CheckType:   r.CheckType.String(),
		CheckedAt:   r.CheckedAt,
	}
}

func toIncidentResponse(i *domain.Incident) incidentResponse {
	return incidentResponse{
		ID:              i.ID,
		ProviderKey:     i.ProviderKey,
		Title:           i.Title,
		Description:     i.Description,
		Status:          i.Status.String(),
		Severity:        i.Severity.String(),
		ResolutionNotes: i.ResolutionNotes,
		DetectedAt:      i.DetectedAt,
		AcknowledgedAt:  i.AcknowledgedAt,
		ResolvedAt:      i.ResolvedAt,
		ClosedAt:        i.ClosedAt,
	}
}
