package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/http/middleware"
	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime/ws"
	"fleet-mission-service/internal/service"
)

type Handler struct {
	missionService   *service.MissionService
	breakdownService *service.BreakdownService
	positionService  *service.PositionService
	realtime         *ws.Server
	log              zerolog.Logger
}

// NewHandler wires the HTTP surface. realtime may be nil, in which case the
// websocket endpoint answers 503.
func NewHandler(
	missionService *service.MissionService,
	breakdownService *service.BreakdownService,
	positionService *service.PositionService,
	realtime *ws.Server,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		missionService:   missionService,
		breakdownService: breakdownService,
		positionService:  positionService,
		realtime:         realtime,
		log:              log,
	}
}

type missionPayload struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Origin      *string    `json:"origin"`
	Destination *string    `json:"destination"`
	DepartureAt *time.Time `json:"departure_at"`
	DriverID    *string    `json:"driver_id"`
	VehicleID   *string    `json:"vehicle_id"`
	TrailerID   *string    `json:"trailer_id"`
}

func (h *Handler) listMissions(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	opts, err := parseMissionQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	records, err := h.missionService.List(c.Request.Context(), principal, opts)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"items": records}))
}

func (h *Handler) getMission(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid mission id"))
		return
	}

	record, err := h.missionService.Get(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(record))
}

func (h *Handler) createMission(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	var req missionPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	input := service.CreateMissionInput{
		Title:       deref(req.Title),
		Description: deref(req.Description),
		Origin:      deref(req.Origin),
		Destination: deref(req.Destination),
		DepartureAt: req.DepartureAt,
	}
	var err error
	if input.DriverID, err = parseAssignment(req.DriverID, "driver_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	if input.VehicleID, err = parseAssignment(req.VehicleID, "vehicle_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	if input.TrailerID, err = parseAssignment(req.TrailerID, "trailer_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	record, err := h.missionService.Create(c.Request.Context(), principal, input)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(record))
}

func (h *Handler) updateMission(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid mission id"))
		return
	}

	var req missionPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	input := service.UpdateMissionInput{
		Title:       req.Title,
		Description: req.Description,
		Origin:      req.Origin,
		Destination: req.Destination,
		DepartureAt: req.DepartureAt,
	}
	if input.DriverID, err = parsePatchAssignment(req.DriverID, "driver_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	if input.VehicleID, err = parsePatchAssignment(req.VehicleID, "vehicle_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	if input.TrailerID, err = parsePatchAssignment(req.TrailerID, "trailer_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	record, err := h.missionService.Update(c.Request.Context(), principal, id, input)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(record))
}

func (h *Handler) deleteMission(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid mission id"))
		return
	}

	if err := h.missionService.Delete(c.Request.Context(), principal, id); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"status": "deleted"}))
}

func (h *Handler) startMission(c *gin.Context) {
	h.transitionMission(c, h.missionService.Start)
}

func (h *Handler) endMission(c *gin.Context) {
	h.transitionMission(c, h.missionService.End)
}

type missionTransition func(ctx context.Context, principal model.Principal, id uuid.UUID) (*model.Mission, error)

func (h *Handler) transitionMission(c *gin.Context, transition missionTransition) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid mission id"))
		return
	}

	record, err := transition(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(record))
}

func (h *Handler) missionHistory(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid mission id"))
		return
	}

	records, err := h.missionService.History(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"items": records}))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, errorResponse("permission_denied", err.Error()))
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errorResponse("invalid_transition", err.Error()))
	case errors.Is(err, service.ErrMissionNotActive):
		c.JSON(http.StatusConflict, errorResponse("mission_not_active", err.Error()))
	case errors.Is(err, service.ErrStoreWrite):
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("store write failed")
		c.JSON(http.StatusInternalServerError, errorResponse("store_write_failed", "store write failed"))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func parseMissionQuery(c *gin.Context) (service.ListMissionsOptions, error) {
	var opts service.ListMissionsOptions

	if statusParam := c.Query("status"); statusParam != "" {
		for _, val := range splitCSV(statusParam) {
			status := model.MissionStatus(strings.ToLower(val))
			if !status.Valid() {
				return opts, fmt.Errorf("invalid status %q", val)
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if driverID := strings.TrimSpace(c.Query("driver_id")); driverID != "" {
		id, err := uuid.Parse(driverID)
		if err != nil {
			return opts, err
		}
		opts.DriverID = &id
	}
	var err error
	if opts.DateFrom, err = parseTimeQuery(c, "date_from"); err != nil {
		return opts, err
	}
	if opts.DateTo, err = parseTimeQuery(c, "date_to"); err != nil {
		return opts, err
	}
	opts.Limit, opts.Offset = parsePage(c)
	return opts, nil
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &ts, nil
}

func parseUUIDQuery(c *gin.Context, key string) (*uuid.UUID, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

func parsePage(c *gin.Context) (int, int) {
	var limit, offset int
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			offset = v
		}
	}
	return limit, offset
}

// parseAssignment treats a missing or empty id as unassigned.
func parseAssignment(raw *string, field string) (*uuid.UUID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("invalid %s", field)
	}
	return &id, nil
}

// parsePatchAssignment leaves a missing id untouched and turns an empty one
// into uuid.Nil, which clears the assignment.
func parsePatchAssignment(raw *string, field string) (*uuid.UUID, error) {
	if raw == nil {
		return nil, nil
	}
	if strings.TrimSpace(*raw) == "" {
		cleared := uuid.Nil
		return &cleared, nil
	}
	return parseAssignment(raw, field)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

type responseEnvelope struct {
	Data interface{} `json:"data"`
}

func successResponse(data interface{}) responseEnvelope {
	return responseEnvelope{Data: data}
}

func errorResponse(code, msg string) gin.H {
	return gin.H{"error": msg, "code": code}
}
