package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fleet-mission-service/internal/http/middleware"
	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/service"
)

func (h *Handler) reportBreakdown(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	missionID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid mission id"))
		return
	}

	var req struct {
		Type        string   `json:"type" binding:"required"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		PhotoURL    *string  `json:"photo_url"`
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	input := service.ReportBreakdownInput{
		Type:        model.BreakdownType(strings.ToLower(strings.TrimSpace(req.Type))),
		Description: req.Description,
		PhotoURL:    req.PhotoURL,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	}
	if severity := strings.TrimSpace(req.Severity); severity != "" {
		value := model.BreakdownSeverity(strings.ToLower(severity))
		input.Severity = &value
	}

	record, err := h.breakdownService.Report(c.Request.Context(), principal, missionID, input)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(record))
}

func (h *Handler) listBreakdowns(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	opts, err := parseBreakdownQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	records, err := h.breakdownService.List(c.Request.Context(), principal, opts)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"items": records}))
}

func (h *Handler) getBreakdown(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid breakdown id"))
		return
	}

	record, err := h.breakdownService.Get(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(record))
}

func (h *Handler) resolveBreakdown(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid breakdown id"))
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
		Note   string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	status := model.BreakdownStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	record, err := h.breakdownService.Resolve(c.Request.Context(), principal, id, status, req.Note)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(record))
}

func (h *Handler) pushFix(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	var req struct {
		Latitude   *float64   `json:"latitude" binding:"required"`
		Longitude  *float64   `json:"longitude" binding:"required"`
		Accuracy   *float64   `json:"accuracy"`
		Heading    *float64   `json:"heading"`
		Speed      *float64   `json:"speed"`
		CapturedAt *time.Time `json:"captured_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	err := h.positionService.PushFix(c.Request.Context(), principal, service.FixInput{
		Latitude:   *req.Latitude,
		Longitude:  *req.Longitude,
		Accuracy:   req.Accuracy,
		Heading:    req.Heading,
		Speed:      req.Speed,
		CapturedAt: req.CapturedAt,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, successResponse(gin.H{"status": "accepted"}))
}

func (h *Handler) listPositions(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	var opts service.TrailOptions
	var err error
	if opts.DriverID, err = parseUUIDQuery(c, "driver_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	if opts.MissionID, err = parseUUIDQuery(c, "mission_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	if opts.Since, err = parseTimeQuery(c, "since"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}
	opts.Limit, _ = parsePage(c)

	records, err := h.positionService.Trail(c.Request.Context(), principal, opts)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"items": records}))
}

func (h *Handler) lastPosition(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	driverID, err := uuid.Parse(strings.TrimSpace(c.Param("driver_id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", "invalid driver id"))
		return
	}

	record, err := h.positionService.LastKnown(c.Request.Context(), principal, driverID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(record))
}

func (h *Handler) mapTracks(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}

	since, err := parseTimeQuery(c, "since")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
		return
	}

	tracks, err := h.positionService.Map(c.Request.Context(), principal, since)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"tracks": tracks}))
}

func (h *Handler) realtimeSession(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "principal missing"))
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "realtime disabled"))
		return
	}
	h.realtime.Serve(c.Writer, c.Request, principal)
}

func parseBreakdownQuery(c *gin.Context) (service.ListBreakdownsOptions, error) {
	var opts service.ListBreakdownsOptions

	if statusParam := c.Query("status"); statusParam != "" {
		for _, val := range splitCSV(statusParam) {
			status := model.BreakdownStatus(strings.ToLower(val))
			if !status.Valid() {
				return opts, fmt.Errorf("invalid status %q", val)
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if typeParam := c.Query("type"); typeParam != "" {
		for _, val := range splitCSV(typeParam) {
			kind := model.BreakdownType(strings.ToLower(val))
			if !kind.Valid() {
				return opts, fmt.Errorf("invalid type %q", val)
			}
			opts.Types = append(opts.Types, kind)
		}
	}
	var err error
	if opts.MissionID, err = parseUUIDQuery(c, "mission_id"); err != nil {
		return opts, err
	}
	if opts.DriverID, err = parseUUIDQuery(c, "driver_id"); err != nil {
		return opts, err
	}
	if opts.DateFrom, err = parseTimeQuery(c, "date_from"); err != nil {
		return opts, err
	}
	if opts.DateTo, err = parseTimeQuery(c, "date_to"); err != nil {
		return opts, err
	}
	opts.Limit, opts.Offset = parsePage(c)
	return opts, nil
}
