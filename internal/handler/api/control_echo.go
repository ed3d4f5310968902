package api

import (
	"time"

	"github.com/labstack/echo/v4"

	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/internal/engine"
	apimetrics "TradeGuard/internal/service/metrics"
	"TradeGuard/internal/service/ratelimit"
	"TradeGuard/internal/usecase"
	"TradeGuard/pkg/cache"
	xhttp "TradeGuard/pkg/http"
	xlogger "TradeGuard/pkg/logger"
)

// ingest rate limit per caller IP
const (
	ingestBurst  = 20.0
	ingestPerSec = 10.0
)

// auditCacheTTL bounds how stale a cached audit query may be.
const auditCacheTTL = 5 * time.Second

// ModelSource exposes the model handle currently serving the detectors.
type ModelSource interface {
	ActiveModel() models.ModelHandle
}

// ControlEchoHandler serves the control-plane HTTP surface: status,
// incidents, sample intake and operator overrides.
type ControlEchoHandler struct {
	logger  *xlogger.Logger
	loop    *usecase.ControlLoop
	engine  *engine.Engine
	store   repository.StateStore
	sink    repository.AuditSink
	model   ModelSource
	limiter *ratelimit.Limiter
	qcache  cache.Service
}

func NewControlEchoHandler(logger *xlogger.Logger, loop *usecase.ControlLoop, eng *engine.Engine,
	store repository.StateStore, sink repository.AuditSink, model ModelSource, qcache cache.Service) *ControlEchoHandler {

	apimetrics.Register()
	return &ControlEchoHandler{
		logger:  logger,
		loop:    loop,
		engine:  eng,
		store:   store,
		sink:    sink,
		model:   model,
		limiter: ratelimit.New(),
		qcache:  qcache,
	}
}

func (h *ControlEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)

	g := e.Group("/api")
	g.GET("/status", h.Status)
	g.GET("/incidents", h.Incidents)
	g.GET("/incidents/:id", h.Incident)
	g.GET("/audit", h.Audit)
	g.POST("/samples", h.Samples)
	g.POST("/override", h.Override)
}

func (h *ControlEchoHandler) Healthz(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{
		"status": "ok",
		"mode":   string(h.engine.Mode()),
	})
}

func (h *ControlEchoHandler) Status(c echo.Context) error {
	defer h.observe("status", time.Now())
	s := h.engine.Snapshot()
	res := &models.StatusResponse{
		Health:        s.Health,
		Mode:          s.Mode,
		PolicyVersion: s.PolicyVersion,
		OpenIncident:  h.engine.Incident(),
		Sources:       h.loop.Stats(),
	}
	if h.model != nil {
		res.ActiveModel = h.model.ActiveModel()
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *ControlEchoHandler) Incidents(c echo.Context) error {
	defer h.observe("incidents", time.Now())
	req := &models.IncidentListRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	incidents, err := h.store.ListIncidents(c.Request().Context(), req.Limit)
	if err != nil {
		apimetrics.APIErrors.WithLabelValues("incidents").Inc()
		h.logger.Error("list incidents error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, incidents, int64(len(incidents)))
}

func (h *ControlEchoHandler) Incident(c echo.Context) error {
	defer h.observe("incident", time.Now())
	id := c.Param("id")
	inc, err := h.store.LoadIncident(c.Request().Context(), id)
	if err != nil {
		apimetrics.APIErrors.WithLabelValues("incident").Inc()
		h.logger.Error("load incident error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	if inc == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("incident "+id+" not found"))
	}
	return xhttp.SuccessResponse(c, inc)
}

func (h *ControlEchoHandler) Audit(c echo.Context) error {
	defer h.observe("audit", time.Now())
	now := time.Now()
	from := xhttp.ParseTimeDefault(c.QueryParam("from"), now.Add(-time.Hour))
	to := xhttp.ParseTimeDefault(c.QueryParam("to"), now)
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), 500)

	ctx := c.Request().Context()
	key := cache.GenerateKeyWithParams("audit", from.Unix(), to.Unix(), limit)
	if h.qcache != nil {
		var cached []*models.AuditEntry
		if err := h.qcache.Get(ctx, key, &cached); err == nil {
			return xhttp.ListResponse(c, cached, int64(len(cached)))
		}
	}

	entries, err := h.sink.Entries(ctx, from, to, limit)
	if err != nil {
		apimetrics.APIErrors.WithLabelValues("audit").Inc()
		h.logger.Error("audit query error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	if h.qcache != nil {
		if err := h.qcache.Set(ctx, key, entries, auditCacheTTL); err != nil {
			h.logger.Warn("audit cache set error", xlogger.Error(err))
		}
	}
	return xhttp.ListResponse(c, entries, int64(len(entries)))
}

func (h *ControlEchoHandler) Samples(c echo.Context) error {
	defer h.observe("samples", time.Now())
	if !h.limiter.Allow("ingest:"+c.RealIP(), ingestBurst, ingestPerSec) {
		apimetrics.APIErrors.WithLabelValues("samples").Inc()
		return echo.NewHTTPError(429, "ingest rate limit exceeded")
	}
	req := &models.IngestRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	ctx := c.Request().Context()
	res := &models.IngestResponse{}
	for _, in := range req.Samples {
		accepted, err := h.loop.Ingest(ctx, toSample(in))
		if err != nil {
			apimetrics.APIErrors.WithLabelValues("samples").Inc()
			h.logger.Error("sample ingest error",
				xlogger.String("source", in.SourceID),
				xlogger.Error(err))
			return xhttp.AppErrorResponse(c, err)
		}
		if accepted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *ControlEchoHandler) Override(c echo.Context) error {
	defer h.observe("override", time.Now())
	req := &models.OverrideRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	ctx := c.Request().Context()
	var err error
	switch req.Action {
	case "halt":
		err = h.engine.ForceHalt(ctx, req.Reason, true)
	case "clear":
		err = h.engine.Clear(ctx, req.Reason)
	}
	if err != nil {
		apimetrics.APIErrors.WithLabelValues("override").Inc()
		h.logger.Error("override error",
			xlogger.String("action", req.Action),
			xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, h.engine.Snapshot())
}

func (h *ControlEchoHandler) observe(endpoint string, start time.Time) {
	apimetrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func toSample(in models.SampleIn) *models.MetricSample {
	ts := time.Unix(in.Timestamp, 0)
	if in.Timestamp > 1e11 { // ms
		ts = time.UnixMilli(in.Timestamp)
	}
	return &models.MetricSample{
		SourceID:  in.SourceID,
		Timestamp: ts,
		Value:     in.Value,
		Tags:      in.Tags,
	}
}
