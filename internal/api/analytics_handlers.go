package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

// GET /analytics?account=&start=&end=&dimension=&metric=&horizon=&confidence=&sensitivity=
func (s *Server) queryAnalytics(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.Engine.Query(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func parseQuery(c *gin.Context) (analytics.Query, error) {
	q := analytics.Query{AccountID: c.Query("account")}
	if q.AccountID == "" {
		return q, apperr.InvalidArgument("account is required")
	}

	r, err := normalizer.ParseDateRange(c.Query("start"), c.Query("end"))
	if err != nil {
		return q, err
	}
	q.DateRange = r

	if q.Dimension, err = normalizer.ParseDimension(c.DefaultQuery("dimension", string(normalizer.DimensionService))); err != nil {
		return q, err
	}
	if m := c.Query("metric"); m != "" {
		if q.Metric, err = normalizer.ParseMetric(m); err != nil {
			return q, err
		}
	}

	horizon, confidence := c.Query("horizon"), c.Query("confidence")
	q.Forecast.Enabled = horizon != "" || confidence != "" || c.Query("forecast") == "true"
	q.Forecast.Confidence = confidence
	if horizon != "" {
		if q.Forecast.HorizonMonths, err = strconv.Atoi(horizon); err != nil {
			return q, apperr.InvalidArgument("horizon must be an integer, got %q", horizon)
		}
	}

	sensitivity := c.Query("sensitivity")
	q.Anomalies.Enabled = sensitivity != "" || c.Query("anomalies") == "true"
	q.Anomalies.Sensitivity = sensitivity
	q.Budgets = c.Query("budgets") == "true"
	return q, nil
}

type exportAnalyticsRequest struct {
	Name      string                    `json:"name"`
	AccountID string                    `json:"account_id"`
	DateRange normalizer.DateRange      `json:"date_range"`
	Dimension normalizer.Dimension      `json:"dimension"`
	Metric    normalizer.MetricName     `json:"metric"`
	Forecast  analytics.ForecastOptions `json:"forecast"`
	Anomalies analytics.AnomalyOptions  `json:"anomalies"`
	Format    string                    `json:"format"`
}

// POST /analytics/export renders an ad-hoc query as a transient report.
func (s *Server) exportAnalytics(c *gin.Context) {
	var req exportAnalyticsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	format, err := report.ParseFormat(req.Format)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.Dimension == "" {
		req.Dimension = normalizer.DimensionService
	}
	if req.Metric == "" {
		req.Metric = normalizer.MetricCost
	}

	rep, err := s.Reports.Preview(c.Request.Context(), &report.Config{
		Name:      req.Name,
		AccountID: req.AccountID,
		Metric:    req.Metric,
		Fields:    []string{string(req.Dimension), report.PeriodField, string(req.Metric)},
		GroupBy:   req.Dimension,
		DateRange: req.DateRange,
		Forecast:  req.Forecast,
		Anomalies: req.Anomalies,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.sendExport(c, rep, format)
}

func (s *Server) sendExport(c *gin.Context, rep *report.Report, format report.Format) {
	payload, err := s.Exporter.Export(c.Request.Context(), rep, format)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+payload.Filename+`"`)
	c.Data(http.StatusOK, payload.ContentType, payload.Data)
}
