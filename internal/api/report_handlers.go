package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

func (s *Server) listReports(c *gin.Context) {
	list, err := s.Reports.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": list})
}

func (s *Server) saveReport(c *gin.Context) {
	var cfg report.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	saved, err := s.Reports.Save(c.Request.Context(), &cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) previewReport(c *gin.Context) {
	var cfg report.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	rep, err := s.Reports.Preview(c.Request.Context(), &cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) reportFields(c *gin.Context) {
	dim, err := normalizer.ParseDimension(c.DefaultQuery("groupBy", string(normalizer.DimensionService)))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_by": dim, "fields": report.Fields(dim), "operators": report.Operators})
}

func (s *Server) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": s.Reports.Templates()})
}

// POST /reports/templates/:id?save=true
func (s *Server) instantiateTemplate(c *gin.Context) {
	var o report.Overrides
	if err := c.ShouldBindJSON(&o); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, badRequest(err))
		return
	}
	save := c.Query("save") == "true"
	cfg, err := s.Reports.Instantiate(c.Request.Context(), c.Param("id"), o, save)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if save {
		status = http.StatusCreated
	}
	c.JSON(status, cfg)
}

func (s *Server) getReport(c *gin.Context) {
	cfg, err := s.Reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) updateReport(c *gin.Context) {
	var cfg report.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	updated, err := s.Reports.Update(c.Request.Context(), c.Param("id"), &cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteReport(c *gin.Context) {
	id := c.Param("id")
	removed, err := s.Reports.Delete(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.Scheduler != nil {
		s.Scheduler.Forget(removed...)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "schedules": removed})
}

func (s *Server) runReport(c *gin.Context) {
	rep, err := s.Reports.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// POST /reports/:id/export?format=
func (s *Server) exportReport(c *gin.Context) {
	format, err := report.ParseFormat(c.DefaultQuery("format", string(report.FormatPDF)))
	if err != nil {
		s.fail(c, err)
		return
	}
	rep, err := s.Reports.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.sendExport(c, rep, format)
}

type reorderRequest struct {
	Fields []string `json:"fields"`
}

func (s *Server) reorderFields(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	cfg, err := s.Reports.ReorderFields(c.Request.Context(), c.Param("id"), req.Fields)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) createFilter(c *gin.Context) {
	s.upsertFilter(c, "", http.StatusCreated)
}

func (s *Server) putFilter(c *gin.Context) {
	s.upsertFilter(c, c.Param("filterId"), http.StatusOK)
}

func (s *Server) upsertFilter(c *gin.Context, filterID string, status int) {
	var f report.Filter
	if err := c.ShouldBindJSON(&f); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	cfg, id, err := s.Reports.PutFilter(c.Request.Context(), c.Param("id"), filterID, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, gin.H{"filter_id": id, "report": cfg})
}

func (s *Server) removeFilter(c *gin.Context) {
	cfg, err := s.Reports.RemoveFilter(c.Request.Context(), c.Param("id"), c.Param("filterId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type scheduleRequest struct {
	ReportConfigID string           `json:"report_config_id"`
	Frequency      report.Frequency `json:"frequency"`
	Recipients     []string         `json:"recipients"`
	Format         string           `json:"format"`
}

func (s *Server) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	sc := report.ScheduleConfig{Frequency: req.Frequency, Recipients: req.Recipients, Format: report.Format(req.Format)}
	if req.Format != "" {
		format, err := report.ParseFormat(req.Format)
		if err != nil {
			s.fail(c, err)
			return
		}
		sc.Format = format
	}

	ctx := c.Request.Context()
	id, err := s.Scheduler.Schedule(ctx, req.ReportConfigID, sc)
	if err != nil {
		s.fail(c, err)
		return
	}
	stored, err := s.Reports.Schedule(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// GET /reports/schedules?report=
func (s *Server) listSchedules(c *gin.Context) {
	list, err := s.Scheduler.List(c.Request.Context(), c.Query("report"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": list})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.Scheduler.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
