// Package api provides the thin HTTP boundary described by spec.md §1 as
// out of scope in its own right ("HTTP transport and its middleware")
// but which C1's identity context and C10's job fabric need somewhere
// real to be exercised from. Grounded in the teacher's cmd/tarsy/main.go
// gin wiring (router, /health endpoint shape) rather than invented from
// scratch.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/labctl/labctl/pkg/agenticsql"
	"github.com/labctl/labctl/pkg/analytemap"
	"github.com/labctl/labctl/pkg/catalog"
	"github.com/labctl/labctl/pkg/database"
	"github.com/labctl/labctl/pkg/identity"
	"github.com/labctl/labctl/pkg/jobs"
	"github.com/labctl/labctl/pkg/llmclient"
	"github.com/labctl/labctl/pkg/reportproc"
	"github.com/labctl/labctl/pkg/schemainfo"
	"github.com/labctl/labctl/pkg/sqlvalidator"
	"github.com/labctl/labctl/pkg/version"
)

// Server is the Gin-based HTTP API surface.
type Server struct {
	router  *gin.Engine
	db      *database.Client
	catalog *catalog.Store
	llm     llmclient.Client
	schema  *schemainfo.Cache
	reports *reportproc.Processor
	jobs    *jobs.Registry
}

// Deps bundles the components the API surface wires into handlers.
type Deps struct {
	DB      *database.Client
	Catalog *catalog.Store
	LLM     llmclient.Client
	Schema  *schemainfo.Cache
	Reports *reportproc.Processor
	Jobs    *jobs.Registry
}

// NewServer builds a Server with every route registered (mirrors the
// teacher's "setup minimal Gin router" step in cmd/tarsy/main.go).
func NewServer(deps Deps) *Server {
	s := &Server{
		router:  gin.New(),
		db:      deps.DB,
		catalog: deps.Catalog,
		llm:     deps.LLM,
		schema:  deps.Schema,
		reports: deps.Reports,
		jobs:    deps.Jobs,
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Router exposes the underlying engine, primarily for tests that want
// httptest.NewServer(s.Router()).
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/reports", s.requirePrincipal, s.handleIngestReport)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)
		v1.POST("/query", s.requirePrincipal, s.handleQuery)

		admin := v1.Group("/admin")
		{
			admin.POST("/pending-analytes/:id/approve", s.handleApprovePendingAnalyte)
		}
	}
}

// handleHealth matches the teacher's /health shape: database
// connectivity plus build version, safe for unauthenticated access.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK
	var dbErr string
	if s.db != nil {
		if _, err := database.Health(ctx, s.db.DB()); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			dbErr = err.Error()
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.Full(),
		"db_error": dbErr,
	})
}

// principalHeader is the header carrying the authenticated user id. Real
// authentication (sessions, cookies) is an external-collaborator
// concern per spec.md §1; this boundary only needs to thread a user id
// into identity.Principal for every tenant-scoped call.
const principalHeader = "X-User-Id"

func (s *Server) requirePrincipal(c *gin.Context) {
	userID := c.GetHeader(principalHeader)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing " + principalHeader})
		return
	}
	c.Set("principal", identity.Principal{UserID: userID})
}

func principalFrom(c *gin.Context) identity.Principal {
	p, _ := c.Get("principal")
	principal, _ := p.(identity.Principal)
	return principal
}

type ingestReportRequest struct {
	PatientID      string `json:"patient_id" binding:"required"`
	SourceFilename string `json:"source_filename" binding:"required"`
	MimeType       string `json:"mime_type" binding:"required"`
	PayloadBase64  string `json:"payload_base64" binding:"required"`
}

// handleIngestReport starts C7 as a background job tracked by C10,
// returning immediately with the job id so large uploads don't tie up
// an HTTP handler goroutine for the full extract→map pipeline.
func (s *Server) handleIngestReport(c *gin.Context) {
	var req ingestReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	payload, err := decodeBase64(req.PayloadBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "message": err.Error()})
		return
	}

	jobID, jobCtx := s.jobs.Start(c.Request.Context(), "report_ingest")
	s.jobs.MarkProcessing(jobID)

	go func() {
		result, err := s.reports.Ingest(jobCtx, req.PatientID, req.SourceFilename, req.MimeType, payload)
		if err != nil {
			s.jobs.Fail(jobID, err)
			return
		}
		s.jobs.Complete(jobID, result)
	}()

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (s *Server) handleGetJob(c *gin.Context) {
	snap, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	if err := s.jobs.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type queryRequest struct {
	Question         string `json:"question" binding:"required"`
	SessionID        string `json:"session_id"`
	MultiplePatients bool   `json:"multiple_patients"`
	SelectedPatient  string `json:"selected_patient_id"`
}

// handleQuery drives one C8 agentic-loop turn synchronously — a single
// turn is bounded by agenticsql.Timeout (120s), short enough to serve inline
// unlike report ingestion.
func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	principal := principalFrom(c)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	scope := sqlvalidator.PatientScope{Required: req.MultiplePatients, PatientID: req.SelectedPatient}
	session := agenticsql.NewSession(s.db.DB(), s.catalog, s.llm, s.schema, scope)

	outcome := session.Run(c.Request.Context(), hashUserID(principal.UserID), req.Question, sessionID, req.Question)
	if outcome.Status != agenticsql.StatusAccepted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":       string(outcome.Status),
			"violations": outcome.Violations,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sql":             outcome.ValidSQL,
		"final":           outcome.Final,
		"iteration_count": outcome.IterationCount,
	})
}

// handleApprovePendingAnalyte drives C6's admin approve flow inside an
// admin-mode transaction (bypasses RLS — this is catalog maintenance,
// not a tenant-scoped operation per spec.md §4.1).
func (s *Server) handleApprovePendingAnalyte(c *gin.Context) {
	id := c.Param("id")

	var result analytemap.ApproveResult
	err := withAdminTx(c.Request.Context(), s.db.AdminDB(), func(ctx context.Context, tx *sql.Tx) error {
		var err error
		result, err = analytemap.Approve(ctx, tx, id)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "APPROVE_FAILED", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// withAdminTx runs fn inside a transaction on the admin-role connection
// (BYPASSRLS per spec.md §4.1), committing or rolling back based on the
// returned error.
func withAdminTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
