package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/labctl/labctl/pkg/jobs"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandleHealth_NoDBConfigured(t *testing.T) {
	s := NewServer(Deps{Jobs: jobs.New()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	s := NewServer(Deps{Jobs: jobs.New()})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleQuery_RequiresPrincipal(t *testing.T) {
	s := NewServer(Deps{Jobs: jobs.New()})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
