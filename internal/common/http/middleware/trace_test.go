package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"gradingnode/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddleware(), AccessLogMiddleware(nil))
	var gotTrace, gotRequest string
	r.GET("/x", func(c *gin.Context) {
		gotTrace, _ = c.Request.Context().Value(contextkey.TraceID).(string)
		gotRequest, _ = c.Request.Context().Value(contextkey.RequestID).(string)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(TraceIDHeader, "trace-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if gotTrace != "trace-1" || w.Header().Get(TraceIDHeader) != "trace-1" {
		t.Fatalf("trace id not propagated: %q %q", gotTrace, w.Header().Get(TraceIDHeader))
	}
	if gotRequest == "" || w.Header().Get(RequestIDHeader) != gotRequest {
		t.Fatalf("request id not generated: %q", gotRequest)
	}
}
