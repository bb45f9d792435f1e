package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckAll(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		wantStatus Status
		wantCode   int
	}{
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"database": func(context.Context) error { return nil },
				"storage":  func(context.Context) error { return nil },
			},
			wantStatus: StatusHealthy,
			wantCode:   http.StatusOK,
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"database": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			wantStatus: StatusUnhealthy,
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, fn := range tt.checks {
				c.WithCheck(name, fn)
			}

			resp := c.CheckAll(context.Background())
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", resp.Status, tt.wantStatus)
			}
			if len(resp.Components) != len(tt.checks) {
				t.Fatalf("components = %d, want %d", len(resp.Components), len(tt.checks))
			}
			for i := 1; i < len(resp.Components); i++ {
				if resp.Components[i-1].Name > resp.Components[i].Name {
					t.Error("components not sorted by name")
				}
			}

			rec := httptest.NewRecorder()
			ReadinessHandler(c)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("body status = %v, want %v", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
}
