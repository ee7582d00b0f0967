package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hunch-copytrader/middleware"
	"hunch-copytrader/models"
	"hunch-copytrader/storage"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	testKey      = "sig_current_key"
	testCallback = "http://copytrader.test/api/copy-trade/execute"
)

// stubExecutor returns a canned result and records jobs
type stubExecutor struct {
	result models.CopyResult
	err    error
	jobs   []models.CopyJob
}

func (s *stubExecutor) Execute(ctx context.Context, job models.CopyJob) (models.CopyResult, error) {
	s.jobs = append(s.jobs, job)
	return s.result, s.err
}

func setupRouter(t *testing.T, exec *stubExecutor, store *storage.MockStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	verifier, err := middleware.NewVerifier(testKey, "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	r := gin.New()
	h := NewHandler(exec, store, logger)
	h.RegisterRoutes(r, middleware.JobSignature(verifier, testCallback, logger), middleware.BasicAuth("ops", "secret"))
	return r
}

func signedJob(t *testing.T, body string) *http.Request {
	t.Helper()
	token, err := middleware.SignJob(testKey, testCallback, []byte(body), time.Minute)
	if err != nil {
		t.Fatalf("SignJob: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/copy-trade/execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.SignatureHeader, token)
	return req
}

func TestExecuteCopyTrade(t *testing.T) {
	amount := decimal.NewFromInt(20)

	tests := []struct {
		name       string
		body       string
		result     models.CopyResult
		err        error
		wantStatus int
		wantJobs   int
	}{
		{
			name:       "success",
			body:       `{"leaderTradeId":"trade-1","followerId":"follower-1"}`,
			result:     models.CopyResult{Status: models.ResultSuccess, CopyTradeID: "abc", CopyAmount: &amount},
			wantStatus: http.StatusOK,
			wantJobs:   1,
		},
		{
			name:       "skip is terminal",
			body:       `{"leaderTradeId":"trade-1","followerId":"follower-1"}`,
			result:     models.Skipped(models.SkipAlreadyProcessed),
			wantStatus: http.StatusOK,
			wantJobs:   1,
		},
		{
			name:       "retryable error",
			body:       `{"leaderTradeId":"trade-1","followerId":"follower-1"}`,
			err:        errors.New("execute copy trade: broker unavailable"),
			wantStatus: http.StatusInternalServerError,
			wantJobs:   1,
		},
		{
			name:       "malformed json",
			body:       `{"leaderTradeId":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing follower",
			body:       `{"leaderTradeId":"trade-1"}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &stubExecutor{result: tt.result, err: tt.err}
			r := setupRouter(t, exec, storage.NewMockStore())

			w := httptest.NewRecorder()
			r.ServeHTTP(w, signedJob(t, tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(exec.jobs) != tt.wantJobs {
				t.Errorf("executor calls = %d, want %d", len(exec.jobs), tt.wantJobs)
			}
			if tt.wantStatus == http.StatusOK {
				var got models.CopyResult
				if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if got.Status != tt.result.Status || got.Reason != tt.result.Reason {
					t.Errorf("response = %+v, want %+v", got, tt.result)
				}
			}
		})
	}
}

func TestExecuteCopyTrade_RejectsUnsigned(t *testing.T) {
	exec := &stubExecutor{}
	r := setupRouter(t, exec, storage.NewMockStore())

	req := httptest.NewRequest(http.MethodPost, "/api/copy-trade/execute",
		strings.NewReader(`{"leaderTradeId":"trade-1","followerId":"follower-1"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if len(exec.jobs) != 0 {
		t.Error("executor must not run for unsigned jobs")
	}
}

func TestGetCopyLogs(t *testing.T) {
	store := storage.NewMockStore()
	store.AddCopyLog(models.CopyLog{LeaderTradeID: "trade-1", FollowerID: "f1", Status: models.CopyLogSuccess})
	store.AddCopyLog(models.CopyLog{LeaderTradeID: "trade-1", FollowerID: "f2", Status: models.CopyLogFailed, Error: "boom"})
	store.AddCopyLog(models.CopyLog{LeaderTradeID: "trade-2", FollowerID: "f1", Status: models.CopyLogPending})
	r := setupRouter(t, &stubExecutor{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/copy-logs/trade-1", nil)
	req.SetBasicAuth("ops", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		CopyLogs []models.CopyLog `json:"copy_logs"`
		Count    int              `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.CopyLogs) != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/copy-logs/trade-1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}
}

func TestGetStalePending(t *testing.T) {
	store := storage.NewMockStore()
	store.AddCopyLog(models.CopyLog{LeaderTradeID: "trade-1", FollowerID: "f1", Status: models.CopyLogPending, CreatedAt: time.Now().Add(-time.Hour)})
	store.AddCopyLog(models.CopyLog{LeaderTradeID: "trade-2", FollowerID: "f1", Status: models.CopyLogPending, CreatedAt: time.Now()})
	store.AddCopyLog(models.CopyLog{LeaderTradeID: "trade-3", FollowerID: "f1", Status: models.CopyLogSuccess, CreatedAt: time.Now().Add(-time.Hour)})
	r := setupRouter(t, &stubExecutor{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/copy-logs/stale?older_than=30m", nil)
	req.SetBasicAuth("ops", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	var resp struct {
		CopyLogs []models.CopyLog `json:"copy_logs"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.CopyLogs) != 1 || resp.CopyLogs[0].LeaderTradeID != "trade-1" {
		t.Errorf("stale logs = %+v, want only trade-1", resp.CopyLogs)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/copy-logs/stale?older_than=soon", nil)
	req.SetBasicAuth("ops", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad duration status = %d, want 400", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r := setupRouter(t, &stubExecutor{}, storage.NewMockStore())

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}
