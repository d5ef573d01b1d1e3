package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/database/databasetest"
	"github.com/kebairia/mongokeeper/internal/operations"
)

type fixture struct {
	handler http.Handler
	runner  *databasetest.Runner
	repo    *audit.MemoryRepository
	ops     *operations.OperationManager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	var cfg config.Config
	require.NoError(t, cfg.Load(""))
	cfg.Backup.Directory = t.TempDir()
	cfg.Backup.TempDirectory = t.TempDir()
	cfg.Auth.EmailHeader = "X-Forwarded-Email"
	cfg.Auth.AllowedDomains = []string{"example.com"}

	runner := databasetest.NewRunner()
	repo := audit.NewMemoryRepository()
	ops, err := operations.NewOperationManager(cfg, database.NewMongoDB(cfg, runner),
		operations.WithRecorder(audit.NewRecorder(repo, nil)))
	require.NoError(t, err)

	return &fixture{
		handler: New(cfg, ops, opts...).Handler(),
		runner:  runner,
		repo:    repo,
		ops:     ops,
	}
}

func (f *fixture) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("X-Forwarded-Email", "ops@example.com")
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i] == "RemoteAddr" {
			req.RemoteAddr = headers[i+1]
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %s", rec.Body.String())
	return e["code"].(string)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "", "X-Forwarded-Email", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/backup", "", "X-Forwarded-Email", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, rec))

	rec = f.do(http.MethodGet, "/api/backup", "", "X-Forwarded-Email", "mallory@evil.test")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, errorCode(t, rec))

	rec = f.do(http.MethodGet, "/api/backup", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type staticVerifier map[string]string

func (v staticVerifier) Verify(_ context.Context, token string) (string, error) {
	if email, ok := v[token]; ok {
		return email, nil
	}
	return "", errors.New("bad token")
}

func TestBearerToken(t *testing.T) {
	f := newFixture(t, WithVerifier(staticVerifier{"good": "dev@example.com"}))

	rec := f.do(http.MethodPost, "/api/backup", `{"databaseName":"shop"}`,
		"X-Forwarded-Email", "", "Authorization", "Bearer good")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "dev@example.com", f.repo.Records()[0].UserEmail)

	rec = f.do(http.MethodPost, "/api/backup", `{"databaseName":"shop"}`, "Authorization", "Bearer forged")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateBackupIsAudited(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/backup", `{"databaseName":"shop"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeBody(t, rec)["data"].(map[string]any)
	name := data["backup"].(map[string]any)["name"].(string)
	assert.True(t, strings.HasPrefix(name, "shop_"))

	records := f.repo.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "/api/backup", records[0].Endpoint)
	assert.Equal(t, http.MethodPost, records[0].Method)
	assert.Equal(t, "ops@example.com", records[0].UserEmail)

	rec = f.do(http.MethodGet, "/api/backup?database=shop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)["data"].(map[string]any)
	assert.Len(t, list["backups"], 1)
	assert.EqualValues(t, 7, list["maxBackupsPerDatabase"])
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/backup", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidationError, errorCode(t, rec))

	rec = f.do(http.MethodPost, "/api/backup", `{"databaseName":"a/b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/snapshot", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/storage/tape", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/history?sortBy=password", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreSnapshotNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/snapshot/restore",
		`{"snapshotName":"missing_xyz","databaseName":"shop","collectionName":"users"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rec))
	assert.Empty(t, f.runner.Calls())
	require.Len(t, f.repo.Records(), 1)
	assert.Equal(t, audit.StatusError, f.repo.Records()[0].Status)
}

func TestRestoreFailureHidesStderr(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/snapshot", `{"databaseName":"shop","collectionName":"users"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	name := decodeBody(t, rec)["data"].(map[string]any)["snapshot"].(map[string]any)["name"].(string)

	f.runner.On("mongorestore", databasetest.Fail("Failed: secret-host:27017 auth failed for user root"))
	rec = f.do(http.MethodPost, "/api/snapshot/restore", `{"snapshotName":"`+name+`"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-host")
}

func TestOperationInProgress(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.runner.On("mongodump", func(ctx context.Context, call databasetest.Call) (database.Output, error) {
		close(started)
		<-release
		return databasetest.WriteDump(ctx, call)
	})

	done := make(chan int)
	go func() {
		done <- f.do(http.MethodPost, "/api/backup", `{"databaseName":"shop"}`).Code
	}()
	<-started

	rec := f.do(http.MethodPost, "/api/snapshot", `{"databaseName":"shop","collectionName":"users"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeConflict, errorCode(t, rec))

	close(release)
	assert.Equal(t, http.StatusCreated, <-done)
}

func TestCronBackupLoopbackOnly(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/cron/backup?database=shop", "", "RemoteAddr", "192.0.2.10:4100")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.runner.Calls())

	rec = f.do(http.MethodPost, "/api/cron/backup?database=shop", "",
		"RemoteAddr", "127.0.0.1:4100", "X-Forwarded-Email", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	records := f.repo.Records()
	require.Len(t, records, 1)
	assert.Equal(t, audit.CronActor, records[0].UserEmail)
	assert.Equal(t, audit.ActionCron, records[0].ActionType)
	assert.Equal(t, "/api/cron/backup", records[0].Endpoint)
}

func TestArchiveExport(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/backup", `{"databaseName":"shop"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	name := decodeBody(t, rec)["data"].(map[string]any)["backup"].(map[string]any)["name"].(string)

	rec = f.do(http.MethodGet, "/api/backup/"+name+"/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zstd", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), name+".tar.zst")
	assert.NotZero(t, rec.Body.Len())

	rec = f.do(http.MethodGet, "/api/snapshot/"+name+"/archive", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/backup/"+name, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodDelete, "/api/backup/"+name, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryWithStats(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/backup", `{"databaseName":"shop"}`)
	f.do(http.MethodPost, "/api/backup", `{"databaseName":"bad name"}`)

	rec := f.do(http.MethodGet, "/api/history?status=error&stats=true&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	history := body["history"].(map[string]any)
	assert.EqualValues(t, 1, history["totalCount"])
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["totalCalls"])
}

func TestInspectionUnavailable(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/databases", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStorageUsage(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/storage/all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]any)
	assert.Contains(t, data, "usagePercentage")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/api/backup", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mongokeeper_http_requests_total")
}

func TestOIDCVerifierRejectsMalformedToken(t *testing.T) {
	v := &OIDCVerifier{verifier: oidc.NewVerifier("https://issuer.example.com", &oidc.StaticKeySet{}, &oidc.Config{ClientID: "mongokeeper"})}
	_, err := v.Verify(context.Background(), "not-a-jwt")
	assert.Error(t, err)

	_, err = NewOIDCVerifier(context.Background(), "", "")
	assert.Error(t, err)
}
