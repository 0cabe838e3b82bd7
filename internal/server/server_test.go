package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/config"
	"ecm/internal/model"
	"ecm/internal/security"
)

func testConfig(backend string) *config.AppConfig {
	return &config.AppConfig{
		Location:  time.UTC,
		LogLevel:  "error",
		StatusKey: "secret",
		Repository: config.RepositoryConfig{
			Name:    "default",
			Backend: backend,
		},
		Database: config.DatabaseConfig{SQLitePath: ":memory:"},
		MinIO:    config.MinIOConfig{Bucket: "test"},
		Redis:    config.RedisConfig{Namespace: "ecm:"},
		Work:     config.WorkConfig{Queuing: "memory", DefaultThreads: 1},
		Cache:    config.CacheConfig{TTLSec: 60, MaxEntries: 100},
	}
}

func get(t *testing.T, s *Server, target string) (int, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNew_InvalidConfig(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig("cassandra")
	_, err := New(ctx, cfg, nil)
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

	cfg = testConfig(config.BackendMemory)
	cfg.Work.Queuing = "redis"
	_, err = New(ctx, cfg, nil)
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

	cfg = testConfig(config.BackendMemory)
	cfg.Repository.TypesFile = "testdata/missing.yaml"
	_, err = New(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestOpenDatabase(t *testing.T) {
	_, err := OpenDatabase(testConfig(config.BackendMemory))
	assert.True(t, errors.Is(err, errors.NotSupported))

	db, err := OpenDatabase(testConfig(config.BackendSQLite))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestServer_Lifecycle(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name      string
		configure func(*config.AppConfig)
		wantLine  string
	}{
		{
			name:      "memory",
			configure: func(*config.AppConfig) {},
			wantLine:  "repository default (memory): ok",
		},
		{
			name: "sqlite",
			configure: func(c *config.AppConfig) {
				c.Repository.Backend = config.BackendSQLite
			},
			wantLine: "repository default (sqlite): ok",
		},
		{
			name: "redis",
			configure: func(c *config.AppConfig) {
				c.Redis.Addr = mr.Addr()
				c.Work.Queuing = "redis"
			},
			wantLine: "redis: ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(config.BackendMemory)
			tt.configure(cfg)

			s, err := New(ctx, cfg, nil)
			require.NoError(t, err)

			status, body := get(t, s, "/status?info=started")
			assert.Equal(t, http.StatusOK, status)
			assert.Equal(t, "false", body)
			status, _ = get(t, s, "/status?info=reload")
			assert.Equal(t, http.StatusServiceUnavailable, status)

			require.NoError(t, s.Start(ctx))
			assert.True(t, s.IsStarted())

			_, body = get(t, s, "/status?info=started")
			assert.Equal(t, "true", body)
			status, body = get(t, s, "/status?info=summary&key=secret")
			assert.Equal(t, http.StatusOK, status)
			assert.Contains(t, body, "true\n")
			assert.Contains(t, body, tt.wantLine)
			assert.Contains(t, body, "queue default: 0 scheduled, 0 running")
			status, _ = get(t, s, "/health")
			assert.Equal(t, http.StatusOK, status)

			admin := s.Repository().Open(security.User("Administrator", security.AdministratorsGroup))
			doc, err := admin.CreateDocumentModel(ctx, "/", "report", "File")
			require.NoError(t, err)
			require.NoError(t, doc.SetPropertyValue(model.PropContent, model.NewBlob([]byte("annual report"), "report.txt", "text/plain")))
			doc, err = admin.CreateDocument(ctx, doc)
			require.NoError(t, err)

			n, err := s.Audit().Count(ctx)
			require.NoError(t, err)
			assert.Positive(t, n)

			await, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			require.NoError(t, s.Works().AwaitCompletion(await))

			gc, err := s.GarbageCollectBinaries(ctx, false)
			require.NoError(t, err)
			assert.Equal(t, int64(1), gc.NumBinaries)
			assert.Zero(t, gc.NumBinariesGC)

			require.NoError(t, admin.RemoveDocument(ctx, doc.Ref()))
			require.NoError(t, s.Works().AwaitCompletion(await))
			gc, err = s.GarbageCollectBinaries(ctx, true)
			require.NoError(t, err)
			assert.Equal(t, int64(1), gc.NumBinariesGC)
			assert.True(t, gc.Deleted)

			_, body = get(t, s, "/metrics")
			assert.Contains(t, body, "go_goroutines")
			assert.Contains(t, body, "http_requests_total")

			stop, cancelStop := context.WithTimeout(ctx, 5*time.Second)
			defer cancelStop()
			require.NoError(t, s.Shutdown(stop))
			assert.False(t, s.IsStarted())
		})
	}
}
