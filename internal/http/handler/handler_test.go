package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/http/middleware"
	"ecm/internal/repository"
)

type fakeRuntime struct {
	started bool
	ok      bool
	summary string
	pingErr error
}

func (f *fakeRuntime) IsStarted() bool { return f.started }

func (f *fakeRuntime) StatusMessage(context.Context) (bool, string) { return f.ok, f.summary }

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func get(t *testing.T, app *fiber.App, target string) (int, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStatus(t *testing.T) {
	rt := &fakeRuntime{ok: true, summary: "repository default: ok"}
	app := fiber.New()
	app.Get("/status", Status(rt, "secret"))

	tests := []struct {
		name       string
		started    bool
		target     string
		wantStatus int
		wantBody   string
	}{
		{"plain", false, "/status", http.StatusOK, "Ok"},
		{"not started", false, "/status?info=started", http.StatusOK, "false"},
		{"started", true, "/status?info=started", http.StatusOK, "true"},
		{"summary", true, "/status?info=summary&key=secret", http.StatusOK, "true\nrepository default: ok"},
		{"summary wrong key", true, "/status?info=summary&key=nope", http.StatusForbidden, ""},
		{"summary no key", true, "/status?info=summary", http.StatusForbidden, ""},
		{"reload started", true, "/status?info=reload", http.StatusOK, "reload();"},
		{"reload starting", false, "/status?info=reload", http.StatusServiceUnavailable, ""},
		{"unknown info", true, "/status?info=other", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt.started = tt.started
			status, body := get(t, app, tt.target)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, body)
			}
		})
	}

	t.Run("empty key never matches", func(t *testing.T) {
		app := fiber.New()
		app.Get("/status", Status(&fakeRuntime{started: true}, ""))
		status, _ := get(t, app, "/status?info=summary&key=")
		assert.Equal(t, http.StatusForbidden, status)
	})
}

func TestHealthCheck(t *testing.T) {
	rt := &fakeRuntime{}
	app := fiber.New()
	app.Use(middleware.RequestID())
	app.Get("/health", HealthCheck(rt))

	t.Run("healthy", func(t *testing.T) {
		status, body := get(t, app, "/health")
		assert.Equal(t, http.StatusOK, status)

		var res map[string]string
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.Equal(t, "healthy", res["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		rt.pingErr = errors.New("db error")
		status, body := get(t, app, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, status)

		var res errorPayload
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.Equal(t, "SERVICE_UNAVAILABLE", res.Error.Code)
		assert.NotEmpty(t, res.RequestID)
	})
}

func TestLivenessProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", LivenessProbe())

	status, _ := get(t, app, "/healthz")
	assert.Equal(t, http.StatusOK, status)
}

func TestRegisterRoutes_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ecm_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	app := fiber.New()
	RegisterRoutes(app, &fakeRuntime{started: true}, "k", reg)

	status, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "ecm_test_total 1")

	status, body = get(t, app, "/status?info=started")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "true", body)
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"fiber error", fiber.ErrMethodNotAllowed, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"not found", errors.NotFoundf("document %q", "x"), http.StatusNotFound, "NOT_FOUND"},
		{"not valid", errors.NotValidf("name"), http.StatusBadRequest, "BAD_REQUEST"},
		{"forbidden", errors.Forbiddenf("Read on /ws"), http.StatusForbidden, "FORBIDDEN"},
		{"already exists", errors.AlreadyExistsf("document"), http.StatusConflict, "CONFLICT"},
		{"concurrent update", errors.Annotate(repository.ErrConcurrentUpdate, "save"), http.StatusConflict, "CONFLICT"},
		{"not supported", errors.NotSupportedf("conversion"), http.StatusNotImplemented, "NOT_SUPPORTED"},
		{"anything else", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
			app.Get("/x", func(*fiber.Ctx) error { return tt.err })

			status, body := get(t, app, "/x")
			assert.Equal(t, tt.wantStatus, status)

			var res errorPayload
			require.NoError(t, json.Unmarshal([]byte(body), &res))
			assert.Equal(t, tt.wantCode, res.Error.Code)
			assert.NotContains(t, res.Error.Message, "boom")
		})
	}
}
