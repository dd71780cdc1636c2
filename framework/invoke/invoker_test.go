package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/observability"
)

type countingSerializer struct {
	calls int32
	err   error
}

func (s *countingSerializer) Serialize(params map[string]interface{}) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return json.Marshal(params)
}

func newTestInvoker(t *testing.T, services map[string]string, opts ...Option) *ServiceInvoker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Services = services
	cfg.FailureThreshold = 2
	cfg.RecoveryTime = 50 * time.Millisecond
	inv, err := NewServiceInvoker(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return inv
}

func TestInvoke_Success(t *testing.T) {
	var gotPath, gotBody, gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotCorrelation = r.Header.Get(observability.CorrelationIDHeader)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userId":"U-1"}`))
	}))
	defer server.Close()

	inv := newTestInvoker(t, map[string]string{"user-service": server.URL})
	ctx := observability.InjectCorrelationID(context.Background(), "corr-1")

	res := inv.Invoke(ctx, "user-service", "createUser", map[string]interface{}{"email": "a@b.c"})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "U-1", res.Data["userId"])
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/api/user/create", gotPath)
	assert.JSONEq(t, `{"email":"a@b.c"}`, gotBody)
	assert.Equal(t, "corr-1", gotCorrelation)
}

func TestInvoke_EmptyBodyGivesEmptyMap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	inv := newTestInvoker(t, map[string]string{"deal-service": server.URL})
	res := inv.Invoke(context.Background(), "deal-service", "reserveDeal", nil)
	require.True(t, res.Success)
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
}

func TestInvoke_UnknownServiceMakesNoCall(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	inv := newTestInvoker(t, map[string]string{"user-service": server.URL})
	res := inv.Invoke(context.Background(), "billing-service", "charge", map[string]interface{}{"x": 1})
	assert.False(t, res.Success)
	assert.Equal(t, "unknown service: billing-service", res.ErrorMessage)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestInvoke_SerializerOnlyForNonEmptyParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/api/saga/ping" {
			assert.Empty(t, body)
		}
	}))
	defer server.Close()

	ser := &countingSerializer{}
	inv := newTestInvoker(t, map[string]string{"lead-service": server.URL}, WithSerializer(ser))

	assert.True(t, inv.Invoke(context.Background(), "lead-service", "ping", nil).Success)
	assert.True(t, inv.Invoke(context.Background(), "lead-service", "ping", map[string]interface{}{}).Success)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ser.calls))

	assert.True(t, inv.Invoke(context.Background(), "lead-service", "assignLead", map[string]interface{}{"id": 7}).Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ser.calls))
}

func TestInvoke_SerializationFailure(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	inv := newTestInvoker(t, map[string]string{"lead-service": server.URL},
		WithSerializer(&countingSerializer{err: errors.New("unsupported type")}))

	res := inv.Invoke(context.Background(), "lead-service", "assignLead", map[string]interface{}{"ch": "x"})
	assert.False(t, res.Success)
	assert.Equal(t, "JSON serialization failed: unsupported type", res.ErrorMessage)
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Equal(t, "closed", inv.BreakerState("lead-service"))
}

func TestInvoke_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"duplicate"}`))
	}))
	defer server.Close()

	inv := newTestInvoker(t, map[string]string{"user-service": server.URL})
	res := inv.Invoke(context.Background(), "user-service", "createUser", map[string]interface{}{"email": "x"})
	assert.False(t, res.Success)
	assert.Equal(t, "HTTP call failed: status 409", res.ErrorMessage)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestInvoke_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	inv := newTestInvoker(t, map[string]string{"user-service": url})
	res := inv.Invoke(context.Background(), "user-service", "createUser", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "remote invocation exception: ")
}

func TestInvoke_CircuitBreakerOpensAndRecovers(t *testing.T) {
	var hits int32
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	inv := newTestInvoker(t, map[string]string{"commission-service": server.URL})
	ctx := context.Background()

	for n := 0; n < 2; n++ {
		res := inv.Invoke(ctx, "commission-service", "calculateCommission", nil)
		assert.Equal(t, "HTTP call failed: status 500", res.ErrorMessage)
	}
	assert.Equal(t, "open", inv.BreakerState("commission-service"))

	res := inv.Invoke(ctx, "commission-service", "calculateCommission", nil)
	assert.Equal(t, "circuit breaker open for service: commission-service", res.ErrorMessage)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	healthy.Store(true)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, "half-open", inv.BreakerState("commission-service"))

	res = inv.Invoke(ctx, "commission-service", "calculateCommission", nil)
	assert.True(t, res.Success)
	assert.Equal(t, "closed", inv.BreakerState("commission-service"))
}

func TestInvoke_LocalService(t *testing.T) {
	inv := newTestInvoker(t, map[string]string{})

	res := inv.Invoke(context.Background(), "local-audit", "record", map[string]interface{}{"k": "v"})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["local"])
	assert.Equal(t, "local-audit", res.Data["service"])
	assert.Equal(t, "record", res.Data["action"])

	assert.True(t, inv.Invoke(context.Background(), "local", "noop", nil).Success)
	assert.False(t, inv.Invoke(context.Background(), "localhost", "noop", nil).Success)
}

func TestInvoke_ExplicitRoute(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
	}))
	defer server.Close()

	routes := NewRouteTable().
		Register("releaseProduct", Route{Method: http.MethodDelete, PathTemplate: "/api/{service}/reservations/{action}"})
	inv := newTestInvoker(t, map[string]string{"product-service": server.URL}, WithRoutes(routes))

	require.True(t, inv.Invoke(context.Background(), "product-service", "releaseProduct", nil).Success)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/product/reservations/releaseProduct", gotPath)
}

func TestRouteTable_Resolve(t *testing.T) {
	routes := NewRouteTable().
		Register("notify", Route{PathTemplate: "/api/notifications"}).
		RegisterFor("user-service", "notify", Route{Method: http.MethodPut, PathTemplate: "/api/{service}/notify"})

	tests := []struct {
		service, action, method, path string
	}{
		{"user-service", "createUser", http.MethodPost, "/api/user/create"},
		{"deal-service", "updateDealStatus", http.MethodPost, "/api/deal/update"},
		{"deal-service", "cancelDeal", http.MethodPost, "/api/saga/cancelDeal"},
		{"lead-service", "notify", http.MethodPost, "/api/notifications"},
		{"user-service", "notify", http.MethodPut, "/api/user/notify"},
		{"billing", "createInvoice", http.MethodPost, "/api/billing/create"},
	}
	for _, tt := range tests {
		t.Run(tt.service+"/"+tt.action, func(t *testing.T) {
			route := routes.Resolve(tt.service, tt.action)
			assert.Equal(t, tt.method, route.Method)
			assert.Equal(t, tt.path, route.Path(tt.service, tt.action))
		})
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actuator/health", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	inv := newTestInvoker(t, map[string]string{"user-service": server.URL, "deal-service": downURL})
	ctx := context.Background()

	// любой HTTP ответ считается доступностью
	assert.True(t, inv.IsServiceHealthy(ctx, "user-service"))
	assert.False(t, inv.IsServiceHealthy(ctx, "deal-service"))
	assert.False(t, inv.IsServiceHealthy(ctx, "ghost-service"))

	up := inv.TestServiceConnection(ctx, "user-service")
	assert.Equal(t, "UP", up.Status)
	assert.Empty(t, up.Error)

	dn := inv.TestServiceConnection(ctx, "deal-service")
	assert.Equal(t, "DOWN", dn.Status)
	assert.NotEmpty(t, dn.Error)

	err := inv.HealthCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deal-service")
}

func TestSupportedServices_Defaults(t *testing.T) {
	inv, err := NewServiceInvoker(Config{
		ConnectTimeout:   time.Second,
		ReadTimeout:      time.Second,
		FailureThreshold: 5,
		RecoveryTime:     time.Minute,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"commission-service", "deal-service", "lead-service", "product-service", "user-service"},
		inv.SupportedServices())
}

func TestNewServiceInvoker_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 0
	_, err := NewServiceInvoker(cfg, nil)
	assert.Error(t, err)
}
