package httpapi

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
)

func testApp() *apps.Application {
	return &apps.Application{ID: "app1", Key: "key1", Secret: "secret1", PingInterval: 30}
}

func signedRequest(t *testing.T, method, path string, app *apps.Application, body string) *http.Request {
	t.Helper()

	q := url.Values{}
	q.Set("auth_key", app.Key)
	q.Set("auth_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	q.Set("auth_version", "1.0")

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+q.Get(k))
	}
	canonicalQuery := strings.Join(parts, "&")

	bodyHash := md5.Sum([]byte(body))
	toSign := strings.Join([]string{method, path, canonicalQuery, hex.EncodeToString(bodyHash[:])}, "\n")
	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(toSign))
	q.Set("auth_signature", hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest(method, path+"?"+q.Encode(), strings.NewReader(body))
	return req
}

func TestUpLiveness(t *testing.T) {
	reg, _ := apps.NewRegistry([]apps.Application{*testApp()})
	managers := dispatch.NewManagerRegistry(nil)
	d := dispatch.New(managers, nil, "", false, nil)
	router := New(reg, managers, d, logging.New(logging.Config{Level: "error"}))

	req := httptest.NewRequest(http.MethodGet, "/up", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"health":"OK"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestMissingAuthRejected(t *testing.T) {
	reg, _ := apps.NewRegistry([]apps.Application{*testApp()})
	managers := dispatch.NewManagerRegistry(nil)
	d := dispatch.New(managers, nil, "", false, nil)
	router := New(reg, managers, d, logging.New(logging.Config{Level: "error"}))

	req := httptest.NewRequest(http.MethodGet, "/apps/app1/connections", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTriggerEventSignedRequest(t *testing.T) {
	app := testApp()
	reg, _ := apps.NewRegistry([]apps.Application{*app})
	resolved, _ := reg.FindByID("app1")
	managers := dispatch.NewManagerRegistry(nil)
	d := dispatch.New(managers, nil, "", false, nil)
	router := New(reg, managers, d, logging.New(logging.Config{Level: "error"}))

	body := `{"name":"greet","channels":["room-1"],"data":"{\"hi\":1}"}`
	req := signedRequest(t, http.MethodPost, "/apps/app1/events", resolved, body)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTerminateConnectionsUnknownUserIsNoop(t *testing.T) {
	app := testApp()
	reg, _ := apps.NewRegistry([]apps.Application{*app})
	resolved, _ := reg.FindByID("app1")
	managers := dispatch.NewManagerRegistry(nil)
	d := dispatch.New(managers, nil, "", false, nil)
	router := New(reg, managers, d, logging.New(logging.Config{Level: "error"}))

	req := signedRequest(t, http.MethodDelete, "/apps/app1/users/ghost/terminate_connections", resolved, "")
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (idempotent), got %d", rec.Code)
	}
}
