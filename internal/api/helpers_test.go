package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/maproom/internal/bus"
	"github.com/npezzotti/maproom/internal/config"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/server"
	"github.com/npezzotti/maproom/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type published struct {
	code    string
	kind    bus.Kind
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(ctx context.Context, code string, kind bus.Kind, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{code: code, kind: kind, payload: payload})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type testApp struct {
	*MapRoomApp
	repo    *database.MockMapRoomRepository
	pub     *recordingPublisher
	trigger *server.Trigger
}

func newTestApp(t *testing.T, gw *server.Gateway) *testApp {
	t.Helper()

	repo := &database.MockMapRoomRepository{}
	pub := &recordingPublisher{}
	logger := testutil.TestLogger(t)
	trigger := server.NewTrigger(logger, repo, pub, 0)
	t.Cleanup(trigger.Close)

	app := NewMapRoomApp(http.NewServeMux(), logger, gw, trigger, repo, &config.Config{
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	t.Cleanup(func() { repo.AssertExpectations(t) })

	return &testApp{MapRoomApp: app, repo: repo, pub: pub, trigger: trigger}
}

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func tokenFor(t *testing.T, userId int) string {
	return signToken(t, testSigningKey, jwt.MapClaims{userIdClaim: userId})
}

// do sends a request through the full handler chain, authenticated as
// userId when userId is positive.
func (a *testApp) do(t *testing.T, method, target string, body any, userId int) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userId > 0 {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userId))
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}
