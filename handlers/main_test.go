package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"msgboard/board"
	"msgboard/config"
	"msgboard/database"
	"msgboard/media"
	"msgboard/moderation"
	"msgboard/session"
	"msgboard/utils"
)

const testModPassword = "hunter2"

// MockApplication holds dependencies for handler tests.
type MockApplication struct {
	db       *database.DatabaseService
	board    *board.Service
	sessions session.Store
	cfg      *config.Config
	logger   *slog.Logger
}

func (a *MockApplication) DB() *database.DatabaseService { return a.db }
func (a *MockApplication) Board() *board.Service         { return a.board }
func (a *MockApplication) Sessions() session.Store       { return a.sessions }
func (a *MockApplication) Config() *config.Config        { return a.cfg }
func (a *MockApplication) Logger() *slog.Logger          { return a.logger }

// setupTestApp creates a full application stack with a test database for integration testing.
func setupTestApp(t *testing.T, mutate ...func(*config.Config)) *MockApplication {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := t.TempDir()

	hash, err := bcrypt.GenerateFromPassword([]byte(testModPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "test.db")
	cfg.BackupDir = filepath.Join(dir, "backups")
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.ModPasswordHash = string(hash)
	cfg.ThreadsPerPage = 2
	cfg.MaxUploadSize = 1 << 20
	for _, m := range mutate {
		m(cfg)
	}

	db, err := database.InitDB(database.DSN(cfg.DBPath, cfg.BusyTimeout), logger)
	require.NoError(t, err)
	db.BackupDir = cfg.BackupDir

	storage, err := media.NewLocalStorage(cfg.UploadDir)
	require.NoError(t, err)

	svc := board.NewService(db, media.NewGate(storage, cfg.MaxUploadSize, logger), board.Options{
		ThreadsPerPage: cfg.ThreadsPerPage,
		RepliesPerPage: cfg.RepliesPerPage,
		PreviewReplies: cfg.PreviewReplies,
		Policy:         moderation.Policy{LockBypassForModerators: cfg.LockBypassForModerators},
	}, board.NewMetrics(prometheus.NewRegistry()), logger)

	ctx, cancel := context.WithCancel(context.Background())
	app := &MockApplication{
		db:       db,
		board:    svc,
		sessions: session.NewMemoryStore(ctx, 0),
		cfg:      cfg,
		logger:   logger,
	}

	utils.IPSalt = "test-salt"
	t.Cleanup(func() {
		cancel()
		app.db.Close()
		utils.IPSalt = ""
	})
	return app
}

// testClient is a browser-like client: it keeps cookies and the session's CSRF token.
type testClient struct {
	t      *testing.T
	http   *http.Client
	base   string
	token  string
	header http.Header
}

func newTestClient(t *testing.T, server *httptest.Server) *testClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &testClient{t: t, http: &http.Client{Jar: jar}, base: server.URL, header: http.Header{}}

	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	resp := c.do(http.MethodGet, "/session", nil, "")
	decode(t, resp, &body)
	require.NotEmpty(t, body.CSRFToken)
	c.token = body.CSRFToken
	return c
}

func (c *testClient) do(method, path string, body io.Reader, contentType string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *testClient) get(path string) *http.Response {
	return c.do(http.MethodGet, path, nil, "")
}

// postForm submits a urlencoded form carrying the client's CSRF token.
func (c *testClient) postForm(path string, values url.Values) *http.Response {
	if values == nil {
		values = url.Values{}
	}
	if values.Get("csrf_token") == "" {
		values.Set("csrf_token", c.token)
	}
	return c.do(http.MethodPost, path, strings.NewReader(values.Encode()), "application/x-www-form-urlencoded")
}

// login makes the client a moderator and adopts the rotated token.
func (c *testClient) login() {
	c.t.Helper()
	resp := c.postForm("/mod/login", url.Values{"password": {testModPassword}})
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	decode(c.t, resp, &body)
	c.token = body.CSRFToken
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func startServer(t *testing.T, app *MockApplication) *httptest.Server {
	server := httptest.NewServer(SetupRouter(app))
	t.Cleanup(server.Close)
	return server
}
