package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

//go:embed web/*
var webAssets embed.FS

// basePath is the normalised mount point of the web UI: empty for the root,
// otherwise a path with a leading slash and no trailing slash.
type basePath string

func normalizeBasePath(value string) basePath {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "/" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return basePath(strings.TrimRight(trimmed, "/"))
}

func (b basePath) route(suffix string) string {
	if b == "" {
		return suffix
	}
	if suffix == "/" {
		return string(b) + "/"
	}
	return string(b) + suffix
}

func (b basePath) home() string {
	return b.route("/")
}

func (b basePath) cookie() string {
	return b.home()
}

type sessionDialer func(ctx context.Context, cfg sessionConfig, newDecoder decoderFactory, sink audioSink, cb sessionCallbacks) (*mumbleSession, error)

type appServer struct {
	cfg      Config
	paths    basePath
	static   http.Handler
	indexT   *template.Template
	gate     authGate
	wsToken  websocketToken
	upgrader websocket.Upgrader

	fixedEnabled bool
	fixedHost    string
	fixedPort    int

	dial       sessionDialer
	decoderFor func(sessionConfig) decoderFactory
}

func newAppServer(ctx context.Context, cfg Config) (*appServer, error) {
	paths := normalizeBasePath(cfg.HTTP.BasePath)

	gate, err := newAuthGate(ctx, cfg.Auth, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	subFS, err := fs.Sub(webAssets, "web")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded web assets: %w", err)
	}
	indexRaw, err := fs.ReadFile(subFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read index.html: %w", err)
	}
	indexTemplate, err := template.New("index").Parse(string(indexRaw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse index template: %w", err)
	}

	app := &appServer{
		cfg:     cfg,
		paths:   paths,
		static:  http.FileServer(http.FS(subFS)),
		indexT:  indexTemplate,
		gate:    gate,
		wsToken: websocketToken(strings.TrimSpace(cfg.HTTP.WSToken)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Keep this permissive so reverse proxy and custom host routing keep working.
				return true
			},
		},
		dial:       dialSession,
		decoderFor: func(cfg sessionConfig) decoderFactory {
			return newDecoderFactory(cfg.Codec, cfg.CELTLibPath, cfg.OpusLibPath)
		},
	}

	if cfg.Server.Fixed {
		host, port, err := parseServerAddress(cfg.Server.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid fixed server: %w", err)
		}
		app.fixedEnabled = true
		app.fixedHost = host
		app.fixedPort = port
	}
	return app, nil
}

func (a *appServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	mount := func(r chi.Router) {
		r.Get("/auth/check", a.gate.check)
		r.Get("/auth/logout", a.gate.logout)
		a.gate.mount(r)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/ws", a.handleWS)
		r.Get("/*", a.handleStatic)
	}

	if a.paths == "" {
		mount(r)
		return r
	}

	r.Route(string(a.paths), mount)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		redirectWithQuery(w, r, a.paths.home())
	})
	return r
}

func (a *appServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if a.paths != "" && r.URL.Path == string(a.paths) {
		redirectWithQuery(w, r, a.paths.home())
		return
	}
	if !a.gate.authorize(w, r, false) {
		return
	}

	relPath := strings.TrimPrefix(r.URL.Path, string(a.paths))
	if relPath == "" {
		relPath = "/"
	}
	if relPath == "/" || relPath == "/index.html" {
		a.serveIndex(w)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = relPath
	a.static.ServeHTTP(w, r2)
}

func (a *appServer) serveIndex(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	data := struct {
		BasePath        string
		FixedServer     bool
		FixedAddress    string
		WSTokenRequired bool
		AuthMode        string
		Username        string
		Codec           string
	}{
		BasePath:        string(a.paths),
		FixedServer:     a.fixedEnabled,
		FixedAddress:    a.fixedAddress(),
		WSTokenRequired: a.wsToken != "",
		AuthMode:        string(a.gate.mode()),
		Username:        a.cfg.Server.Username,
		Codec:           a.cfg.Client.Codec,
	}
	if err := a.indexT.Execute(w, data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

func (a *appServer) fixedAddress() string {
	if !a.fixedEnabled {
		return ""
	}
	return sessionConfig{Host: a.fixedHost, Port: a.fixedPort}.address()
}

// serve runs the HTTP server until ctx is cancelled.
func (a *appServer) serve(ctx context.Context, listen string) error {
	server := &http.Server{
		Addr:              listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Mumble PWA client listening on http://0.0.0.0%s%s", listen, a.paths.home())
	if a.fixedEnabled {
		log.Infof("Fixed server target is enabled: %s", a.fixedAddress())
	}
	if a.wsToken != "" {
		log.Info("WebSocket token authentication is enabled")
	}
	switch g := a.gate.(type) {
	case *basicGate:
		log.Info("HTTP Basic authentication is enabled")
	case *oidcGate:
		log.Infof("OIDC authentication is enabled (issuer=%s)", g.issuer)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func redirectWithQuery(w http.ResponseWriter, r *http.Request, target string) {
	query := strings.TrimSpace(r.URL.RawQuery)
	if query != "" {
		if strings.Contains(target, "?") {
			target += "&" + query
		} else {
			target += "?" + query
		}
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
