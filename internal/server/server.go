package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/api"
	"github.com/joeblew999/plat-mapview/internal/api/panel"
	"github.com/joeblew999/plat-mapview/internal/backend"
	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/catalog"
	"github.com/joeblew999/plat-mapview/internal/humastar"
	"github.com/joeblew999/plat-mapview/internal/legend"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/templates"
	"github.com/joeblew999/plat-mapview/internal/viewer"
)

// Config holds the server configuration.
type Config struct {
	Host    string
	Port    string
	DataDir string
	// BackendURL is the map definition API root. Empty serves maps from the
	// local catalog in <DataDir>/maps.
	BackendURL string
	// Basemaps is an optional YAML file extending the built-in basemaps. It is
	// reloaded when it changes.
	Basemaps       string
	DefaultBasemap string
	// TemplatesDir overrides the embedded templates, for template development.
	TemplatesDir    string
	ExtensionBudget time.Duration
	// VerifyLegends fetches legend images before showing them.
	VerifyLegends bool
	// Floors overrides the vector tile opacity floors. Nil uses
	// adapter.DefaultFloors.
	Floors *adapter.Floors
	Logger *slog.Logger
}

// Server is the map viewer HTTP server.
type Server struct {
	config   Config
	mux      *http.ServeMux
	humaAPI  huma.API
	log      *slog.Logger
	catalog  *catalog.Catalog
	basemaps *basemap.Catalog
	sessions *viewer.Registry
	renderer *templates.Renderer
	cancel   context.CancelFunc
}

// New creates a new map viewer server.
func New(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	renderer, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.New(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}
	if err := cat.Seed(); err != nil {
		log.Warn("seeding map catalog", "dir", cat.Dir(), "error", err)
	}

	bms := basemap.NewCatalog()
	if cfg.Basemaps != "" {
		if err := bms.LoadFile(cfg.Basemaps); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultBasemap != "" && !bms.Has(cfg.DefaultBasemap) {
		return nil, fmt.Errorf("default basemap %q: %w", cfg.DefaultBasemap, basemap.ErrUnknown)
	}

	var loader viewer.Loader = cat
	if cfg.BackendURL != "" {
		loader = backend.New(cfg.BackendURL, nil, log)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	sessions := viewer.NewRegistry(viewer.Config{
		Loader:         loader,
		Basemaps:       bms,
		DefaultBasemap: cfg.DefaultBasemap,
		Legends:        legend.NewResolver(client, cfg.VerifyLegends, log),
		Client:         client,
		Budget:         cfg.ExtensionBudget,
		Floors:         cfg.Floors,
		Logger:         log,
	})

	mux := http.NewServeMux()
	links := humastar.NewLinks()

	// Create Huma API with humago (pure stdlib) adapter
	humaConfig := huma.DefaultConfig("plat-mapview API", api.Version)
	humaConfig.Info.Description = "Map viewer API: sessions compose layers from map definitions onto a live map."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, links.Transformer())

	humaAPI := humago.New(mux, humaConfig)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		mux:      mux,
		humaAPI:  humaAPI,
		log:      log.With("component", "server"),
		catalog:  cat,
		basemaps: bms,
		sessions: sessions,
		renderer: renderer,
		cancel:   cancel,
	}

	s.routes()
	links.Build(humaAPI, "panel")

	if cfg.Basemaps != "" {
		if err := bms.Watch(ctx, cfg.Basemaps, log, nil); err != nil {
			s.log.Warn("basemap file not watched", "file", cfg.Basemaps, "error", err)
		}
	}
	return s, nil
}

func loadTemplates(dir string) (*templates.Renderer, error) {
	if dir == "" {
		return templates.New()
	}
	return templates.NewDir(dir)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenAPI returns the API description.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Sessions returns the viewer session registry.
func (s *Server) Sessions() *viewer.Registry {
	return s.sessions
}

// Close stops watchers and closes every session.
func (s *Server) Close() error {
	s.cancel()
	s.sessions.Close()
	return nil
}

func (s *Server) routes() {
	// REST routes: every Register* method of the handler
	huma.AutoRegister(s.humaAPI, api.NewHandler(s.sessions, s.catalog))

	backendURL := s.config.BackendURL
	if backendURL == "" {
		backendURL = "local catalog (" + s.catalog.Dir() + ")"
	}
	api.NewInfoHandler(s.config.DataDir, backendURL, s.sessions).RegisterRoutes(s.humaAPI)

	// Layer control panel (Datastar SSE)
	panel.NewHandler(s.sessions, s.renderer, s.log).RegisterRoutes(s.humaAPI)

	// Local .pmtiles archives for vector tile layers
	tilesDir := filepath.Join(s.config.DataDir, "tiles")
	s.mux.Handle("/tiles/", http.StripPrefix("/tiles/", s.handleTiles(tilesDir)))

	s.mux.HandleFunc("/viewer", s.handleViewer)
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	target := "/viewer"
	if q := r.URL.RawQuery; q != "" {
		target += "?" + q
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleViewer opens a session and serves the page mirroring it. The map
// query parameter selects the first map.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mapID := r.URL.Query().Get("map")
	sess := s.sessions.Create(mapID)

	html, err := s.renderer.Render("viewer", map[string]any{
		"Title":   "Map viewer",
		"Session": sess.ID(),
		"Center":  mapdef.DefaultCenter,
		"Zoom":    mapdef.DefaultZoom,
	})
	if err != nil {
		s.log.Error("rendering viewer page", "error", err)
		_ = s.sessions.Delete(sess.ID())
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(html))
}

func (s *Server) handleTiles(tilesDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		http.FileServer(http.Dir(tilesDir)).ServeHTTP(w, r)
	})
}
