package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/logging"
	"github.com/joeblew999/plat-mapview/internal/server"
)

// Options defines all CLI flags and env vars for the map viewer.
// Flags: --host, --port, --data-dir, --backend-url, --basemaps, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, SERVICE_BACKEND_URL, ...
type Options struct {
	Host            string `doc:"Host to bind to" default:"0.0.0.0"`
	Port            int    `doc:"Port to listen on" short:"p" default:"8086"`
	DataDir         string `doc:"Directory for map documents and tiles" default:".data"`
	BackendURL      string `doc:"Map definition API root; empty serves the local catalog"`
	Basemaps        string `doc:"YAML file with extra basemaps, reloaded on change"`
	DefaultBasemap  string `doc:"Basemap selected for new sessions" default:"carto"`
	Templates       string `doc:"Directory overriding the embedded templates"`
	LogFile         string `doc:"Rotating JSON log file"`
	LogMaxSize      int    `doc:"Log file size in MB before it is rotated" default:"10"`
	LogMaxBackups   int    `doc:"Rotated log files to keep, 0 keeps all" default:"3"`
	Debug           bool   `doc:"Debug logging in text format"`
	ExtensionBudget string `doc:"How long layers wait for rendering extensions" default:"5s"`
	VerifyLegends   bool   `doc:"Fetch legend images before showing them"`
	MVTFillScale    int    `doc:"Vector tile fill opacity as a percent of the layer opacity" default:"50"`
	MVTFillFloor    int    `doc:"Lowest vector tile fill opacity, in percent" default:"30"`
	MVTStrokeFloor  int    `doc:"Lowest vector tile stroke opacity, in percent" default:"70"`
}

func serverConfig(opts *Options) (server.Config, error) {
	budget, err := time.ParseDuration(opts.ExtensionBudget)
	if err != nil {
		return server.Config{}, fmt.Errorf("extension budget: %w", err)
	}
	floors, err := mvtFloors(opts)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Host:            opts.Host,
		Port:            fmt.Sprintf("%d", opts.Port),
		DataDir:         opts.DataDir,
		BackendURL:      opts.BackendURL,
		Basemaps:        opts.Basemaps,
		DefaultBasemap:  opts.DefaultBasemap,
		TemplatesDir:    opts.Templates,
		ExtensionBudget: budget,
		VerifyLegends:   opts.VerifyLegends,
		Floors:          floors,
	}, nil
}

// mvtFloors converts the percent flags into opacity floors.
func mvtFloors(opts *Options) (*adapter.Floors, error) {
	for name, pct := range map[string]int{
		"mvt-fill-scale":   opts.MVTFillScale,
		"mvt-fill-floor":   opts.MVTFillFloor,
		"mvt-stroke-floor": opts.MVTStrokeFloor,
	} {
		if pct < 0 || pct > 100 {
			return nil, fmt.Errorf("%s: %d is outside 0-100", name, pct)
		}
	}
	return &adapter.Floors{
		FillScale: float64(opts.MVTFillScale) / 100,
		Fill:      float64(opts.MVTFillFloor) / 100,
		Stroke:    float64(opts.MVTStrokeFloor) / 100,
	}, nil
}

func newServer(opts *Options) (*server.Server, error) {
	cfg, err := serverConfig(opts)
	if err != nil {
		return nil, err
	}
	return server.New(cfg)
}

func loggingConfig(opts *Options) logging.Config {
	return logging.Config{
		Debug:      opts.Debug,
		File:       opts.LogFile,
		MaxSizeMB:  opts.LogMaxSize,
		MaxBackups: opts.LogMaxBackups,
	}
}

func setupLogging(opts *Options) func() {
	cleanup, err := logging.Setup(loggingConfig(opts))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	return cleanup
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		var httpServer *http.Server
		var srv *server.Server
		var cleanup func()

		hooks.OnStart(func() {
			cleanup = setupLogging(opts)
			defer cleanup()

			var err error
			srv, err = newServer(opts)
			if err != nil {
				fatal("starting server", err)
			}
			defer srv.Close()

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("plat-mapview server starting...\n")
			fmt.Printf("  Server:  %s\n", baseURL)
			fmt.Printf("  Data:    %s\n", opts.DataDir)
			fmt.Println()
			fmt.Printf("  Viewer:  %s/viewer\n", baseURL)
			fmt.Printf("  Docs:    %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
			fmt.Println()

			httpServer = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fatal("server error", err)
			}
		})

		hooks.OnStop(func() {
			if httpServer == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		})
	})

	cli.Root().Use = "mapview"
	cli.Root().Short = "Compose map layers from map definitions onto a live map"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			srv, err := newServer(opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer srv.Close()
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling spec: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// compose subcommand: load a map and print what ends up on it
	composeCmd := &cobra.Command{
		Use:   "compose MAP_ID",
		Short: "Load a map and print the composed overlays in paint order",
		Args:  cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			cleanup := setupLogging(opts)
			defer cleanup()

			srv, err := newServer(opts)
			if err != nil {
				fatal("creating server", err)
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			s := srv.Sessions().Create("")
			if err := s.Load(ctx, args[0]); err != nil {
				fatal("loading map", err)
			}
			s.Settle()

			v := s.View()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(v); err != nil {
					fatal("encoding view", err)
				}
				return
			}

			fmt.Printf("%s (%s)  center %.4f,%.4f  zoom %d  basemap %s\n\n",
				v.Map.Name, v.MapID, v.Center.Lat, v.Center.Lng, v.Zoom, v.Basemap)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tOVERLAY\tKIND\tGROUP Z\tZ\tOPACITY")
			for i, o := range v.Overlays {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%.2f\n", i, o.ID, o.Kind, o.GroupZIndex, o.ZIndex, o.Opacity)
			}
			tw.Flush()

			fmt.Println()
			for _, g := range v.Groups {
				for _, l := range g.Layers {
					state := "hidden"
					if l.Visible {
						state = "visible"
					}
					fmt.Printf("  %-12s %-8s %-8s %s\n", l.Key, l.Badge, state, l.Adapter)
				}
			}
		}),
	}
	composeCmd.Flags().Bool("json", false, "Print the session view as JSON")
	composeCmd.Flags().Duration("timeout", 30*time.Second, "Give up loading after this long")
	cli.Root().AddCommand(composeCmd)

	cli.Run()
}
