package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/api"
	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/display"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/pipeline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OverlayCam server",
	Long: `Start the camera capture, the overlay compositor and the HTTP server.

The server provides the viewer page, the MJPEG composite stream and a REST
and websocket API for the overlay controls.`,
	Example: `  # Start server on default port (8080)
  overlaycam serve

  # Start server on custom port
  overlaycam serve --port 9090

  # Start with specific config file
  overlaycam serve --config /path/to/config.yaml

  # Use the synthetic test pattern instead of a camera
  overlaycam serve --camera pattern

  # Also open a local preview window
  overlaycam serve --preview`,
	RunE: runServe,
}

var (
	serveCamera   string
	serveDevice   string
	servePreview  bool
	serveSizeMode string
)

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveCamera, "camera", "", "camera backend (gst-subprocess, gst, pattern)")
	serveCmd.Flags().StringVar(&serveDevice, "device", "", "camera device (default from config)")
	serveCmd.Flags().BoolVar(&servePreview, "preview", false, "open a local X11 preview window")
	serveCmd.Flags().StringVar(&serveSizeMode, "size-mode", "", "overlay size mode (explicit, viewport)")
}

// loadConfig reads the config file and applies the global flag overrides
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}
	return configMgr, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	cfg := configMgr.Get()
	if serveCamera != "" {
		cfg.Camera.Backend = serveCamera
	}
	if serveDevice != "" {
		cfg.Camera.Device = serveDevice
	}
	if serveSizeMode != "" {
		cfg.Canvas.SizeMode = config.SizeMode(serveSizeMode)
	}
	if servePreview {
		cfg.Display.Preview = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, viper.GetBool("pretty"))
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	var opts []pipeline.Option
	if cfg.Display.Preview {
		opts = append(opts, pipeline.WithOutput(display.NewWindow(cfg.Display.Width, cfg.Display.Height)))
	}

	pipe, err := pipeline.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	defer pipe.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(pipe, cfg.Images.MaxBytes, cfg.AllowedOrigins...)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	pipeDone := make(chan error, 1)
	go func() {
		pipeDone <- pipe.Run(ctx)
	}()

	log.Info().
		Str("viewer", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("stream", fmt.Sprintf("http://localhost:%d/stream", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("OverlayCam is running, press Ctrl+C to stop")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case err := <-pipeDone:
		if err != nil {
			runErr = fmt.Errorf("pipeline error: %w", err)
		}
	}
	stop()

	// closing the pipeline ends the stream and event connections first
	if err := pipe.Close(); err != nil {
		log.Warn().Err(err).Msg("Pipeline close failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown incomplete")
	}
	return runErr
}
