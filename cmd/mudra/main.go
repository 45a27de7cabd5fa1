package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/mudra/internal/app"
	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/logger"
	"github.com/ayusman/mudra/internal/server"
	"github.com/ayusman/mudra/internal/store"
	"github.com/ayusman/mudra/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	headless := flag.Bool("headless", false, "run without the system tray")
	flag.Parse()

	if err := run(*configPath, *headless); err != nil {
		fmt.Fprintf(os.Stderr, "mudra: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, headless bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}

	log, restore, err := logger.Install(cfg.Log)
	if err != nil {
		return err
	}
	defer restore()

	// Initialize the store
	dbPath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	provider := capture.NewOpenCVProvider(log)
	provider.MaxScan = cfg.Camera.MaxScan
	provider.FPS = cfg.Camera.FPS

	application, err := app.New(app.Config{
		Settings: cfg,
		Provider: provider,
		NewModel: modelFactory(cfg, log),
		Store:    st,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}
	defer application.Stop()

	webDir := cfg.FindWebDir()
	if webDir != "" {
		log.Info("serving static files", zap.String("dir", webDir))
	}

	srv := server.New(server.Config{
		StaticDir:     webDir,
		Store:         st,
		Controller:    application,
		Frames:        application,
		Results:       application,
		StreamQuality: cfg.Server.StreamQuality,
		StreamFPS:     cfg.Camera.FPS,
		Logger:        log,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(cfg.Server.Addr)
	}()

	if headless || !cfg.Tray.Enabled {
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
		}
	} else {
		t := tray.New(application, log)
		t.OnSettings(func() {
			openBrowser(settingsURL(cfg.Server.Addr), log)
		})
		go func() {
			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					log.Error("server failed", zap.Error(err))
				}
			}
			t.Quit()
		}()
		// systray needs the main goroutine
		t.Run()
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

// modelFactory returns the MediaPipe model, or a silent mock when configured.
func modelFactory(cfg config.Config, log *zap.Logger) app.ModelFactory {
	return func(kind detector.Kind) detector.Model {
		if cfg.Detection.Mock {
			log.Warn("using mock detection model")
			return detector.NewMockModel(kind)
		}
		return detector.NewMediaPipeModel(kind, detector.MediaPipeConfig{
			Script:          cfg.Detection.Script,
			Python:          cfg.Detection.Python,
			IdleTimeout:     cfg.Detection.IdleTimeout,
			StartTimeout:    cfg.Detection.StartTimeout,
			ResponseTimeout: cfg.Detection.ResponseTimeout,
		}, log)
	}
}

func settingsURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func openBrowser(url string, log *zap.Logger) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Warn("failed to open browser", zap.String("url", url), zap.Error(err))
	}
}
