package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/foliumscope/internal/client"
	"github.com/Brownie44l1/foliumscope/internal/config"
	"github.com/Brownie44l1/foliumscope/internal/domain"
	"github.com/Brownie44l1/foliumscope/internal/handlers"
	"github.com/Brownie44l1/foliumscope/internal/logging"
	"github.com/Brownie44l1/foliumscope/internal/metrics"
	"github.com/Brownie44l1/foliumscope/internal/model"
	"github.com/Brownie44l1/foliumscope/internal/predict"
	"github.com/Brownie44l1/foliumscope/internal/preprocess"
	"github.com/Brownie44l1/foliumscope/internal/storage"
)

const serviceName = "foliumscope"

func main() {
	app := cli.NewApp()
	app.Name = serviceName
	app.Usage = "leaf disease classifier"
	app.Commands = []*cli.Command{
		serveCmd,
		predictCmd,
		classifyCmd,
	}
	app.Action = serve

	app.RunAndExitOnError()
}

var serveCmd = &cli.Command{
	Name:   "serve",
	Usage:  "run the web server",
	Action: serve,
}

var predictCmd = &cli.Command{
	Name:      "predict",
	Usage:     "classify a local image with the configured model",
	ArgsUsage: "<image>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.Exit("usage: predict <image>", 2)
		}
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		engine, err := loadModel(cfg, logger)
		if err != nil {
			return err
		}
		defer closeModel(engine, logger)

		path := cctx.Args().First()
		info, err := preprocess.Verify(path)
		if err != nil {
			return err
		}
		img, err := preprocess.Decode(path)
		if err != nil {
			return err
		}

		service := predict.NewService(engine, cfg.Model.Resample, nil)
		prediction, err := service.PredictImage(cctx.Context, img)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s (%.2f%%) [%s %dx%d]\n", path, prediction.Class, prediction.Confidence,
			info.Format, info.Width, info.Height)
		return nil
	},
}

var classifyCmd = &cli.Command{
	Name:      "classify",
	Usage:     "send an image to a running server",
	ArgsUsage: "<image>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Value:   "http://localhost:8080",
			EnvVars: []string{"FOLIUMSCOPE_SERVER"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.Exit("usage: classify --server URL <image>", 2)
		}
		c := client.New(cctx.String("server"))
		c.HTTPClient.Timeout = cctx.Duration("timeout")

		prediction, err := c.ClassifyFile(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(prediction, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func setup() (config.Config, *slog.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewJSONLogger(serviceName, cfg.Log.Level)
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("ignoring unreadable .env", "error", envErr)
	}
	return cfg, logger, nil
}

// loadModel reads the model metadata and opens the configured engine.
func loadModel(cfg config.Config, logger *slog.Logger) (model.Engine, error) {
	defaults := model.Spec{
		Engine:    cfg.Model.Engine,
		Classes:   domain.ClassNames,
		ImageSize: cfg.Model.ImageSize,
		Layout:    preprocess.Layout(cfg.Model.Layout),
	}
	spec, err := model.LoadSpec(cfg.Model.Path, cfg.Model.MetadataPath, defaults)
	if err != nil {
		return nil, err
	}

	logger.Info("loading model", "path", spec.ModelPath, "engine", cfg.Model.Engine)
	engine, err := model.Open(spec, model.Options{
		Engine:         cfg.Model.Engine,
		LibraryPath:    cfg.Model.ORTLibraryPath,
		IntraOpThreads: cfg.Model.Threads,
	})
	if err != nil {
		return nil, err
	}

	loaded := engine.Spec()
	logger.Info("model loaded",
		"engine", loaded.Engine,
		"input", loaded.InputName,
		"input_shape", loaded.InputShape,
		"output", loaded.OutputName,
		"classes", loaded.Classes,
	)
	return engine, nil
}

func closeModel(engine model.Engine, logger *slog.Logger) {
	if engine != nil {
		if err := engine.Close(); err != nil {
			logger.Warn("close model", "error", err)
		}
	}
	if err := model.Shutdown(); err != nil {
		logger.Warn("shutdown onnx runtime", "error", err)
	}
}

func serve(cctx *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	var m *metrics.HTTPServerMetrics
	if cfg.Metrics.Enabled {
		m = metrics.NewHTTPServerMetrics(serviceName)
	}

	engine, err := loadModel(cfg, logger)
	if err != nil {
		if cfg.Model.Required {
			return fmt.Errorf("load model: %w", err)
		}
		logger.Error("model failed to load, serving without it", "error", err)
		engine = nil
	}
	defer closeModel(engine, logger)
	if m != nil {
		m.SetModelLoaded(engine != nil)
	}

	scratch, err := storage.New(cfg.Uploads.Dir, cfg.Uploads.TimestampPrefix)
	if err != nil {
		return err
	}

	var observer predict.Observer
	if m != nil {
		observer = m
	}
	service := predict.NewService(engine, cfg.Model.Resample, observer)
	handler := handlers.NewHandler(cfg, service, scratch, logger, m)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server started",
			"addr", cfg.Addr(),
			"mode", cfg.Mode,
			"model_loaded", service.Ready(),
			"upload_dir", scratch.Dir(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}
