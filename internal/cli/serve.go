package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/empath/backend/internal/handler"
	"github.com/zhouzirui/empath/backend/internal/handler/realtime"
	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

// NewServeCmd runs the HTTP and websocket server until the context is cancelled.
func NewServeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := deps.Config

			exporter, err := telemetry.ParseExporter(cfg.Telemetry.Exporter)
			if err != nil {
				return err
			}
			shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
				Environment: cfg.Telemetry.Environment,
				Exporter:    exporter,
				SampleRatio: cfg.Telemetry.SampleRatio,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					log.Printf("telemetry shutdown: %v", err)
				}
			}()

			svc, err := buildServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.sessions.Close()

			routerDeps := handler.Deps{
				Sessions:  svc.sessions,
				Frames:    svc.frames,
				Responder: svc.responder,
				Realtime: realtime.Options{
					SampleInterval: cfg.Affect.SampleInterval,
					CaptureTimeout: cfg.Affect.CaptureTimeout,
					Voice:          cfg.Speech.TTSVoice,
				},
				FacialReady:   svc.facial != nil,
				ComposerReady: svc.composer != nil,
			}
			if svc.speech != nil {
				routerDeps.Speech = svc.speech
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler.NewRouter(routerDeps),
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			log.Printf("empath backend listening on %s", srv.Addr)
			return runServer(ctx, srv)
		},
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
