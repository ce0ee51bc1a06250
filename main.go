package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leviwheeling/ResearchSync/internal/adapter/voice"
	"github.com/leviwheeling/ResearchSync/internal/config"
	"github.com/leviwheeling/ResearchSync/internal/conversation"
	internalhttp "github.com/leviwheeling/ResearchSync/internal/http"
	"github.com/leviwheeling/ResearchSync/internal/hub"
	"github.com/leviwheeling/ResearchSync/internal/logging"
	"github.com/leviwheeling/ResearchSync/internal/metrics"
	"github.com/leviwheeling/ResearchSync/internal/policy"
	"github.com/leviwheeling/ResearchSync/internal/store"
	"github.com/leviwheeling/ResearchSync/internal/transport/rpc"
	"github.com/leviwheeling/ResearchSync/internal/turn"
	"github.com/leviwheeling/ResearchSync/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voice gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting voice gateway",
		zap.Int("ws_port", cfg.WSPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.String("reasoner", cfg.ReasonerProvider),
		zap.Bool("mock", cfg.Mock()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		recorder conversation.Recorder
		turnLog  internalhttp.TurnLog
	)
	if cfg.DatabaseURL != "" {
		st, err := store.NewSQLiteStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		recorder, turnLog = st, st
	} else {
		logger.Warn("DATABASE_URL is empty, conversations are kept in memory only")
	}

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy, policy.Limits{
		MaxAudioBytes: cfg.MaxAudioBytes,
		MaxTextChars:  cfg.MaxTextChars,
	})
	if err != nil {
		return fmt.Errorf("compile admission policy: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Collaborators
	clients, err := voice.NewClients(ctx, voice.Options{
		Mock:     cfg.Mock(),
		Provider: cfg.ReasonerProvider,
		OpenAI: voice.OpenAIConfig{
			BaseURL:            cfg.OpenAIBaseURL,
			APIKey:             cfg.OpenAIAPIKey,
			AssistantID:        cfg.AssistantID,
			TranscriptionModel: cfg.TranscriptionModel,
			SpeechModel:        cfg.SpeechModel,
			SpeechFormat:       cfg.SpeechFormat,
		},
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiModel:       cfg.GeminiModel,
		GeminiInstruction: cfg.GeminiInstruction,
		GeminiIdleTTL:     cfg.ConversationIdleTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("create voice clients: %w", err)
	}

	orch := turn.New(turn.Options{
		Transcriber:       clients.Transcriber,
		Reasoner:          clients.Reasoner,
		Synthesizer:       clients.Synthesizer,
		Policy:            engine,
		Voice:             cfg.SpeechVoice,
		TranscribeTimeout: cfg.TranscribeTimeout,
		ReasonTimeout:     cfg.ReasonTimeout,
		SynthesizeTimeout: cfg.SynthesizeTimeout,
		Metrics:           m,
		Logger:            logger,
	})
	directory := conversation.NewDirectory(recorder, logger)

	// Initialize hub
	connectionHub := hub.NewHub(ws.SessionOptions(cfg), m, logger)

	// Public server: WebSocket and synchronous chat
	wsServer := ws.NewServer(cfg, connectionHub, orch, directory, m, logger)
	chat := internalhttp.NewChatHandler(orch, directory, internalhttp.ChatOptions{
		MaxUploadBytes: int64(cfg.MaxAudioBytes),
		FallbackFormat: cfg.UploadFormatFallback,
		AudioMIME:      audioMIME(cfg.SpeechFormat),
	}, logger)

	publicEcho := echo.New()
	publicEcho.HideBanner = true
	publicEcho.HidePort = true
	publicEcho.Use(middleware.Logger())
	publicEcho.Use(middleware.Recover())
	publicEcho.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		ExposeHeaders: []string{"X-Transcript", "X-User-Transcript"},
	}))
	publicEcho.GET("/ws", wsServer.HandleWebSocket)
	chat.Register(publicEcho)

	// Internal servers
	httpServer := internalhttp.NewServer(connectionHub, turnLog, reg, logger)
	rpcServer, err := rpc.NewServer(connectionHub, logger)
	if err != nil {
		return fmt.Errorf("create rpc server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		logger.Info("public server listening", zap.String("addr", addr))
		if err := publicEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("internal HTTP server listening", zap.String("addr", addr))
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		logger.Info("RPC server listening", zap.String("addr", addr))
		if err := rpcServer.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		directory.Janitor(gctx, cfg.ConversationIdleTTL/4, cfg.ConversationIdleTTL)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down voice gateway")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := publicEcho.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown public server: %w", err))
		}
		connectionHub.CloseAll()
		if err := connectionHub.Wait(shutdownCtx); err != nil {
			logger.Warn("sessions did not finish in time", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown internal HTTP server: %w", err))
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown rpc server: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("voice gateway stopped with error", zap.Error(err))
		return err
	}
	logger.Info("voice gateway stopped")
	return nil
}

func audioMIME(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}
