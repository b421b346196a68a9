package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careops/voicedesk/internal/chat"
	"github.com/careops/voicedesk/internal/config"
	"github.com/careops/voicedesk/internal/credential"
	"github.com/careops/voicedesk/internal/dispatch"
	"github.com/careops/voicedesk/internal/events"
	"github.com/careops/voicedesk/internal/httpserver"
	"github.com/careops/voicedesk/internal/rtc"
	"github.com/careops/voicedesk/internal/session"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	broker := credential.NewBroker(cfg.TokenURL)
	dispatcher := dispatch.New(cfg.WebSearchURL, cfg.DocumentSearchURL)
	chatClient := chat.NewClient(cfg.ChatURL)
	negotiator := rtc.NewNegotiator(cfg.RealtimeURL, cfg.RealtimeModel, rtc.NewPipeMicrophone(cfg.MicSource))

	negotiate := func(ctx context.Context, cred credential.Credential, callID string, onEvent func(events.Event)) (session.Conn, error) {
		if cfg.Transport == "websocket" {
			conn, err := rtc.DialWS(ctx, cfg.RealtimeURL, cfg.RealtimeModel, cred, callID, onEvent)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
		conn, err := negotiator.Negotiate(ctx, cred, callID, onEvent)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	factory := func() *session.Session {
		return session.New(broker, negotiate, dispatcher)
	}

	srv := httpserver.New(cfg.APIToken, factory, chatClient)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
