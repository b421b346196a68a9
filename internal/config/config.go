package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress       string
	TokenURL          string
	RealtimeURL       string
	RealtimeModel     string
	ChatURL           string
	WebSearchURL      string
	DocumentSearchURL string
	APIToken          string
	MicSource         string
	Transport         string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	tokenURL := os.Getenv("TOKEN_URL")
	if tokenURL == "" {
		log.Println("Warning: TOKEN_URL not set - voice sessions will not start")
	}

	realtimeURL := os.Getenv("REALTIME_URL")
	if realtimeURL == "" {
		log.Println("Warning: REALTIME_URL not set - voice sessions will not start")
	}

	realtimeModel := os.Getenv("REALTIME_MODEL")
	if realtimeModel == "" {
		realtimeModel = "gpt-4o-realtime-preview-2024-12-17"
	}

	chatURL := os.Getenv("CHAT_URL")
	if chatURL == "" {
		log.Println("Warning: CHAT_URL not set - text chat will not work")
	}

	webSearchURL := os.Getenv("WEB_SEARCH_URL")
	documentSearchURL := os.Getenv("DOCUMENT_SEARCH_URL")
	if webSearchURL == "" || documentSearchURL == "" {
		log.Println("Warning: search endpoints not fully set - function calls will fail")
	}

	apiToken := os.Getenv("API_TOKEN")
	if apiToken == "" {
		log.Println("Warning: API_TOKEN not set - operator API is unauthenticated")
	}

	micSource := os.Getenv("MIC_SOURCE")
	if micSource == "" {
		log.Println("Warning: MIC_SOURCE not set - microphone capture is disabled")
	}

	transport := os.Getenv("REALTIME_TRANSPORT")
	if transport == "" {
		transport = "webrtc"
	}

	log.Printf("config: HTTP_ADDRESS=%s transport=%s", addr, transport)
	return Config{
		HTTPAddress:       addr,
		TokenURL:          tokenURL,
		RealtimeURL:       realtimeURL,
		RealtimeModel:     realtimeModel,
		ChatURL:           chatURL,
		WebSearchURL:      webSearchURL,
		DocumentSearchURL: documentSearchURL,
		APIToken:          apiToken,
		MicSource:         micSource,
		Transport:         transport,
	}
}
