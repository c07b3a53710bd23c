package config

import "os"

type Config struct {
	RealtimeURL string
	APIBaseURL  string
	AuthToken   string
	RoomCode    string
	LogLevel    string
}

func Load() *Config {
	return &Config{
		RealtimeURL: getEnv("REALTIME_URL", "ws://localhost:8080/ws"),
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8080"),
		AuthToken:   getEnv("AUTH_TOKEN", ""),
		RoomCode:    getEnv("ROOM_CODE", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
