package main

import (
	"net/http/httptest"
	"testing"

	svc "github.com/mani-agah/assessment/services"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins string
		requestOrigin  string
		expected       bool
	}{
		{"exact match", "http://localhost,https://panel.example.ir", "http://localhost", true},
		{"second in list", "http://localhost,https://panel.example.ir", "https://panel.example.ir", true},
		{"unknown origin", "http://localhost,https://panel.example.ir", "http://malicious.com", false},
		{"nothing configured denies all", "", "http://localhost", false},
		{"whitespace in config", "http://localhost , https://panel.example.ir", "https://panel.example.ir", true},
		{"port must match", "http://localhost:3000", "http://localhost:8080", false},
		{"missing origin header", "http://localhost:3000", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			viper.Set("websocket.allowed_origins", tt.allowedOrigins)

			req := httptest.NewRequest("GET", "/api/v1/admin/events", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			result := svc.CheckOrigin(req, viper.GetString("websocket.allowed_origins"))
			assert.Equal(t, tt.expected, result)
		})
	}
}
