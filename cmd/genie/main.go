// cmd/genie/main.go
//
// Terminal client for Genie. It reads the API location and the credentials of an already signed in user
// from the environment:
//
//	GENIE_API_BASE_URL   API root, defaults to http://localhost:8000
//	GENIE_ACCESS_TOKEN   bearer token of the user
//	GENIE_PROVIDER_TOKEN GitHub token, optional
//	GENIE_USER_ID        id of the user
//
// Logs go to genie.log in the user config directory, since the terminal belongs to the UI.

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/genie-web/internal/services"
	"github.com/MegaGrindStone/genie-web/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
)

const defaultAPIBaseURL = "http://localhost:8000"

func main() {
	userID := os.Getenv("GENIE_USER_ID")
	accessToken := os.Getenv("GENIE_ACCESS_TOKEN")
	if userID == "" || accessToken == "" {
		fmt.Fprintln(os.Stderr, "GENIE_USER_ID and GENIE_ACCESS_TOKEN are required")
		os.Exit(1)
	}

	baseURL := os.Getenv("GENIE_API_BASE_URL")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting user config dir: %v\n", err)
		os.Exit(1)
	}
	logDir := filepath.Join(cfgDir, "genie")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}
	logFile, err := tea.LogToFile(filepath.Join(logDir, "genie.log"), "genie")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewJSONHandler(logFile, nil))

	genie := services.NewGenie(baseURL, &http.Client{}, logger).As(services.Credentials{
		AccessToken:   accessToken,
		ProviderToken: os.Getenv("GENIE_PROVIDER_TOKEN"),
	})

	p := tea.NewProgram(
		tui.New(genie, userID),
		tea.WithAltScreen(),
	)

	if _, err := p.Run(); err != nil {
		logger.Error("TUI stopped", slog.String("err", err.Error()))
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
