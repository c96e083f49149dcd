// Package cmd routes the quill binary's subcommands.
//
// Following the pattern used by kubectl, hugo, and other standard Go CLI
// tools, all application logic lives here and main.go stays a minimal
// entry point.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/quillchat/quill/internal/log"
)

// Version information (injected at build time via ldflags).
// These variables are set by the build system and should not be modified directly.
var (
	AppVersion = "0.0.1"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point for the quill server binary.
// It handles command routing and is called from main().
func Execute() error {
	// Handle special commands before full initialization so that
	// version and help work even when the config is invalid.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			return printVersionInfo(os.Stdout)
		case "help", "--help", "-h":
			printHelp(os.Stdout)
			return nil
		case "migrate":
			return runMigrate(initLogger())
		case "serve":
			return runServe(initLogger())
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
			printHelp(os.Stderr)
			return fmt.Errorf("unknown command %q", os.Args[1])
		}
	}

	// Serving is the default behavior.
	return runServe(initLogger())
}

// initLogger builds the structured logger shared by all subcommands.
//
// Log level is controlled by the DEBUG environment variable:
//   - DEBUG set (any value): debug level logging
//   - DEBUG not set: info level logging
//
// Output format follows QUILL_LOG_FORMAT ("json" for JSON lines, anything
// else for text). Logs go to stderr.
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("QUILL_LOG_FORMAT") == "json" {
		cfg.JSON = true
	}

	logger := log.New(cfg)
	slog.SetDefault(logger)
	return logger
}

// printVersionInfo displays version information.
// This is called for the version command and --version flags.
func printVersionInfo(w io.Writer) error {
	fmt.Fprintf(w, "Quill v%s\n", AppVersion)
	fmt.Fprintf(w, "Build: %s\n", BuildTime)
	fmt.Fprintf(w, "Commit: %s\n", GitCommit)
	return nil
}

// printHelp displays the help message for the quill binary.
func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Quill - AI chat backend with streaming tool orchestration")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  quill              Start the HTTP API server (default)")
	fmt.Fprintln(w, "  quill serve        Start the HTTP API server")
	fmt.Fprintln(w, "  quill migrate      Apply database migrations and exit")
	fmt.Fprintln(w, "  quill version      Show version information")
	fmt.Fprintln(w, "  quill help         Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  GEMINI_API_KEY       Required: Gemini API key for hosted models")
	fmt.Fprintln(w, "  HMAC_SECRET          Required: identity cookie signing secret (32+ bytes)")
	fmt.Fprintln(w, "  DATABASE_URL         Optional: overrides postgres_* config values")
	fmt.Fprintln(w, "  QUILL_LISTEN_ADDR    Optional: listen address (default :8080)")
	fmt.Fprintln(w, "  QUILL_LOG_FORMAT     Optional: \"json\" for JSON logs")
	fmt.Fprintln(w, "  DEBUG                Optional: enable debug logging")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration is read from ~/.quill/config.yaml or ./config.yaml;")
	fmt.Fprintln(w, "environment variables take priority.")
}

// checkRequiredEnv verifies the environment variables the server cannot run
// without. Returns a user-friendly error with setup instructions on failure.
func checkRequiredEnv() error {
	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Quill requires a Gemini API key for its hosted models.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "To set your API key:")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Get your API key at: https://ai.google.dev/")

		return fmt.Errorf("GEMINI_API_KEY not set")
	}
	return nil
}
