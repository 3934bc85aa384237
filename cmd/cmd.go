// Package cmd provides the quarry CLI commands.
//
// Commands:
//   - worker: run ingestion workers consuming the upload queue
//   - upload: submit files to a project's knowledge base
//   - status: query upload pipeline state
//   - search: semantic search over indexed chunks
//   - newchat / ask: converse over the knowledge base
//   - migrate: apply database migrations and exit
//
// Signal handling and graceful shutdown are implemented for all
// long-running commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/quarryio/quarry/internal/log"
)

// Execute is the main entry point for the quarry CLI.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "worker":
		return runWorker(os.Args[2:])
	case "upload":
		return runUpload(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "search":
		return runSearch(os.Args[2:])
	case "newchat":
		return runNewChat(os.Args[2:])
	case "ask":
		return runAsk(os.Args[2:])
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// newLogger builds the process logger. DEBUG in the environment switches
// on debug-level output.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}

// parseID parses a positive integer id argument.
func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid %s: %q", what, arg)
	}
	return id, nil
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Quarry - document knowledge base with retrieval-augmented chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  quarry worker                     Run ingestion workers")
	fmt.Println("  quarry upload <project> <file...> Upload files to a project")
	fmt.Println("  quarry status <upload-id...>      Show upload pipeline state")
	fmt.Println("  quarry search <project> <query>   Semantic search over chunks")
	fmt.Println("  quarry newchat <project> [title]  Start a conversation")
	fmt.Println("  quarry ask <chat-id> <question>   Ask with streamed answer")
	fmt.Println("  quarry migrate                    Apply database migrations")
	fmt.Println("  quarry --version                  Show version information")
	fmt.Println("  quarry --help                     Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY     Gemini API key (default provider)")
	fmt.Println("  DATABASE_URL       PostgreSQL connection URL")
	fmt.Println("  QUARRY_BROKER_URL  RabbitMQ connection URL")
	fmt.Println("  DEBUG              Enable debug logging")
}
