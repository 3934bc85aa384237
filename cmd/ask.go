package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quarryio/quarry/internal/app"
	"github.com/quarryio/quarry/internal/config"
	"github.com/quarryio/quarry/internal/rag"
)

// runNewChat creates a conversation in a project and prints its id.
func runNewChat(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: quarry newchat <project-id> [title]")
	}

	projectID, err := parseID(args[0], "project id")
	if err != nil {
		return err
	}
	var title *string
	if len(args) > 1 {
		t := strings.Join(args[1:], " ")
		title = &t
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	chat, err := a.Chats.CreateChat(ctx, projectID, title)
	if err != nil {
		return err
	}
	fmt.Printf("Chat %d created in project %d.\n", chat.ID, chat.ProjectID)
	return nil
}

// runAsk asks one question in a chat, streaming the answer to stdout.
func runAsk(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: quarry ask <chat-id> <question...>")
	}

	chatID, err := parseID(args[0], "chat id")
	if err != nil {
		return err
	}
	question := strings.Join(args[1:], " ")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	return a.Orchestrator.Answer(ctx, chatID, question, renderEvent)
}

// renderEvent prints one stream event for terminal consumption.
func renderEvent(e rag.Event) error {
	switch e.Kind {
	case rag.EventCitation:
		fmt.Println("Sources:")
		for i, c := range e.Citations {
			fmt.Printf("  [%d] %s (document %d)\n", i+1, c.FileName, c.DocumentID)
		}
		fmt.Println()
	case rag.EventDelta:
		fmt.Print(e.Delta)
	case rag.EventError:
		fmt.Printf("\n[notice: %s]\n", e.Error)
	case rag.EventStreamEnd:
		fmt.Println()
	}
	return nil
}
