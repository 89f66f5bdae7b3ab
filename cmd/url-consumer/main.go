package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentingest/internal/config"
	"github.com/Lllllllleong/documentingest/internal/services"
)

var (
	orchestrator *services.Orchestrator
	once         sync.Once
	initErr      error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. Pub/Sub push delivery routes URL
	// messages here.
	functions.CloudEvent("HandleURLMessage", handleURLMessage)
}

// main is required by the Go Functions Framework.
func main() {}

// pubsubEvent is the Pub/Sub message envelope carried inside the CloudEvent
// payload. Data is base64 in the wire format and decoded by encoding/json.
type pubsubEvent struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handleURLMessage is the Cloud Function entry point. Returning an error
// marks the invocation as failed so the message is redelivered; returning
// nil acknowledges it.
func handleURLMessage(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		var cfg *config.Config
		cfg, initErr = config.Load("")
		if initErr != nil {
			return
		}
		orchestrator, _, initErr = services.Build(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var event pubsubEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	if orchestrator.ProcessMessage(ctx, event.Message.Data) == services.Retry {
		// Redeliverable failure; details are already logged with document
		// context inside the orchestrator.
		return fmt.Errorf("message %s requires redelivery", event.Message.MessageID)
	}
	return nil
}
