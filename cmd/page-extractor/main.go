package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentingest/internal/config"
	"github.com/Lllllllleong/documentingest/internal/models"
	"github.com/Lllllllleong/documentingest/internal/services"
)

var (
	pageExtractor *services.PageExtractor
	once          sync.Once
	initErr       error
)

func init() {
	// Register the HTTP function. The extraction workflow calls it once per
	// page.
	functions.HTTP("HandleExtractPage", handleExtractPage)
}

// main is required by the Go Functions Framework.
func main() {}

func handleExtractPage(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var cfg *config.Config
		cfg, initErr = config.Load("")
		if initErr != nil {
			return
		}
		pageExtractor, _, initErr = services.BuildPageExtractor(context.Background(), cfg)
	})
	if initErr != nil {
		log.Printf("CRITICAL: Page extractor initialization failed: %v", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.PageExtractorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("ERROR: Could not decode request body: %v", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.RecordID == "" || req.PageNumber < 1 {
		http.Error(w, "Bad Request: recordId and pageNumber are required", http.StatusBadRequest)
		return
	}

	id := req.Identity()
	if err := pageExtractor.ExtractPage(r.Context(), id, req.PageNumber); err != nil {
		log.Printf("[Doc: %s][Page: %d][Exec: %s] ERROR: extraction failed: %v", req.DocumentID, req.PageNumber, req.ExecutionID, err)
		// A non-2xx response fails the workflow step, which retries it.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	res := models.PageExtractorResponse{
		Status:         "success",
		OutputLocation: id.PageTextKey(req.PageNumber),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Printf("ERROR: Failed to write response: %v", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
