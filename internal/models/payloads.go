package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Queue messages arrive either as a bare URL string or as a small JSON
// envelope. Both shapes are in active use by producers, so the consumer
// accepts either.

type queueEnvelope struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// ParseQueueMessage extracts the document URL from a raw queue message body.
func ParseQueueMessage(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", fmt.Errorf("empty queue message")
	}

	if strings.HasPrefix(trimmed, "{") {
		var env queueEnvelope
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return "", fmt.Errorf("failed to unmarshal queue message: %w", err)
		}
		switch {
		case env.URL != "":
			return env.URL, nil
		case env.Message != "":
			return env.Message, nil
		default:
			return "", fmt.Errorf("queue message has no url field")
		}
	}

	return trimmed, nil
}

// PageExtractorRequest is the input for the page-extractor function, one
// call per page, issued by the extraction workflow.
type PageExtractorRequest struct {
	RecordID    string `json:"recordId"`
	Namespace   string `json:"namespace"`
	DocumentID  string `json:"documentId"`
	PageNumber  int    `json:"pageNumber"`
	ExecutionID string `json:"executionId"`
}

// Identity rebuilds the document identity carried by the request.
func (r *PageExtractorRequest) Identity() Identity {
	return Identity{
		Namespace:  r.Namespace,
		DocumentID: r.DocumentID,
		RecordID:   r.RecordID,
	}
}

// PageExtractorResponse is the output of the page-extractor function.
type PageExtractorResponse struct {
	Status         string `json:"status"`
	OutputLocation string `json:"outputLocation"`
}

// WorkflowPayload is the argument handed to the extraction workflow once all
// pages of a document are rendered.
type WorkflowPayload struct {
	RecordID      string   `json:"recordId"`
	Namespace     string   `json:"namespace"`
	DocumentID    string   `json:"documentId"`
	PageCount     int      `json:"pageCount"`
	PageLocations []string `json:"pageLocations"`
}
