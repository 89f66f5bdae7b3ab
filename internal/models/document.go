package models

import (
	"strconv"
	"time"
)

// Pipeline statuses, in order of progression. Failed is terminal and
// reachable from any non-terminal status.
const (
	StatusQueued         = "Queued"
	StatusDownloaded     = "Downloaded"
	StatusPagesExtracted = "PagesExtracted"
	StatusTextExtracted  = "TextExtracted"
	StatusFailed         = "Failed"
)

var statusRank = map[string]int{
	StatusQueued:         0,
	StatusDownloaded:     1,
	StatusPagesExtracted: 2,
	StatusTextExtracted:  3,
}

// StatusAdvances reports whether a transition from one status to another is
// a legal forward move. Same-status transitions are not an advance but are
// harmless (idempotent re-application of the same stage update).
func StatusAdvances(from, to string) bool {
	if from == to {
		return false
	}
	if from == StatusFailed || from == StatusTextExtracted {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// StatusAtLeast reports whether status has reached the given stage.
func StatusAtLeast(status, stage string) bool {
	if status == StatusFailed {
		return false
	}
	return statusRank[status] >= statusRank[stage]
}

// DocumentRecord is the master record for one source URL, keyed in Firestore
// by a deterministic record ID derived from the canonical URL.
type DocumentRecord struct {
	SourceURL        string            `firestore:"sourceUrl,omitempty"`
	Namespace        string            `firestore:"namespace,omitempty"`
	DocumentID       string            `firestore:"documentId,omitempty"`
	StorageLocation  string            `firestore:"storageLocation,omitempty"`
	Status           string            `firestore:"status,omitempty"`
	ErrorDetails     string            `firestore:"errorDetails,omitempty"`
	PageLocations    []string          `firestore:"pageLocations,omitempty"`
	PageTexts        map[string]string `firestore:"pageTexts,omitempty"`
	SizeBytes        int64             `firestore:"sizeBytes,omitempty"`
	PageCount        int               `firestore:"pageCount,omitempty"`
	CreatedAt        time.Time         `firestore:"createdAt,omitempty"`
	DownloadedAt     time.Time         `firestore:"downloadedAt,omitempty"`
	PagesExtractedAt time.Time         `firestore:"pagesExtractedAt,omitempty"`
	TextExtractedAt  time.Time         `firestore:"textExtractedAt,omitempty"`
}

// MissingPages returns the 1-based page numbers that have no recorded text
// artifact yet, in page order.
func (d *DocumentRecord) MissingPages() []int {
	var missing []int
	for i := 1; i <= d.PageCount; i++ {
		if _, ok := d.PageTexts[strconv.Itoa(i)]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// HasAllPageTexts reports whether pageTexts covers exactly 1..pageCount.
func (d *DocumentRecord) HasAllPageTexts() bool {
	return d.PageCount > 0 && len(d.MissingPages()) == 0
}
