package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Identity pins down where a document's artifacts live and which metadata
// record owns them. All fields are derived deterministically from the
// canonical source URL, so redelivery of the same URL always resolves to the
// same storage keys and the same Firestore document.
type Identity struct {
	SourceURL  string // canonical URL (query and fragment stripped)
	Namespace  string // hostname with dots replaced by underscores
	DocumentID string // final path segment without the .pdf extension
	RecordID   string // Firestore document name, sha256 of the canonical URL
}

// CleanURL strips the query string and fragment from a URL. The result is
// the canonical form used as the document's identity everywhere downstream.
func CleanURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", raw, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// IdentityFromURL canonicalizes a URL and derives the processing identity
// from it.
func IdentityFromURL(raw string) (Identity, error) {
	cleaned, err := CleanURL(raw)
	if err != nil {
		return Identity{}, err
	}
	u, err := url.Parse(cleaned)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse URL %q: %w", cleaned, err)
	}
	if u.Hostname() == "" {
		return Identity{}, fmt.Errorf("URL %q has no hostname", cleaned)
	}

	base := path.Base(u.Path)
	if ext := path.Ext(base); strings.EqualFold(ext, ".pdf") {
		base = base[:len(base)-len(ext)]
	}
	if base == "" || base == "." || base == "/" {
		return Identity{}, fmt.Errorf("URL %q has no usable filename", cleaned)
	}

	sum := sha256.Sum256([]byte(cleaned))
	return Identity{
		SourceURL:  cleaned,
		Namespace:  strings.ReplaceAll(u.Hostname(), ".", "_"),
		DocumentID: base,
		RecordID:   hex.EncodeToString(sum[:])[:40],
	}, nil
}

// ObjectKey builds the hierarchical storage key for one artifact of this
// document: {namespace}/{documentId}/{artifact}.
func (id Identity) ObjectKey(artifact string) string {
	return fmt.Sprintf("%s/%s/%s", id.Namespace, id.DocumentID, artifact)
}

// DocumentKey is the storage key of the original document bytes.
func (id Identity) DocumentKey() string {
	return id.ObjectKey(id.DocumentID + ".pdf")
}

// PageImageKey is the storage key of the rendered image for a 1-based page.
func (id Identity) PageImageKey(page int) string {
	return id.ObjectKey(fmt.Sprintf("page-%d.png", page))
}

// PageTextKey is the storage key of the extracted text for a 1-based page.
func (id Identity) PageTextKey(page int) string {
	return id.ObjectKey(fmt.Sprintf("page-%d.txt", page))
}
