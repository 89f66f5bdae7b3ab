package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Lllllllleong/documentingest/internal/models"
)

func TestStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.StatusQueued, models.StatusDownloaded, true},
		{models.StatusDownloaded, models.StatusPagesExtracted, true},
		{models.StatusPagesExtracted, models.StatusTextExtracted, true},
		{models.StatusQueued, models.StatusTextExtracted, true},

		// No regressions.
		{models.StatusDownloaded, models.StatusQueued, false},
		{models.StatusTextExtracted, models.StatusPagesExtracted, false},
		{models.StatusPagesExtracted, models.StatusPagesExtracted, false},

		// Failed from any non-terminal state, then terminal.
		{models.StatusQueued, models.StatusFailed, true},
		{models.StatusPagesExtracted, models.StatusFailed, true},
		{models.StatusTextExtracted, models.StatusFailed, false},
		{models.StatusFailed, models.StatusDownloaded, false},
		{models.StatusFailed, models.StatusFailed, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, models.StatusAdvances(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMissingPages(t *testing.T) {
	rec := &models.DocumentRecord{
		PageCount: 5,
		PageTexts: map[string]string{
			"1": "k/page-1.txt",
			"2": "k/page-2.txt",
			"4": "k/page-4.txt",
			"5": "k/page-5.txt",
		},
	}
	assert.Equal(t, []int{3}, rec.MissingPages())
	assert.False(t, rec.HasAllPageTexts())

	rec.PageTexts["3"] = "k/page-3.txt"
	assert.Empty(t, rec.MissingPages())
	assert.True(t, rec.HasAllPageTexts())
}

func TestHasAllPageTextsNeedsPageCount(t *testing.T) {
	rec := &models.DocumentRecord{}
	assert.False(t, rec.HasAllPageTexts())
}
