package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentingest/internal/pipeline"
)

type scriptedCaller struct {
	failures int
	calls    int
	text     string
}

func (c *scriptedCaller) Call(ctx context.Context, image []byte) (string, error) {
	c.calls++
	if c.calls <= c.failures {
		return "", errors.New("model overloaded")
	}
	return c.text, nil
}

// newTestExtractor swaps the real backoff sleep for a recorder so tests run
// instantly.
func newTestExtractor(caller Caller) (*Extractor, *[]time.Duration) {
	waits := &[]time.Duration{}
	e := New(caller, 0)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return e, waits
}

func TestExtractSucceedsFirstTry(t *testing.T) {
	caller := &scriptedCaller{text: "# Page 1"}
	e, waits := newTestExtractor(caller)

	text, err := e.Extract(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "# Page 1", text)
	assert.Equal(t, 1, caller.calls)
	assert.Empty(t, *waits)
}

func TestExtractRetriesWithExponentialBackoff(t *testing.T) {
	caller := &scriptedCaller{failures: 3, text: "recovered"}
	e, waits := newTestExtractor(caller)

	text, err := e.Extract(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 4, caller.calls)

	// Backoff is 2^attempt seconds plus up to one second of jitter.
	require.Len(t, *waits, 3)
	for i, wait := range *waits {
		base := time.Duration(1<<uint(i+1)) * time.Second
		assert.GreaterOrEqual(t, wait, base, "wait %d below 2^attempt", i+1)
		assert.Less(t, wait, base+time.Second+100*time.Millisecond, "wait %d above jitter ceiling", i+1)
	}
}

func TestExtractExhaustsBudget(t *testing.T) {
	caller := &scriptedCaller{failures: 100}
	e, _ := newTestExtractor(caller)

	_, err := e.Extract(context.Background(), []byte("png"))

	var exhausted *pipeline.ExtractionFailedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, 5, caller.calls)
	assert.False(t, pipeline.Permanent(err))
}

func TestExtractStopsWhenContextCancelled(t *testing.T) {
	caller := &scriptedCaller{failures: 100}
	e := New(caller, 0)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	_, err := e.Extract(context.Background(), []byte("png"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, caller.calls)
}
