package warming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDLQSource struct {
	n   int
	err error
}

func (f *fakeDLQSource) ReprocessDeadLetterQueue() (int, error) {
	return f.n, f.err
}

func TestReprocessDLQ_NoSourceWiredIsNoop(t *testing.T) {
	dlqSource = nil
	require.NoError(t, ReprocessDLQ(context.Background()))
}

func TestReprocessDLQ_WalksWiredSource(t *testing.T) {
	source := &fakeDLQSource{n: 3}
	WireDLQSource(source)
	defer WireDLQSource(nil)

	assert.NoError(t, ReprocessDLQ(context.Background()))
}

func TestReprocessDLQ_PropagatesSourceError(t *testing.T) {
	source := &fakeDLQSource{err: errors.New("journal unavailable")}
	WireDLQSource(source)
	defer WireDLQSource(nil)

	err := ReprocessDLQ(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal unavailable")
}

func TestStartStopDLQTicker(t *testing.T) {
	source := &fakeDLQSource{n: 1}
	WireDLQSource(source)
	defer WireDLQSource(nil)

	ticker := StartDLQTicker(context.Background(), time.Hour)
	StopDLQTicker(ticker)
}
