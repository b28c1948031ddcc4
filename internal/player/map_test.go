package player

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMapSmootherBlends(t *testing.T) {
	smoother, err := NewMapSmoother(0.5, 0.5)
	require.NoError(t, err)

	state := smoother.Update(100, 200, 3)
	require.InDelta(t, 50.0, state.CenterX, 1e-9)
	require.InDelta(t, 100.0, state.CenterY, 1e-9)
	require.InDelta(t, 2.0, state.Zoom, 1e-9)

	state = smoother.Update(100, 200, 3)
	require.InDelta(t, 75.0, state.CenterX, 1e-9)
	require.InDelta(t, 2.5, state.Zoom, 1e-9)
}

func TestMapSmootherValidatesFactors(t *testing.T) {
	_, err := NewMapSmoother(1.5, 0.5)
	require.Error(t, err)
	_, err = NewMapSmoother(0.5, -0.1)
	require.Error(t, err)
}

func TestMapViewMarkerColor(t *testing.T) {
	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	view := NewMapView(smoother)
	require.Equal(t, "#00ff00", view.MarkerColor())
	view.SetMarkerColor("")
	require.Equal(t, "#00ff00", view.MarkerColor())
	view.SetMarkerColor("#ff00ff")
	require.Equal(t, "#ff00ff", view.MarkerColor())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.InDelta(t, 0.85, cfg.SmoothCenter, 1e-9)
	require.Equal(t, 600, cfg.ScrubHistorySize)
	require.Equal(t, time.Second, cfg.MetricsInterval)
	require.Equal(t, "receive", cfg.DefaultClock)
}
