package player

import "fmt"

// MapState is the smoothed map camera position.
type MapState struct {
	CenterX float64
	CenterY float64
	Zoom    float64
}

// MapSmoother applies exponential blending to map centre and zoom updates.
// A factor of 0 follows the input exactly; 1 never moves.
type MapSmoother struct {
	smoothCenter float64
	smoothZoom   float64
	state        MapState
	primed       bool
}

// NewMapSmoother validates the smoothing factors and returns a smoother.
func NewMapSmoother(smoothCenter, smoothZoom float64) (*MapSmoother, error) {
	if smoothCenter < 0 || smoothCenter > 1 || smoothZoom < 0 || smoothZoom > 1 {
		return nil, fmt.Errorf("player: smoothing factors must be within [0, 1]")
	}
	return &MapSmoother{
		smoothCenter: smoothCenter,
		smoothZoom:   smoothZoom,
		state:        MapState{Zoom: 1.0},
	}, nil
}

// State returns the current smoothed state.
func (s *MapSmoother) State() MapState {
	return s.state
}

// Update blends a new camera target into the state and returns the result.
func (s *MapSmoother) Update(centerX, centerY, zoom float64) MapState {
	s.state = MapState{
		CenterX: s.smoothCenter*s.state.CenterX + (1-s.smoothCenter)*centerX,
		CenterY: s.smoothCenter*s.state.CenterY + (1-s.smoothCenter)*centerY,
		Zoom:    s.smoothZoom*s.state.Zoom + (1-s.smoothZoom)*zoom,
	}
	s.primed = true
	return s.state
}

// MapView holds the smoothed camera plus the marker colour, standing in for
// the UI map widget in headless runs.
type MapView struct {
	smoother    *MapSmoother
	markerColor string
}

// NewMapView builds a view over the given smoother.
func NewMapView(smoother *MapSmoother) *MapView {
	return &MapView{smoother: smoother, markerColor: "#00ff00"}
}

// State returns the current smoothed camera.
func (v *MapView) State() MapState {
	return v.smoother.State()
}

// MarkerColor returns the current marker colour.
func (v *MapView) MarkerColor() string {
	return v.markerColor
}

// SetMarkerColor updates the marker colour; empty values are ignored.
func (v *MapView) SetMarkerColor(color string) {
	if color == "" {
		return
	}
	v.markerColor = color
}

// ApplyPosition feeds one telemetry position into the smoother.
func (v *MapView) ApplyPosition(centerX, centerY, zoom float64) MapState {
	return v.smoother.Update(centerX, centerY, zoom)
}
