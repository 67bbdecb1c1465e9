package media

// Range is a capture constraint with a floor and a preferred value.
type Range struct {
	Min   int
	Ideal int
}

type VideoConstraints struct {
	Width     Range
	Height    Range
	FrameRate Range
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints are the camera and microphone capture settings.
type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

// DisplayOptions are the screen-capture settings.
type DisplayOptions struct {
	Cursor         string
	DisplaySurface string
	// Audio requests system audio alongside the screen when the backend has
	// one.
	Audio     bool
	FrameRate int
}

func DefaultConstraints() Constraints {
	return Constraints{
		Video: VideoConstraints{
			Width:     Range{Min: 640, Ideal: 1280},
			Height:    Range{Min: 480, Ideal: 720},
			FrameRate: Range{Min: 15, Ideal: 30},
		},
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

func DefaultDisplayOptions() DisplayOptions {
	return DisplayOptions{
		Cursor:         "always",
		DisplaySurface: "monitor",
		Audio:          true,
		FrameRate:      30,
	}
}

func (c Constraints) frameRate() int {
	if c.Video.FrameRate.Ideal > 0 {
		return c.Video.FrameRate.Ideal
	}
	if c.Video.FrameRate.Min > 0 {
		return c.Video.FrameRate.Min
	}
	return 30
}

func (o DisplayOptions) frameRate() int {
	if o.FrameRate > 0 {
		return o.FrameRate
	}
	return 30
}
