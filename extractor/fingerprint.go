package extractor

import "math/rand/v2"

// Fingerprint is the user-agent and viewport a session presents.
type Fingerprint struct {
	UserAgent string
	Width     int
	Height    int
}

// AcceptLanguage is sent with every request of the session.
func (f Fingerprint) AcceptLanguage() string {
	return "en-US,en;q=0.9"
}

// Center returns the viewport midpoint.
func (f Fingerprint) Center() (x, y float64) {
	return float64(f.Width) / 2, float64(f.Height) / 2
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
}

var viewports = [][2]int{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{1440, 900},
	{1280, 720},
	{1600, 900},
}

// RandomFingerprint picks a user-agent and viewport from the fixed pools.
func RandomFingerprint() Fingerprint {
	vp := viewports[rand.IntN(len(viewports))]
	return Fingerprint{
		UserAgent: userAgents[rand.IntN(len(userAgents))],
		Width:     vp[0],
		Height:    vp[1],
	}
}

// gridPoints returns the aggressive-mode click targets: a 3x3 grid around
// the viewport center spaced step pixels apart, center first.
func gridPoints(f Fingerprint, step float64) [][2]float64 {
	cx, cy := f.Center()
	pts := [][2]float64{{cx, cy}}
	for _, dy := range []float64{-step, 0, step} {
		for _, dx := range []float64{-step, 0, step} {
			if dx == 0 && dy == 0 {
				continue
			}
			pts = append(pts, [2]float64{cx + dx, cy + dy})
		}
	}
	return pts
}
