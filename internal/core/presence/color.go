package presence

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Color is the 4-tuple a peer is rendered with.
type Color struct {
	Primary   string `json:"primary"`
	Selection string `json:"selection"`
	Dimmed    string `json:"dimmed"`
	Text      string `json:"text"`
}

// ColorFor derives the rendering colors for a user. It is a pure function
// of the user id: two sessions for the same user always agree on the color
// without coordination.
func ColorFor(userID string) Color {
	hue := float64(xxhash.Sum64String(userID)%360) / 360.0
	return Color{
		Primary:   hslToHex(hue, 0.70, 0.45),
		Selection: hslToHex(hue, 0.70, 0.85),
		Dimmed:    hslToHex(hue, 0.30, 0.90),
		Text:      hslToHex(hue, 0.75, 0.25),
	}
}

// hslToHex converts h,s,l in [0,1] to a #rrggbb string.
func hslToHex(h, s, l float64) string {
	var r, g, b float64
	if s == 0 {
		r, g, b = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		r = hueToRGB(p, q, h+1.0/3.0)
		g = hueToRGB(p, q, h)
		b = hueToRGB(p, q, h-1.0/3.0)
	}
	return fmt.Sprintf("#%02x%02x%02x", byte(r*255+0.5), byte(g*255+0.5), byte(b*255+0.5))
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}
