package models

import "fmt"

// Scale names one of the three pyramid resolutions where cross-attention runs.
type Scale int

const (
	// Coarse is the H/4 x W/4 bottleneck resolution
	Coarse Scale = iota
	// Mid is H/2 x W/2
	Mid
	// Fine is the full input resolution
	Fine
)

// Scales lists the attention scales coarse-to-fine.
var Scales = []Scale{Coarse, Mid, Fine}

// Divisor is the factor by which the scale shrinks the input resolution.
func (s Scale) Divisor() int {
	switch s {
	case Coarse:
		return 4
	case Mid:
		return 2
	default:
		return 1
	}
}

// Resolution returns the spatial size of s for an input of height x width.
func (s Scale) Resolution(height, width int) (int, int) {
	return height / s.Divisor(), width / s.Divisor()
}

func (s Scale) String() string {
	switch s {
	case Coarse:
		return "coarse"
	case Mid:
		return "mid"
	case Fine:
		return "fine"
	}
	return fmt.Sprintf("Scale(%d)", int(s))
}
