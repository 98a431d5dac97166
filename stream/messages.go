package stream

import "github.com/pthm-cable/bifurcate/engine"

// Message types.
const (
	TypeFrame = "frame"
	TypeAck   = "ack"
	TypeError = "error"

	CmdPerturb  = "perturb"
	CmdReset    = "reset"
	CmdSubsteps = "substeps"
	CmdPause    = "pause"
)

// FrameMessage is a downsampled frame sent to every client.
type FrameMessage struct {
	Type    string  `json:"type"`
	Step    int64   `json:"step"`
	Time    float64 `json:"time"`
	Dims    int     `json:"dims"`
	Extent  float32 `json:"extent"`
	Backend string  `json:"backend"`
	Total   int     `json:"total"`  // particles in the engine
	Stride  int     `json:"stride"` // every stride-th particle is included

	X        []float32 `json:"x"`
	Y        []float32 `json:"y"`
	Z        []float32 `json:"z,omitempty"`
	Speed    []float32 `json:"speed"`
	Lobe     []int8    `json:"lobe"`
	MaxSpeed float32   `json:"max_speed"`

	Paused   bool `json:"paused"`
	Substeps int  `json:"substeps"`
}

// Command is a control message from a client.
type Command struct {
	Type  string   `json:"type"`
	Sigma *float32 `json:"sigma,omitempty"` // perturb; omitted uses the default sigma
	Value int      `json:"value,omitempty"` // substeps
}

// Reply acknowledges or rejects a command.
type Reply struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// newFrameMessage samples at most maxPoints particles from f.
func newFrameMessage(f *engine.Frame, maxPoints int) FrameMessage {
	n := f.Len()
	stride := 1
	if maxPoints > 0 && n > maxPoints {
		stride = (n + maxPoints - 1) / maxPoints
	}
	m := (n + stride - 1) / stride

	msg := FrameMessage{
		Type:     TypeFrame,
		Step:     f.Step,
		Time:     f.Time,
		Dims:     f.Dims,
		Extent:   f.Extent,
		Backend:  f.Backend.String(),
		Total:    n,
		Stride:   stride,
		X:        make([]float32, 0, m),
		Y:        make([]float32, 0, m),
		Speed:    make([]float32, 0, m),
		Lobe:     make([]int8, 0, m),
		MaxSpeed: f.MaxSpeed(),
	}
	if f.Dims == 3 {
		msg.Z = make([]float32, 0, m)
	}
	for i := 0; i < n; i += stride {
		msg.X = append(msg.X, f.X[i])
		msg.Y = append(msg.Y, f.Y[i])
		if f.Dims == 3 {
			msg.Z = append(msg.Z, f.Z[i])
		}
		msg.Speed = append(msg.Speed, f.Speed[i])
		msg.Lobe = append(msg.Lobe, f.Lobe[i])
	}
	return msg
}
