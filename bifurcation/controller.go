// Package bifurcation seeds the two-lobe symmetry experiment, injects
// controlled perturbations and measures how far the flow has drifted from
// mirror symmetry.
package bifurcation

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/ojrac/opensimplex-go"

	"github.com/pthm-cable/bifurcate/mpm"
)

// ErrNegativeSigma is returned by Inject for sigma < 0.
var ErrNegativeSigma = errors.New("perturbation sigma must be >= 0")

// Mode selects how Inject draws velocity offsets.
type Mode uint8

const (
	// ModeGaussian adds an independent N(0, sigma^2) sample per velocity component.
	ModeGaussian Mode = iota
	// ModeSimplex adds sigma-scaled simplex noise sampled at each particle position.
	ModeSimplex
)

func (m Mode) String() string {
	switch m {
	case ModeGaussian:
		return "gaussian"
	case ModeSimplex:
		return "simplex"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "gaussian", "":
		return ModeGaussian, nil
	case "simplex":
		return ModeSimplex, nil
	}
	return 0, fmt.Errorf("unknown perturbation mode %q", s)
}

// Config describes the lobe layout and measurement settings. Lengths are
// fractions of the grid resolution.
type Config struct {
	LobeRadius     float32
	LobeSeparation float32 // lobe centre distance from the mirror plane
	LobeHeight     float32

	Mode       Mode
	NoiseScale float32 // simplex frequency per lattice unit

	HistogramBins int
	Epsilon       float64 // centroid offset above which symmetry counts as broken
}

// DefaultConfig returns the reference layout.
func DefaultConfig() Config {
	return Config{
		LobeRadius:     0.16,
		LobeSeparation: 0.2,
		LobeHeight:     0.55,
		Mode:           ModeGaussian,
		NoiseScale:     0.15,
		HistogramBins:  16,
		Epsilon:        0.01,
	}
}

// Lobe labels.
const (
	LabelLeft  int8 = -1
	LabelPlane int8 = 0
	LabelRight int8 = 1
)

// positionQuantum snaps seeded offsets to 2^-16 lattice units. Coordinates
// below 2^7 then keep every bit in float32, so c-d and c+d are exact mirrors.
const positionQuantum = 1.0 / 65536

// Controller owns the experiment state that is not particle data: the lobe
// label of each particle and the perturbation stream position.
// It is not safe for concurrent use; callers serialise it with the step lock.
type Controller struct {
	cfg    Config
	params mpm.Params
	labels []int8

	injections int64
}

// NewController creates a controller for the given solver parameters.
func NewController(p mpm.Params, cfg Config) *Controller {
	if cfg.HistogramBins < 2 {
		cfg.HistogramBins = 2
	}
	// Mirrored histogram bins need an even count.
	cfg.HistogramBins += cfg.HistogramBins % 2
	return &Controller{
		cfg:    cfg,
		params: p,
		labels: make([]int8, p.ParticleCount),
	}
}

// Config returns the controller settings.
func (c *Controller) Config() Config {
	return c.cfg
}

// SetParams updates solver parameters (seed, grid size). The particle count
// must not change.
func (c *Controller) SetParams(p mpm.Params) {
	c.params = p
}

// Labels returns the lobe label per particle. The slice is owned by the controller.
func (c *Controller) Labels() []int8 {
	return c.labels
}

// Injections returns how many perturbations were injected since the last Reinit.
func (c *Controller) Injections() int64 {
	return c.injections
}

// Restore replaces the labels and injection count, for a layout loaded from a
// snapshot. labels must hold one entry per particle.
func (c *Controller) Restore(labels []int8, injections int64) {
	copy(c.labels, labels)
	c.injections = injections
}

// LobeCenters returns the left and right lobe centres in lattice units.
func (c *Controller) LobeCenters() (left, right mpm.Vec3) {
	n := float32(c.params.GridRes)
	mid := c.params.Center()
	sep := quantize(c.cfg.LobeSeparation * n)
	left = mpm.Vec3{mid[0] - sep, quantize(c.cfg.LobeHeight * n), mid[2]}
	right = left
	right[0] = mid[0] + sep
	return left, right
}

// Reinit places every particle into the symmetric two-lobe layout and zeroes
// all motion. Particle k+n/2 is the mirror image of particle k across the
// plane x = Center; with an odd count the last particle sits on the plane.
// The layout depends only on the seed, so repeated calls give identical state.
func (c *Controller) Reinit(ps *mpm.ParticleStore) {
	rng := rand.New(rand.NewSource(c.params.Seed))
	n := ps.Len()
	half := n / 2
	mid := c.params.Center()
	left, _ := c.LobeCenters()
	radius := c.cfg.LobeRadius * float32(c.params.GridRes)
	lo, hi := c.params.Bounds()
	flat := c.params.Dims == 2

	for k := 0; k < half; k++ {
		off := sampleBall(rng, radius, flat)
		// Mirror-exact offset from the plane.
		dx := quantize(mid[0] - clampf(left[0]+off[0], lo, hi))
		y := quantize(clampf(left[1]+off[1], lo, hi))
		z := float32(0)
		if !flat {
			z = quantize(clampf(left[2]+off[2], lo, hi))
		}
		ps.SetPosition(k, mpm.Vec3{mid[0] - dx, y, z})
		ps.SetPosition(k+half, mpm.Vec3{mid[0] + dx, y, z})
		c.labels[k] = LabelLeft
		c.labels[k+half] = LabelRight
	}
	if n%2 == 1 {
		z := float32(0)
		if !flat {
			z = left[2]
		}
		ps.SetPosition(n-1, mpm.Vec3{mid[0], left[1], z})
		c.labels[n-1] = LabelPlane
	}

	ps.ZeroMotion()
	c.injections = 0
}

// Inject adds a random velocity offset of scale sigma to every particle.
// Positions and masses are untouched. Sigma 0 is a no-op; negative sigma is
// rejected and leaves the store unchanged.
func (c *Controller) Inject(ps *mpm.ParticleStore, sigma float32) error {
	if sigma < 0 || math.IsNaN(float64(sigma)) {
		return fmt.Errorf("%w: got %g", ErrNegativeSigma, sigma)
	}
	if sigma == 0 {
		return nil
	}

	// Each injection after a reinit draws from its own stream.
	seed := c.params.Seed*7919 + c.injections + 1
	c.injections++

	axes := 3
	if c.params.Dims == 2 {
		axes = 2
	}

	switch c.cfg.Mode {
	case ModeSimplex:
		noise := opensimplex.New32(seed)
		scale := c.cfg.NoiseScale
		for i := 0; i < ps.Len(); i++ {
			p := ps.Position(i)
			for a := 0; a < axes; a++ {
				// Offset each axis into a separate region of the noise field.
				shift := float32(a) * 101.3
				ps.Vel[a][i] += sigma * noise.Eval3(p[0]*scale+shift, p[1]*scale, p[2]*scale)
			}
		}
	default:
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < ps.Len(); i++ {
			for a := 0; a < axes; a++ {
				ps.Vel[a][i] += sigma * float32(rng.NormFloat64())
			}
		}
	}
	return nil
}

// sampleBall returns a uniform point in a ball (disc when flat) of radius r.
func sampleBall(rng *rand.Rand, r float32, flat bool) mpm.Vec3 {
	for {
		x := 2*rng.Float32() - 1
		y := 2*rng.Float32() - 1
		z := float32(0)
		if !flat {
			z = 2*rng.Float32() - 1
		}
		if x*x+y*y+z*z <= 1 {
			return mpm.Vec3{x * r, y * r, z * r}
		}
	}
}

func quantize(x float32) float32 {
	return float32(math.Round(float64(x)/positionQuantum) * positionQuantum)
}

func clampf(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
