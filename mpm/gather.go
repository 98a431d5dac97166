package mpm

// GridToParticle gathers node velocities back onto particles, rebuilds the
// affine matrix and advects positions by dt. With BFECC enabled the advection
// is corrected by a forward/backward trace through the grid field. Positions
// end clamped to the particle bounds; non-finite values are reset and counted.
func (s *Solver) GridToParticle(ps *ParticleStore, dt float32) {
	g := s.grid
	dims := s.params.Dims

	s.pool.Run(ps.Len(), func(start, end, _ int) {
		var st stencil
		for p := start; p < end; p++ {
			x := s.transferPos(ps, p)
			st.weights(x, dims)

			var v Vec3
			var c [9]float32
			for i := 0; i < st.span[0]; i++ {
				wx := st.w[0][i]
				dx := float32(i) - st.fx[0]
				for j := 0; j < st.span[1]; j++ {
					wxy := wx * st.w[1][j]
					dy := float32(j) - st.fx[1]
					for k := 0; k < st.span[2]; k++ {
						w := wxy * st.w[2][k]
						dz := float32(k) - st.fx[2]
						idx := g.Index(st.base[0]+i, st.base[1]+j, st.base[2]+k)
						d := Vec3{dx, dy, dz}
						for r := 0; r < 3; r++ {
							vi := g.Vel[r][idx]
							v[r] += w * vi
							for col := 0; col < 3; col++ {
								c[3*r+col] += affineScale * w * vi * d[col]
							}
						}
					}
				}
			}

			bad := false
			for r := 0; r < 3; r++ {
				if !isFinite(v[r]) {
					bad = true
				}
			}
			for e := 0; e < 9 && !bad; e++ {
				if !isFinite(c[e]) {
					bad = true
				}
			}
			if bad {
				v = Vec3{}
				c = [9]float32{}
				s.nonFinite.Add(1)
			}

			var next Vec3
			if s.params.BFECC {
				next = s.bfecc(x, v, dt)
			} else {
				for a := 0; a < 3; a++ {
					next[a] = x[a] + v[a]*dt
				}
			}

			for a := 0; a < 3; a++ {
				if !isFinite(next[a]) {
					next = s.center
					s.nonFinite.Add(1)
					break
				}
			}
			for a := 0; a < 3; a++ {
				next[a] = clampf(next[a], s.lo, s.hi)
			}
			if dims == 2 {
				next[2] = 0
				v[2] = 0
				c[2], c[5], c[6], c[7], c[8] = 0, 0, 0, 0, 0
			}

			ps.SetPosition(p, next)
			ps.SetVelocity(p, v)
			for e := 0; e < 9; e++ {
				ps.C[e][p] = c[e]
			}
		}
	})
}

// bfecc advects x with back-and-forth error compensation:
// x_f = x + dt*v(x), x_b = x_f - dt*v(x_f), x_new = x_f + (x - x_b)/2.
// v is the already gathered velocity at x.
func (s *Solver) bfecc(x, v Vec3, dt float32) Vec3 {
	var fwd Vec3
	for a := 0; a < 3; a++ {
		fwd[a] = x[a] + v[a]*dt
	}
	vf := s.sampleVelocity(fwd)
	var out Vec3
	for a := 0; a < 3; a++ {
		back := fwd[a] - vf[a]*dt
		out[a] = fwd[a] + (x[a]-back)/2
	}
	return out
}

// sampleVelocity interpolates the grid velocity field at an arbitrary point.
// The point is clamped into the transfer range first.
func (s *Solver) sampleVelocity(x Vec3) Vec3 {
	g := s.grid
	for a := 0; a < 3; a++ {
		if !isFinite(x[a]) {
			return Vec3{}
		}
		x[a] = clampf(x[a], s.lo, s.hi)
	}
	if s.params.Dims == 2 {
		x[2] = 0
	}

	var st stencil
	st.weights(x, s.params.Dims)
	var v Vec3
	for i := 0; i < st.span[0]; i++ {
		wx := st.w[0][i]
		for j := 0; j < st.span[1]; j++ {
			wxy := wx * st.w[1][j]
			for k := 0; k < st.span[2]; k++ {
				w := wxy * st.w[2][k]
				idx := g.Index(st.base[0]+i, st.base[1]+j, st.base[2]+k)
				for r := 0; r < 3; r++ {
					v[r] += w * g.Vel[r][idx]
				}
			}
		}
	}
	return v
}
