package mpm

// ParticleToGrid scatters particle mass and momentum onto the grid.
//
// It runs in three pool passes: a mass scatter, a per-particle density gather
// and a momentum scatter. The momentum scatter carries the APIC affine term and
// the MLS-MPM stress term built from the density estimate. Particle state is
// read-only here; positions outside the clamp range are clamped locally.
func (s *Solver) ParticleToGrid(ps *ParticleStore, dt float32) {
	n := ps.Len()
	g := s.grid

	s.pool.Run(n, func(start, end, _ int) {
		var st stencil
		for p := start; p < end; p++ {
			st.weights(s.transferPos(ps, p), s.params.Dims)
			m := ps.Mass[p]
			for i := 0; i < st.span[0]; i++ {
				wx := st.w[0][i]
				for j := 0; j < st.span[1]; j++ {
					wxy := wx * st.w[1][j]
					for k := 0; k < st.span[2]; k++ {
						w := wxy * st.w[2][k]
						g.addMass(g.Index(st.base[0]+i, st.base[1]+j, st.base[2]+k), w*m)
					}
				}
			}
		}
	})

	s.pool.Run(n, func(start, end, _ int) {
		var st stencil
		for p := start; p < end; p++ {
			st.weights(s.transferPos(ps, p), s.params.Dims)
			var rho float32
			for i := 0; i < st.span[0]; i++ {
				wx := st.w[0][i]
				for j := 0; j < st.span[1]; j++ {
					wxy := wx * st.w[1][j]
					for k := 0; k < st.span[2]; k++ {
						w := wxy * st.w[2][k]
						rho += w * g.massAt(g.Index(st.base[0]+i, st.base[1]+j, st.base[2]+k))
					}
				}
			}
			s.density[p] = rho
		}
	})

	rho0 := s.restDensityFor(s.density)

	s.pool.Run(n, func(start, end, _ int) {
		var st stencil
		for p := start; p < end; p++ {
			st.weights(s.transferPos(ps, p), s.params.Dims)
			m := ps.Mass[p]
			v := ps.Velocity(p)
			var c [9]float32
			finite := isFinite(v[0]) && isFinite(v[1]) && isFinite(v[2])
			for e := 0; e < 9; e++ {
				c[e] = ps.C[e][p]
				finite = finite && isFinite(c[e])
			}
			if !finite {
				v, c = Vec3{}, [9]float32{}
				s.nonFinite.Add(1)
			}

			// affine = m*C + Q, Q = -vol * 4 * stress * dt
			stress := s.stress(s.density[p], rho0, &c)
			var affine [9]float32
			if rho := s.density[p]; rho > 0 {
				q := -(m / rho) * affineScale * dt
				for e := 0; e < 9; e++ {
					affine[e] = m*c[e] + q*stress[e]
				}
			} else {
				for e := 0; e < 9; e++ {
					affine[e] = m * c[e]
				}
			}
			mv := Vec3{m * v[0], m * v[1], m * v[2]}

			for i := 0; i < st.span[0]; i++ {
				wx := st.w[0][i]
				dx := float32(i) - st.fx[0]
				for j := 0; j < st.span[1]; j++ {
					wxy := wx * st.w[1][j]
					dy := float32(j) - st.fx[1]
					for k := 0; k < st.span[2]; k++ {
						w := wxy * st.w[2][k]
						dz := float32(k) - st.fx[2]
						var mom Vec3
						for r := 0; r < 3; r++ {
							mom[r] = w * (mv[r] + affine[3*r]*dx + affine[3*r+1]*dy + affine[3*r+2]*dz)
						}
						g.addMomentum(g.Index(st.base[0]+i, st.base[1]+j, st.base[2]+k), mom)
					}
				}
			}
		}
	})
}

// stress returns the Cauchy stress -p*I + mu*(C + C^T) for one particle.
// Tension is not modelled: pressure below zero is clamped to zero.
func (s *Solver) stress(rho, rho0 float32, c *[9]float32) [9]float32 {
	var out [9]float32
	k := s.params.EOSStiffness
	mu := s.params.Viscosity
	if k == 0 && mu == 0 {
		return out
	}

	var pressure float32
	if k != 0 && rho0 > 0 {
		pressure = k * (powf(rho/rho0, s.params.EOSPower) - 1)
		if pressure < 0 {
			pressure = 0
		}
	}
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			out[3*r+col] = mu * (c[3*r+col] + c[3*col+r])
		}
		out[4*r] -= pressure
	}
	if s.params.Dims == 2 {
		// The collapsed axis carries no stress.
		out[2], out[5], out[6], out[7], out[8] = 0, 0, 0, 0, 0
	}
	return out
}

// restDensityFor returns the EOS reference density. A configured value wins;
// otherwise the mean particle density of the first transfer after a reseed is
// latched and reused until the next reseed.
func (s *Solver) restDensityFor(density []float32) float32 {
	if s.params.RestDensity > 0 {
		return s.params.RestDensity
	}
	if s.restDensity > 0 {
		return s.restDensity
	}
	if len(density) == 0 {
		return 0
	}
	var sum float64
	for _, d := range density {
		sum += float64(d)
	}
	s.restDensity = float32(sum / float64(len(density)))
	return s.restDensity
}

// transferPos returns particle p's position clamped to the transfer range.
func (s *Solver) transferPos(ps *ParticleStore, p int) Vec3 {
	x := ps.Position(p)
	for a := 0; a < 3; a++ {
		if !isFinite(x[a]) {
			x[a] = s.center[a]
		}
		x[a] = clampf(x[a], s.lo, s.hi)
	}
	if s.params.Dims == 2 {
		x[2] = 0
	}
	return x
}
