// Package slopecal solves for diagonal phase-only antenna gains whose phase
// is a low-order polynomial in time and frequency.
//
// Three parameterisations are supported:
//
//	f-slope   phase + delay·ν
//	t-slope   phase + rate·τ
//	tf-plane  phase + delay·ν + rate·τ
//
// where ν and τ are the chunk's frequency and time coordinates mapped onto
// [0, 1]. One slope set is held per antenna, direction, time interval and
// frequency interval; gains on the full-resolution grid are rebuilt from it
// after every update.
//
// A Machine covers one calibration chunk. Solve drives it with damped
// Gauss-Newton iterations using a diagonal approximation of JᴴJ, which
// depends on the model only and is inverted once per chunk. Independent
// chunks may be solved concurrently on separate machines.
package slopecal
