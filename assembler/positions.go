package assembler

import "math"

// Linspace returns n evenly spaced values from start to stop, both ends
// included. The last value is pinned to stop to keep it exact under
// floating-point accumulation.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	var out = make([]float64, n)
	var step = (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// RasterPositions expands per-axis coordinate lists into the grid walk of a
// step raster, first axis slowest. With snake on, inner-axis traversals
// alternate direction so motors sweep back and forth instead of jumping
// to the axis start between rows.
func RasterPositions(axes [][]float64, snake bool) [][]float64 {
	if len(axes) == 0 {
		return nil
	}
	var total = 1
	for _, ax := range axes {
		total *= len(ax)
	}
	if total == 0 {
		return [][]float64{}
	}
	var out = make([][]float64, 0, total)
	var idx = make([]int, len(axes))
	for {
		var row = make([]float64, len(axes))
		var prefix int
		for j, ax := range axes {
			var i = idx[j]
			if snake && j > 0 && prefix%2 == 0 {
				i = len(ax) - 1 - i
			}
			row[j] = ax[i]
			prefix += idx[j]
		}
		out = append(out, row)

		var j = len(axes) - 1
		for ; j >= 0; j-- {
			idx[j]++
			if idx[j] < len(axes[j]) {
				break
			}
			idx[j] = 0
		}
		if j < 0 {
			return out
		}
	}
}

// FermatSpiralPositions places points on a Fermat spiral covering the
// rectangle [m1Start, m1Stop] x [m2Start, m2Stop], dropping points outside
// it. The golden angle keeps neighboring points evenly spread; spiralType
// adds multiples of pi to the angle increment, mirroring every other point.
// With center set the spiral includes the origin.
func FermatSpiralPositions(m1Start, m1Stop, m2Start, m2Stop, step, spiralType float64, center bool) [][]float64 {
	var (
		phi  = 2*math.Pi*((1+math.Sqrt(5))/2) + spiralType*math.Pi
		len1 = math.Abs(m1Stop - m1Start)
		len2 = math.Abs(m2Stop - m2Start)
		nMax = int(len1 * len2 * 3.2 / step / step)
		out  [][]float64
	)
	var start = 1
	if center {
		start = 0
	}
	for ii := start; ii < nMax; ii++ {
		var radius = step * 0.57 * math.Sqrt(float64(ii))
		var x = radius * math.Sin(float64(ii)*phi)
		var y = radius * math.Cos(float64(ii)*phi)
		if math.Abs(x) > len1/2 || math.Abs(y) > len2/2 {
			continue
		}
		out = append(out, []float64{x, y})
	}
	return out
}

// RoundPositions places points on nr+1 concentric rings interpolated from
// rIn outward, ring ir carrying nth*ir points.
func RoundPositions(rIn, rOut float64, nr, nth int) [][]float64 {
	var out [][]float64
	for ir := 1; ir <= nr+1; ir++ {
		var rr = rIn - float64(ir)*(rOut-rIn)/float64(nr)
		var n = nth * ir
		var dth = 2 * math.Pi / float64(n)
		for ith := 0; ith < n; ith++ {
			out = append(out, []float64{
				rr * math.Sin(float64(ith)*dth),
				rr * math.Cos(float64(ith)*dth),
			})
		}
	}
	return out
}

// RoundROIPositions places points on concentric rings spaced dr apart,
// keeping only those inside the lx-by-ly rectangle around the center.
func RoundROIPositions(lx, ly, dr float64, nth int) [][]float64 {
	var out [][]float64
	var nr = 1 + int(math.Floor(math.Max(lx, ly)/dr))
	for ir := 1; ir <= nr+1; ir++ {
		var rr = float64(ir) * dr
		var n = nth * ir
		var dth = 2 * math.Pi / float64(n)
		for ith := 0; ith < n; ith++ {
			var x = rr * math.Cos(float64(ith)*dth)
			var y = rr * math.Sin(float64(ith)*dth)
			if math.Abs(x) >= lx/2 || math.Abs(y) >= ly/2 {
				continue
			}
			out = append(out, []float64{x, y})
		}
	}
	return out
}
