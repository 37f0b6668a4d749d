package render

import (
	"github.com/cockroachdb/errors"
	"github.com/rclancey/earcut"

	"github.com/irfansharif/vtex/internal/geom"
)

// earClip triangulates a polygon, with optional holes, using the earcut
// algorithm. It returns a slice of triangles, each represented as a
// [3]geom.Point.
func earClip(outer []geom.Point, holes ...[]geom.Point) ([][3]geom.Point, error) {
	if len(outer) < 3 {
		return nil, errors.Newf("degenerate polygon (%d vertices < 3)", len(outer))
	}

	// Convert polygon points to flat coordinate array required by earcut.
	// Format: [x0, y0, x1, y1, ..., xn, yn], holes following the outer ring.
	n := len(outer)
	for _, h := range holes {
		n += len(h)
	}
	vertexCoords := make([]float64, 0, n*2)
	for _, point := range outer {
		vertexCoords = append(vertexCoords, point.X, point.Y)
	}
	var holeIndices []int
	for _, h := range holes {
		holeIndices = append(holeIndices, len(vertexCoords)/2)
		for _, point := range h {
			vertexCoords = append(vertexCoords, point.X, point.Y)
		}
	}

	triangleIndices, err := earcut.Earcut(vertexCoords, holeIndices, 2 /* dim */)
	if err != nil {
		return nil, errors.Wrapf(err, "triangulating %d-vertex polygon", n)
	}
	if len(triangleIndices)%3 != 0 {
		return nil, errors.Newf("invalid triangle count (indices: %d, not divisible by 3)", len(triangleIndices))
	}

	// Convert triangle indices back to geom.Point triangles.
	vertex := func(i int) geom.Point {
		return geom.Point{X: vertexCoords[i*2], Y: vertexCoords[i*2+1]}
	}
	triangles := make([][3]geom.Point, len(triangleIndices)/3)
	for i := range triangles {
		base := i * 3
		triangles[i] = [3]geom.Point{
			vertex(triangleIndices[base]),
			vertex(triangleIndices[base+1]),
			vertex(triangleIndices[base+2]),
		}
	}
	return triangles, nil
}
