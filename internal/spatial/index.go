package spatial

import (
	"github.com/tidwall/rtree"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/edu-etl/internal/model"
)

// Index answers point-in-polygon queries for one layer. It is read-only
// after construction and safe for concurrent use.
type Index struct {
	layer      model.LayerType
	boundaries []model.BoundaryGeometry
	tree       rtree.RTreeG[int]
}

// NewIndex builds an R-tree over the bounding boxes of bs. Boundaries
// without geometry are left out.
func NewIndex(layer model.LayerType, bs []model.BoundaryGeometry) *Index {
	idx := &Index{layer: layer}
	for _, b := range bs {
		if b.Geometry == nil || b.Geometry.Empty() {
			continue
		}
		bounds := b.Geometry.Bounds()
		i := len(idx.boundaries)
		idx.boundaries = append(idx.boundaries, b)
		idx.tree.Insert(
			[2]float64{bounds.Min(0), bounds.Min(1)},
			[2]float64{bounds.Max(0), bounds.Max(1)},
			i,
		)
	}
	return idx
}

// Layer returns the indexed layer type.
func (x *Index) Layer() model.LayerType { return x.layer }

// Len returns the number of indexed boundaries.
func (x *Index) Len() int { return len(x.boundaries) }

// Lookup returns the boundary containing (lon, lat). When polygons overlap
// the lowest GeoID wins, so results do not depend on index order.
func (x *Index) Lookup(lon, lat float64) (model.BoundaryGeometry, bool) {
	pt := [2]float64{lon, lat}
	best := -1
	x.tree.Search(pt, pt, func(_, _ [2]float64, i int) bool {
		if !Contains(x.boundaries[i].Geometry, lon, lat) {
			return true
		}
		if best < 0 || x.boundaries[i].GeoID < x.boundaries[best].GeoID {
			best = i
		}
		return true
	})
	if best < 0 {
		return model.BoundaryGeometry{}, false
	}
	return x.boundaries[best], true
}

// Contains reports whether (lon, lat) lies in mp: inside or on the shell of
// some polygon and outside that polygon's holes.
func Contains(mp *geom.MultiPolygon, lon, lat float64) bool {
	if mp == nil {
		return false
	}
	pt := geom.Coord{lon, lat}
	for i := 0; i < mp.NumPolygons(); i++ {
		poly := mp.Polygon(i)
		if poly.NumLinearRings() == 0 {
			continue
		}
		if !xy.IsPointInRing(geom.XY, pt, poly.LinearRing(0).FlatCoords()) {
			continue
		}
		inHole := false
		for j := 1; j < poly.NumLinearRings(); j++ {
			if xy.IsPointInRing(geom.XY, pt, poly.LinearRing(j).FlatCoords()) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}
