package model

import "github.com/twpayne/go-geom"

// LayerType names a boundary layer.
type LayerType string

const (
	LayerZCTA   LayerType = "zcta"
	LayerCounty LayerType = "county"
	LayerState  LayerType = "state"
)

// AllLayers lists the supported layers in resolution order.
var AllLayers = []LayerType{LayerZCTA, LayerCounty, LayerState}

// ParseLayer validates a layer name.
func ParseLayer(s string) (LayerType, bool) {
	for _, l := range AllLayers {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

// BoundaryGeometry is one administrative unit polygon in WGS84.
type BoundaryGeometry struct {
	GeoID      string
	Name       string
	Layer      LayerType
	StateFIPS  string
	CountyFIPS string
	StateAbbr  string
	Geometry   *geom.MultiPolygon
}

// Point is a raw coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

// ResolvedLocation is a coordinate joined against the boundary layers.
// Empty strings mean the point fell outside every polygon of that layer.
type ResolvedLocation struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Zip        string  `json:"zip"`
	County     string  `json:"county"`
	CountyFIPS string  `json:"county_fips"`
	State      string  `json:"state"`
	StateFIPS  string  `json:"state_fips"`
	Geohash    string  `json:"geohash"`
}
