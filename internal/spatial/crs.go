package spatial

import (
	"math"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// CRS is a coordinate reference system the resolver can normalize to WGS84.
type CRS int

const (
	CRSUnknown CRS = iota
	CRSWGS84
	CRSNAD83
	CRSWebMercator
)

// EPSG codes.
const (
	SRIDWGS84       = 4326
	SRIDNAD83       = 4269
	SRIDWebMercator = 3857
)

// ErrReprojection marks a coordinate that could not be brought into WGS84.
var ErrReprojection = eris.New("spatial: reprojection failed")

const earthRadius = 6378137.0

func (c CRS) String() string {
	switch c {
	case CRSWGS84:
		return "EPSG:4326"
	case CRSNAD83:
		return "EPSG:4269"
	case CRSWebMercator:
		return "EPSG:3857"
	default:
		return "unknown"
	}
}

// CRSFromSRID maps an EPSG code to a supported CRS.
func CRSFromSRID(srid int) CRS {
	switch srid {
	case SRIDWGS84:
		return CRSWGS84
	case SRIDNAD83:
		return CRSNAD83
	case SRIDWebMercator, 900913:
		return CRSWebMercator
	default:
		return CRSUnknown
	}
}

// DetectCRS identifies the CRS described by the WKT of a .prj file.
func DetectCRS(wkt string) CRS {
	s := strings.ToUpper(wkt)
	compact := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)

	if strings.HasPrefix(strings.TrimSpace(s), "PROJCS") {
		if strings.Contains(compact, "PSEUDOMERCATOR") ||
			strings.Contains(compact, "MERCATORAUXILIARYSPHERE") ||
			strings.Contains(compact, "POPULARVISUALISATION") ||
			strings.Contains(compact, `AUTHORITY["EPSG","3857"]`) {
			return CRSWebMercator
		}
		return CRSUnknown
	}
	if !strings.HasPrefix(strings.TrimSpace(s), "GEOGCS") {
		return CRSUnknown
	}
	switch {
	case strings.Contains(compact, "NORTHAMERICAN1983") || strings.Contains(compact, "NAD83"):
		return CRSNAD83
	case strings.Contains(compact, "WGS1984") || strings.Contains(compact, "WGS84"):
		return CRSWGS84
	}
	return CRSUnknown
}

// ReadCRS reads the .prj beside shpPath. A missing .prj means the archive
// carries no CRS and is taken as WGS84.
func ReadCRS(shpPath string) (CRS, error) {
	prj := strings.TrimSuffix(shpPath, ".shp") + ".prj"
	data, err := os.ReadFile(prj)
	if os.IsNotExist(err) {
		data, err = os.ReadFile(strings.TrimSuffix(shpPath, ".shp") + ".PRJ")
	}
	if os.IsNotExist(err) {
		return CRSWGS84, nil
	}
	if err != nil {
		return CRSUnknown, eris.Wrapf(err, "spatial: read %s", prj)
	}
	return DetectCRS(string(data)), nil
}

// ToWGS84 converts x/y in c to lon/lat. NAD83 and WGS84 differ by less than
// the rounding applied to points, so NAD83 passes through unchanged.
func (c CRS) ToWGS84(x, y float64) (lon, lat float64, err error) {
	switch c {
	case CRSWGS84, CRSNAD83:
		lon, lat = x, y
	case CRSWebMercator:
		lon = x / earthRadius * 180 / math.Pi
		lat = (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
	default:
		return 0, 0, eris.Wrapf(ErrReprojection, "unsupported CRS %s", c)
	}
	if !validLonLat(lon, lat) {
		return 0, 0, eris.Wrapf(ErrReprojection, "(%g, %g) outside WGS84 bounds", x, y)
	}
	return lon, lat, nil
}

func validLonLat(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}
