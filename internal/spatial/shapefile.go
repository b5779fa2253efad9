// Package spatial resolves coordinates to ZCTA, county and state boundaries.
// Boundary layers come from TIGER-style shapefiles (optionally zipped), are
// normalized to WGS84, cached in the store and indexed in an R-tree.
package spatial

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/edu-etl/internal/model"
)

// LayerData is the parsed content of one boundary archive.
type LayerData struct {
	Layer      model.LayerType
	CRS        CRS
	Boundaries []model.BoundaryGeometry
	// Reprojected counts records dropped because a coordinate could not be
	// brought into WGS84; Malformed counts records without a usable polygon.
	Reprojected int
	Malformed   int
}

// LoadLayer reads a boundary layer from a .shp, a .zip bundle or a
// directory holding either. Unreadable archives are errors; bad records are
// counted and skipped.
func LoadLayer(path string, layer model.LayerType) (*LayerData, error) {
	shpPath, cleanup, err := resolveShapefile(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	crs, err := ReadCRS(shpPath)
	if err != nil {
		return nil, err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	// go-shp opens the .dbf lazily and reports a missing one as no fields.
	fields := reader.Fields()
	if len(fields) == 0 {
		return nil, eris.Errorf("spatial: %s has no readable attribute table (.dbf)", shpPath)
	}
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToUpper(name)] = i
	}
	attr := func(names ...string) string {
		for _, n := range names {
			if idx, ok := fieldIdx[n]; ok {
				if v := strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00")); v != "" {
					return v
				}
			}
		}
		return ""
	}

	log := zap.L().With(zap.String("component", "spatial"), zap.String("layer", string(layer)))
	data := &LayerData{Layer: layer, CRS: crs}
	if crs == CRSUnknown {
		log.Warn("unsupported CRS, every record will be skipped", zap.String("shapefile", shpPath))
	}

	for reader.Next() {
		n, shape := reader.Shape()

		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			data.Malformed++
			log.Debug("skipping non-polygon record", zap.Int("record", n))
			continue
		}
		mp, err := polygonToMultiPolygon(poly, crs)
		if err != nil {
			if eris.Is(err, ErrReprojection) {
				data.Reprojected++
			} else {
				data.Malformed++
			}
			log.Debug("skipping record", zap.Int("record", n), zap.Error(err))
			continue
		}

		b := model.BoundaryGeometry{Layer: layer, Geometry: mp}
		switch layer {
		case model.LayerZCTA:
			b.GeoID = attr("ZCTA5CE20", "ZCTA5CE10", "GEOID20", "GEOID10", "GEOID")
			b.Name = b.GeoID
		case model.LayerCounty:
			b.GeoID = attr("GEOID", "GEOID20")
			b.Name = attr("NAME", "NAME20")
			b.StateFIPS = StripFIPS(attr("STATEFP", "STATEFP20"))
			b.CountyFIPS = StripFIPS(attr("COUNTYFP", "COUNTYFP20"))
		case model.LayerState:
			b.GeoID = attr("GEOID", "STATEFP")
			b.Name = attr("NAME")
			b.StateFIPS = StripFIPS(attr("STATEFP"))
			b.StateAbbr = attr("STUSPS")
		}
		if b.GeoID == "" {
			data.Malformed++
			log.Debug("skipping record without geoid", zap.Int("record", n))
			continue
		}
		b.Name = norm.NFC.String(b.Name)
		data.Boundaries = append(data.Boundaries, b)
	}

	if data.Reprojected > 0 || data.Malformed > 0 {
		log.Warn("skipped boundary records",
			zap.Int("reprojection", data.Reprojected),
			zap.Int("malformed", data.Malformed),
		)
	}
	return data, nil
}

// StripFIPS drops leading zeros, keeping a lone "0".
func StripFIPS(code string) string {
	s := strings.TrimLeft(code, "0")
	if s == "" && code != "" {
		return "0"
	}
	return s
}

// polygonToMultiPolygon converts a shapefile polygon to a WGS84
// geom.MultiPolygon. Clockwise rings are shells; counter-clockwise rings are
// holes of the shell that contains them. A counter-clockwise ring with no
// containing shell is taken as a shell.
func polygonToMultiPolygon(p *shp.Polygon, crs CRS) (*geom.MultiPolygon, error) {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil, eris.New("spatial: empty polygon")
	}

	type ring struct {
		flat  []float64
		holes [][]float64
	}
	var shells []*ring
	var holes [][]float64

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || end > int32(len(p.Points)) || end-start < 4 {
			return nil, eris.Errorf("spatial: ring %d has %d points", i, end-start)
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			lon, lat, err := crs.ToWGS84(p.Points[j].X, p.Points[j].Y)
			if err != nil {
				return nil, err
			}
			flat = append(flat, lon, lat)
		}

		if p.NumParts == 1 || signedArea(flat) < 0 {
			shells = append(shells, &ring{flat: flat})
		} else {
			holes = append(holes, flat)
		}
	}

	for _, h := range holes {
		var owner *ring
		probe := geom.Coord{h[0], h[1]}
		for _, s := range shells {
			if xy.IsPointInRing(geom.XY, probe, s.flat) {
				owner = s
				break
			}
		}
		if owner == nil {
			shells = append(shells, &ring{flat: h})
			continue
		}
		owner.holes = append(owner.holes, h)
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(SRIDWGS84)
	for _, s := range shells {
		flat := append([]float64(nil), s.flat...)
		ends := []int{len(flat)}
		for _, h := range s.holes {
			flat = append(flat, h...)
			ends = append(ends, len(flat))
		}
		if err := mp.Push(geom.NewPolygonFlat(geom.XY, flat, ends)); err != nil {
			return nil, eris.Wrap(err, "spatial: build multipolygon")
		}
	}
	return mp, nil
}

// signedArea is positive for counter-clockwise rings.
func signedArea(flat []float64) float64 {
	var sum float64
	n := len(flat) / 2
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += flat[2*i]*flat[2*j+1] - flat[2*j]*flat[2*i+1]
	}
	return sum / 2
}

// resolveShapefile locates the .shp behind path, extracting zip bundles to a
// temporary directory removed by cleanup.
func resolveShapefile(path string) (string, func(), error) {
	noop := func() {}
	info, err := os.Stat(path)
	if err != nil {
		return "", noop, eris.Wrapf(err, "spatial: boundary archive %s", path)
	}

	if info.IsDir() {
		if shpPath, err := findFileByExt(path, ".shp"); err == nil {
			return shpPath, noop, nil
		}
		zipPath, err := findFileByExt(path, ".zip")
		if err != nil {
			return "", noop, eris.Wrapf(err, "spatial: no shapefile in %s", path)
		}
		path = zipPath
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return path, noop, nil
	case ".zip":
		dir, err := os.MkdirTemp("", "edu-etl-shp-*")
		if err != nil {
			return "", noop, eris.Wrap(err, "spatial: create temp dir")
		}
		cleanup := func() { _ = os.RemoveAll(dir) }
		if err := extractZIP(path, dir); err != nil {
			cleanup()
			return "", noop, eris.Wrapf(err, "spatial: extract %s", path)
		}
		shpPath, err := findFileByExt(dir, ".shp")
		if err != nil {
			cleanup()
			return "", noop, eris.Wrapf(err, "spatial: no shapefile in %s", path)
		}
		return shpPath, cleanup, nil
	default:
		return "", noop, eris.Errorf("spatial: unsupported boundary archive %s", path)
	}
}

// extractZIP extracts a ZIP archive to the destination directory.
func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}

		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}

	return nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
