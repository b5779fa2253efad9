package spatial

import (
	"archive/zip"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["Degree",0.017453292519943295]]`

const nad83PRJ = `GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137,298.257222101]],PRIMEM["Greenwich",0],UNIT["Degree",0.017453292519943295]]`

const mercatorPRJ = `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Mercator_Auxiliary_Sphere"],UNIT["Meter",1.0]]`

const utmPRJ = `PROJCS["NAD_1983_UTM_Zone_17N",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]]],PROJECTION["Transverse_Mercator"],UNIT["Meter",1.0]]`

// fixture is one shapefile record: attributes plus rings of (x, y) points.
type fixture struct {
	attrs []string
	rings [][][2]float64
}

// shell returns a clockwise square ring.
func shell(x0, y0, size float64) [][2]float64 {
	return [][2]float64{{x0, y0}, {x0, y0 + size}, {x0 + size, y0 + size}, {x0 + size, y0}, {x0, y0}}
}

// hole returns a counter-clockwise square ring.
func hole(x0, y0, size float64) [][2]float64 {
	return [][2]float64{{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}, {x0, y0}}
}

func polygon(rings [][][2]float64) *shp.Polygon {
	p := &shp.Polygon{
		Box:      shp.Box{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)},
		NumParts: int32(len(rings)),
	}
	for _, r := range rings {
		p.Parts = append(p.Parts, int32(len(p.Points)))
		for _, c := range r {
			p.Points = append(p.Points, shp.Point{X: c[0], Y: c[1]})
			p.Box.MinX = math.Min(p.Box.MinX, c[0])
			p.Box.MinY = math.Min(p.Box.MinY, c[1])
			p.Box.MaxX = math.Max(p.Box.MaxX, c[0])
			p.Box.MaxY = math.Max(p.Box.MaxY, c[1])
		}
	}
	p.NumPoints = int32(len(p.Points))
	return p
}

// writeShapefile writes dir/name.shp (+ .shx, .dbf and, when prj is set,
// .prj) and returns the .shp path.
func writeShapefile(t *testing.T, dir, name string, fields []string, recs []fixture, prj string) string {
	t.Helper()
	path := filepath.Join(dir, name+".shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	shpFields := make([]shp.Field, len(fields))
	for i, f := range fields {
		shpFields[i] = shp.StringField(f, 60)
	}
	w.SetFields(shpFields) //nolint:errcheck

	for _, rec := range recs {
		n := int(w.Write(polygon(rec.rings)))
		for j, v := range rec.attrs {
			w.WriteAttribute(n, j, v) //nolint:errcheck
		}
	}
	w.Close()
	moveDBF(t, path)

	if prj != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".prj"), []byte(prj), 0o644))
	}
	return path
}

// moveDBF renames the attribute table go-shp writes as "<base>dbf" to
// "<base>.dbf".
func moveDBF(t *testing.T, shpPath string) {
	t.Helper()
	base := strings.TrimSuffix(shpPath, ".shp")
	if _, err := os.Stat(base + "dbf"); err == nil {
		require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
	}
	require.FileExists(t, base+".dbf")
}

// zipShapefile bundles every sidecar of shpPath into zipPath.
func zipShapefile(t *testing.T, shpPath, zipPath string) {
	t.Helper()
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)

	base := shpPath[:len(shpPath)-len(".shp")]
	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj"} {
		in, err := os.Open(base + ext)
		if os.IsNotExist(err) {
			continue
		}
		require.NoError(t, err)
		w, err := zw.Create("nested/" + filepath.Base(base+ext))
		require.NoError(t, err)
		_, err = io.Copy(w, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
}

// Fixture layers: state 01 spans lon -100..-90 with a hole at -96..-94 /
// 34..36; state 02 spans -90..-80; county 01001 covers the west half of
// state 01; ZCTA 00601 sits inside that county.
func writeFixtureLayers(t *testing.T, dir string) {
	t.Helper()
	writeShapefile(t, dir, "state", []string{"GEOID", "STATEFP", "STUSPS", "NAME"}, []fixture{
		{attrs: []string{"01", "01", "AA", "Alpha"}, rings: [][][2]float64{shell(-100, 30, 10), hole(-96, 34, 2)}},
		{attrs: []string{"02", "02", "BB", "Beta"}, rings: [][][2]float64{shell(-90, 30, 10)}},
	}, wgs84PRJ)
	writeShapefile(t, dir, "county", []string{"GEOID", "STATEFP", "COUNTYFP", "NAME"}, []fixture{
		{attrs: []string{"01001", "01", "001", "Cafe\u0301 County"}, rings: [][][2]float64{shell(-100, 30, 4)}},
	}, nad83PRJ)
	writeShapefile(t, dir, "zcta", []string{"ZCTA5CE20"}, []fixture{
		{attrs: []string{"00601"}, rings: [][][2]float64{shell(-99, 31, 1)}},
	}, wgs84PRJ)
}

func mercator(lon, lat float64) (float64, float64) {
	x := lon * earthRadius * math.Pi / 180
	y := earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}
