// Package coords reprojects raw provider coordinates to WGS84 and resolves
// the best candidate among conflicting sources.
package coords

import (
	"math"

	"github.com/rotisserie/eris"
)

// EPSG codes the harvest sources are known to emit.
const (
	EPSGWGS84           = 4326
	EPSGWebMercator     = 3857
	EPSGWebMercatorEsri = 102100 // ArcGIS alias for 3857
	EPSGBritishGrid     = 27700  // OSGB36 / British National Grid
	EPSGGuernseyGrid    = 3108   // ETRS89 / Guernsey Grid
	EPSGJerseyTM        = 3109   // ETRS89 / Jersey Transverse Mercator
)

const webMercatorRadius = 6378137.0

// ellipsoid is a reference ellipsoid in semi-major/semi-minor form.
type ellipsoid struct {
	a, b float64
}

var (
	airy1830 = ellipsoid{a: 6377563.396, b: 6356256.909}
	grs80    = ellipsoid{a: 6378137.0, b: 6356752.314140356}
	wgs84    = ellipsoid{a: 6378137.0, b: 6356752.314245179}
)

// tmParams holds a transverse Mercator grid definition.
type tmParams struct {
	ell        ellipsoid
	f0         float64 // scale factor on central meridian
	lat0, lon0 float64 // true origin, radians
	e0, n0     float64 // false easting/northing, metres
}

var tmGrids = map[int]tmParams{
	EPSGBritishGrid: {
		ell:  airy1830,
		f0:   0.9996012717,
		lat0: rad(49), lon0: rad(-2),
		e0: 400000, n0: -100000,
	},
	EPSGGuernseyGrid: {
		ell:  grs80,
		f0:   0.999997,
		lat0: rad(49.5), lon0: rad(-2.0 - 25.0/60.0),
		e0: 47000, n0: 50000,
	},
	EPSGJerseyTM: {
		ell:  grs80,
		f0:   0.9999999,
		lat0: rad(49.225), lon0: rad(-2.135),
		e0: 40000, n0: 70000,
	},
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(r float64) float64   { return r * 180 / math.Pi }

// Supported reports whether an EPSG code can be reprojected to WGS84.
func Supported(epsg int) bool {
	switch epsg {
	case EPSGWGS84, EPSGWebMercator, EPSGWebMercatorEsri:
		return true
	}
	_, ok := tmGrids[epsg]
	return ok
}

// ToWGS84 reprojects one coordinate pair to WGS84 latitude/longitude. For
// projected systems, y is the northing and x the easting; for geographic
// systems, y is latitude and x longitude.
func ToWGS84(y, x float64, epsg int) (lat, lon float64, err error) {
	switch epsg {
	case EPSGWGS84:
		return y, x, nil
	case EPSGWebMercator, EPSGWebMercatorEsri:
		lat, lon = webMercatorInverse(x, y)
		return lat, lon, nil
	}

	grid, ok := tmGrids[epsg]
	if !ok {
		return 0, 0, eris.Errorf("coords: unsupported EPSG code %d", epsg)
	}

	phi, lambda := tmInverse(x, y, grid)

	// The Channel Island grids are ETRS89 based, which is WGS84-compatible
	// at this precision. OSGB36 needs a datum shift.
	if epsg == EPSGBritishGrid {
		phi, lambda = osgb36ToWGS84(phi, lambda, grid.ell)
	}

	return deg(phi), deg(lambda), nil
}

func webMercatorInverse(x, y float64) (lat, lon float64) {
	lon = deg(x / webMercatorRadius)
	lat = deg(2*math.Atan(math.Exp(y/webMercatorRadius)) - math.Pi/2)
	return lat, lon
}

// meridionalArc computes the developed arc of the meridian from lat0 to phi
// (OS series form).
func meridionalArc(phi float64, p tmParams) float64 {
	a, b := p.ell.a, p.ell.b
	n := (a - b) / (a + b)
	n2, n3 := n*n, n*n*n
	dPhi, sPhi := phi-p.lat0, phi+p.lat0

	m := (1 + n + 1.25*n2 + 1.25*n3) * dPhi
	m -= (3*n + 3*n2 + 2.625*n3) * math.Sin(dPhi) * math.Cos(sPhi)
	m += (1.875*n2 + 1.875*n3) * math.Sin(2*dPhi) * math.Cos(2*sPhi)
	m -= (35.0 / 24.0) * n3 * math.Sin(3*dPhi) * math.Cos(3*sPhi)
	return b * p.f0 * m
}

// tmForward projects geographic coordinates (radians, grid datum) to
// easting/northing. Kept alongside the inverse so the pair can be checked
// against each other.
func tmForward(phi, lambda float64, p tmParams) (easting, northing float64) {
	a := p.ell.a
	e2 := 1 - (p.ell.b*p.ell.b)/(a*a)

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	tanPhi := sinPhi / cosPhi

	nu := a * p.f0 / math.Sqrt(1-e2*sinPhi*sinPhi)
	rho := a * p.f0 * (1 - e2) / math.Pow(1-e2*sinPhi*sinPhi, 1.5)
	eta2 := nu/rho - 1

	m := meridionalArc(phi, p)

	cos3, cos5 := cosPhi*cosPhi*cosPhi, math.Pow(cosPhi, 5)
	tan2, tan4 := tanPhi*tanPhi, math.Pow(tanPhi, 4)

	i := m + p.n0
	ii := (nu / 2) * sinPhi * cosPhi
	iii := (nu / 24) * sinPhi * cos3 * (5 - tan2 + 9*eta2)
	iiia := (nu / 720) * sinPhi * cos5 * (61 - 58*tan2 + tan4)
	iv := nu * cosPhi
	v := (nu / 6) * cos3 * (nu/rho - tan2)
	vi := (nu / 120) * cos5 * (5 - 18*tan2 + tan4 + 14*eta2 - 58*tan2*eta2)

	dl := lambda - p.lon0
	northing = i + ii*dl*dl + iii*math.Pow(dl, 4) + iiia*math.Pow(dl, 6)
	easting = p.e0 + iv*dl + v*math.Pow(dl, 3) + vi*math.Pow(dl, 5)
	return easting, northing
}

// tmInverse converts easting/northing to geographic coordinates (radians)
// on the grid's datum.
func tmInverse(easting, northing float64, p tmParams) (phi, lambda float64) {
	a := p.ell.a
	e2 := 1 - (p.ell.b*p.ell.b)/(a*a)

	// Iterate the footpoint latitude until the meridional arc converges.
	phi = p.lat0
	m := 0.0
	for {
		phi = (northing-p.n0-m)/(a*p.f0) + phi
		m = meridionalArc(phi, p)
		if math.Abs(northing-p.n0-m) < 1e-5 {
			break
		}
	}

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	tanPhi := sinPhi / cosPhi

	nu := a * p.f0 / math.Sqrt(1-e2*sinPhi*sinPhi)
	rho := a * p.f0 * (1 - e2) / math.Pow(1-e2*sinPhi*sinPhi, 1.5)
	eta2 := nu/rho - 1

	tan2, tan4, tan6 := tanPhi*tanPhi, math.Pow(tanPhi, 4), math.Pow(tanPhi, 6)
	secPhi := 1 / cosPhi
	nu3, nu5, nu7 := nu*nu*nu, math.Pow(nu, 5), math.Pow(nu, 7)

	vii := tanPhi / (2 * rho * nu)
	viii := tanPhi / (24 * rho * nu3) * (5 + 3*tan2 + eta2 - 9*tan2*eta2)
	ix := tanPhi / (720 * rho * nu5) * (61 + 90*tan2 + 45*tan4)
	x := secPhi / nu
	xi := secPhi / (6 * nu3) * (nu/rho + 2*tan2)
	xii := secPhi / (120 * nu5) * (5 + 28*tan2 + 24*tan4)
	xiia := secPhi / (5040 * nu7) * (61 + 662*tan2 + 1320*tan4 + 720*tan6)

	de := easting - p.e0
	phi = phi - vii*de*de + viii*math.Pow(de, 4) - ix*math.Pow(de, 6)
	lambda = p.lon0 + x*de - xi*math.Pow(de, 3) + xii*math.Pow(de, 5) - xiia*math.Pow(de, 7)
	return phi, lambda
}

// helmert holds a 7-parameter datum transformation.
type helmert struct {
	tx, ty, tz float64 // metres
	rx, ry, rz float64 // arc-seconds
	s          float64 // ppm
}

// osgb36ToWGS84Params is the standard small-scale transformation published
// for OSGB36 -> WGS84 (accurate to a few metres, well inside the bbox
// tolerance used here).
var osgb36ToWGS84Params = helmert{
	tx: 446.448, ty: -125.157, tz: 542.060,
	rx: 0.1502, ry: 0.2470, rz: 0.8421,
	s: -20.4894,
}

func osgb36ToWGS84(phi, lambda float64, from ellipsoid) (float64, float64) {
	x, y, z := geodeticToCartesian(phi, lambda, from)
	x, y, z = applyHelmert(x, y, z, osgb36ToWGS84Params)
	return cartesianToGeodetic(x, y, z, wgs84)
}

func geodeticToCartesian(phi, lambda float64, ell ellipsoid) (x, y, z float64) {
	e2 := 1 - (ell.b*ell.b)/(ell.a*ell.a)
	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	nu := ell.a / math.Sqrt(1-e2*sinPhi*sinPhi)

	x = nu * cosPhi * math.Cos(lambda)
	y = nu * cosPhi * math.Sin(lambda)
	z = nu * (1 - e2) * sinPhi
	return x, y, z
}

func applyHelmert(x, y, z float64, h helmert) (float64, float64, float64) {
	const asToRad = math.Pi / (180 * 3600)
	rx, ry, rz := h.rx*asToRad, h.ry*asToRad, h.rz*asToRad
	s := 1 + h.s*1e-6

	x2 := h.tx + s*x - rz*y + ry*z
	y2 := h.ty + rz*x + s*y - rx*z
	z2 := h.tz - ry*x + rx*y + s*z
	return x2, y2, z2
}

func cartesianToGeodetic(x, y, z float64, ell ellipsoid) (phi, lambda float64) {
	e2 := 1 - (ell.b*ell.b)/(ell.a*ell.a)
	p := math.Sqrt(x*x + y*y)

	lambda = math.Atan2(y, x)
	phi = math.Atan2(z, p*(1-e2))
	for i := 0; i < 10; i++ {
		sinPhi := math.Sin(phi)
		nu := ell.a / math.Sqrt(1-e2*sinPhi*sinPhi)
		next := math.Atan2(z+e2*nu*sinPhi, p)
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return phi, lambda
}
