package policy

import (
	"math"
	"sort"

	"github.com/cwbudde/bistroopt/internal/network"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// MetresPerMile converts link lengths to the per-mile toll basis.
const MetresPerMile = 1609.344

// TollTimeRange is the BEAM time window (hours) a cordon toll applies to.
const TollTimeRange = "[0:35]"

// LinkToll is one RoadPricing.csv row.
type LinkToll struct {
	LinkID    string
	Toll      float64
	TimeRange string
}

// CordonTolls returns the toll of every link touched by the cordons. A link
// fully inside a cordon pays for its whole length; a link crossing the
// boundary pays for the part inside. When cordons overlap the cheapest toll
// applies. Rows are sorted by link id.
func CordonTolls(net *network.Network, cordons []Cordon) []LinkToll {
	tolls := make(map[string]float64)
	for _, c := range cordons {
		for _, link := range net.Links {
			toll, ok := c.linkToll(link)
			if !ok {
				continue
			}
			if prev, seen := tolls[link.ID]; !seen || toll < prev {
				tolls[link.ID] = toll
			}
		}
	}

	rows := make([]LinkToll, 0, len(tolls))
	for id, toll := range tolls {
		rows = append(rows, LinkToll{LinkID: id, Toll: toll, TimeRange: TollTimeRange})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LinkID < rows[j].LinkID })
	return rows
}

// linkToll prices a single link against the cordon.
func (c Cordon) linkToll(link network.Link) (float64, bool) {
	center := orb.Point{c.CenterX, c.CenterY}
	from, to := link.From(), link.To()
	fromIn := planar.Distance(center, from) < c.Radius
	toIn := planar.Distance(center, to) < c.Radius

	switch {
	case fromIn && toIn:
		return link.Length * c.Toll / MetresPerMile, true
	case fromIn || toIn:
		hit, ok := circleIntersection(center, c.Radius, from, to)
		if !ok {
			return link.Length * c.Toll / MetresPerMile, true
		}
		inside := from
		if !fromIn {
			inside = to
		}
		return planar.Distance(inside, hit) * c.Toll / MetresPerMile, true
	default:
		return 0, false
	}
}

// circleIntersection returns the first point where segment a-b crosses the
// circle boundary, walking from a.
func circleIntersection(center orb.Point, r float64, a, b orb.Point) (orb.Point, bool) {
	dx, dy := b[0]-a[0], b[1]-a[1]
	fx, fy := a[0]-center[0], a[1]-center[1]

	qa := dx*dx + dy*dy
	if qa == 0 {
		return orb.Point{}, false
	}
	qb := 2 * (fx*dx + fy*dy)
	qc := fx*fx + fy*fy - r*r

	disc := qb*qb - 4*qa*qc
	if disc < 0 {
		return orb.Point{}, false
	}
	sq := math.Sqrt(disc)

	for _, t := range []float64{(-qb - sq) / (2 * qa), (-qb + sq) / (2 * qa)} {
		if t >= 0 && t <= 1 {
			return orb.Point{a[0] + t*dx, a[1] + t*dy}, true
		}
	}
	return orb.Point{}, false
}
