package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// boundaryRecord is the subset of a Nominatim search result the
// ingestor reads. boundingbox is [south, north, west, east] as decimal
// strings.
type boundaryRecord struct {
	OSMType     string   `json:"osm_type"`
	OSMID       int64    `json:"osm_id"`
	BoundingBox []string `json:"boundingbox"`
}

// Boundaries enriches existing country places with bounding boxes from
// a Nominatim-style lookup, one request per country. A country whose
// lookup fails or returns nothing is skipped, not fatal: boundary data
// is an enrichment, never the source of truth for place identity.
type Boundaries struct {
	URLTemplate string
	Version     string
}

func (g *Boundaries) Name() string { return "boundaries" }

func (g *Boundaries) Source() (string, string) {
	v := g.Version
	if v == "" {
		v = defaultBoundariesVersion
	}
	return "nominatim-boundaries", v
}

func (g *Boundaries) Execute(ctx context.Context, sc *StageContext) (Summary, error) {
	var sum Summary

	tmpl := g.URLTemplate
	if tmpl == "" {
		tmpl = DefaultBoundariesURLTemplate
	}

	places, err := sc.Store.AllPlaces()
	if err != nil {
		return sum, err
	}
	var countries []*storage.Place
	for _, p := range places {
		if p.Kind == "country" {
			countries = append(countries, p)
		}
	}

	for i, p := range countries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		u := fmt.Sprintf(tmpl, url.QueryEscape(p.CountryCode))
		code, body, ferr := sc.Fetch(ctx, u)
		if ferr != nil || code != 200 {
			sum.Skipped++
			sc.Logger.Debug("boundary lookup unavailable",
				zap.String("country", p.CountryCode), zap.Int("status", code), zap.Error(ferr))
			continue
		}

		var recs []boundaryRecord
		if err := json.Unmarshal(body, &recs); err != nil {
			sum.Skipped++
			sc.Logger.Debug("boundary payload malformed",
				zap.String("country", p.CountryCode), zap.Error(err))
			continue
		}
		if len(recs) == 0 {
			sum.Skipped++
			continue
		}
		rec := recs[0]

		bbox, ok := parseBBox(rec.BoundingBox)
		if !ok {
			sum.Skipped++
			continue
		}
		merged, err := mergeExtra(p.ExtraJSON, "bbox", bbox)
		if err != nil {
			return sum, err
		}
		p.ExtraJSON = merged
		if err := sc.Store.UpdatePlace(p); err != nil {
			return sum, err
		}
		sum.Updated++

		if rec.OSMType != "" && rec.OSMID != 0 {
			osmID := fmt.Sprintf("%s/%d", rec.OSMType, rec.OSMID)
			if err := sc.Store.AddExternalID(p.ID, "osm", osmID); err != nil {
				return sum, err
			}
		}
		sc.Progress(i+1, len(countries), p.CountryCode)
	}
	return sum, nil
}

// parseBBox converts Nominatim's string quadruple into named edges.
func parseBBox(raw []string) (map[string]float64, bool) {
	if len(raw) != 4 {
		return nil, false
	}
	vals := make([]float64, 4)
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		vals[i] = v
	}
	return map[string]float64{
		"south": vals[0],
		"north": vals[1],
		"west":  vals[2],
		"east":  vals[3],
	}, true
}

// mergeExtra sets one key inside a place's extra_json document,
// preserving whatever else is there.
func mergeExtra(extra, key string, value any) (string, error) {
	m := map[string]any{}
	if strings.TrimSpace(extra) != "" {
		if err := json.Unmarshal([]byte(extra), &m); err != nil {
			return "", errkind.Wrap(errkind.ParseFailure, err, "decode place extra_json")
		}
	}
	m[key] = value
	out, err := json.Marshal(m)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err, "encode place extra_json")
	}
	return string(out), nil
}
