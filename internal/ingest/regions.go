package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
)

// Regions ingests first-level administrative divisions from a Wikidata
// SPARQL results payload. Each region carries its ISO 3166-2 code and
// Wikidata QID, and is linked to its country by an admin1 edge.
type Regions struct {
	URL     string
	Version string
}

func (g *Regions) Name() string { return "regions" }

func (g *Regions) Source() (string, string) {
	v := g.Version
	if v == "" {
		v = defaultWikidataVersion
	}
	return "wikidata-regions", v
}

func (g *Regions) Execute(ctx context.Context, sc *StageContext) (Summary, error) {
	var sum Summary

	u := g.URL
	if u == "" {
		u = DefaultRegionsURL
	}
	code, body, err := sc.Fetch(ctx, u)
	if err != nil {
		return sum, errkind.Wrap(errkind.TransientNetwork, err, "fetch regions payload")
	}
	if code != 200 {
		return sum, errkind.Newf(errkind.PermanentHTTP, "regions payload returned %d", code)
	}
	bindings, err := parseSPARQL(body)
	if err != nil {
		return sum, err
	}

	parents := map[string]int64{}

	for i, b := range bindings {
		name := b["regionLabel"].Value
		cc := strings.ToLower(b["countryCode"].Value)
		if name == "" || cc == "" {
			sum.Skipped++
			continue
		}

		cand := &gazetteer.Candidate{
			Kind:        "region",
			Name:        name,
			CountryCode: cc,
			Admin1Code:  b["isoCode"].Value,
		}
		if qid := entityID(b["region"].Value); qid != "" {
			cand.ExternalIDs = map[string]string{"wikidata": qid}
		}
		if lat, lng, ok := parsePoint(b["coord"].Value); ok {
			cand.Lat, cand.Lng = lat, lng
		}
		if pop, perr := strconv.ParseInt(b["population"].Value, 10, 64); perr == nil {
			cand.Population = pop
		}

		id, created, err := sc.Resolver.Upsert(cand)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Written++
		} else {
			sum.Updated++
		}

		parentID, err := countryPlaceID(sc, parents, cc)
		if err != nil {
			return sum, err
		}
		if parentID != 0 {
			if err := sc.Store.AddHierarchyEdge(parentID, id, "admin1"); err != nil {
				return sum, err
			}
		}
		sc.Progress(i+1, len(bindings), name)
	}
	return sum, nil
}

// countryPlaceID resolves a country code to its place id, caching
// lookups across rows. Zero means no country place exists yet; the
// region is still written, just unlinked.
func countryPlaceID(sc *StageContext, cache map[string]int64, cc string) (int64, error) {
	if id, ok := cache[cc]; ok {
		return id, nil
	}
	places, err := sc.Store.CountryPlaces(cc, "country")
	if err != nil {
		return 0, err
	}
	var id int64
	if len(places) > 0 {
		id = places[0].ID
	}
	cache[cc] = id
	return id, nil
}
