package ingest

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
)

// defaultCitiesPerCountry caps how many cities each country keeps.
const defaultCitiesPerCountry = 10

// Cities ingests cities from a Wikidata SPARQL results payload,
// keeping the most populous PerCountry cities of each country and
// linking them under their country place.
type Cities struct {
	URL        string
	Version    string
	PerCountry int
}

func (g *Cities) Name() string { return "cities" }

func (g *Cities) Source() (string, string) {
	v := g.Version
	if v == "" {
		v = defaultWikidataVersion
	}
	return "wikidata-cities", v
}

type cityRow struct {
	name       string
	qid        string
	lat, lng   float64
	hasCoord   bool
	population int64
}

func (g *Cities) Execute(ctx context.Context, sc *StageContext) (Summary, error) {
	var sum Summary

	u := g.URL
	if u == "" {
		u = DefaultCitiesURL
	}
	code, body, err := sc.Fetch(ctx, u)
	if err != nil {
		return sum, errkind.Wrap(errkind.TransientNetwork, err, "fetch cities payload")
	}
	if code != 200 {
		return sum, errkind.Newf(errkind.PermanentHTTP, "cities payload returned %d", code)
	}
	bindings, err := parseSPARQL(body)
	if err != nil {
		return sum, err
	}

	limit := g.PerCountry
	if limit <= 0 {
		limit = defaultCitiesPerCountry
	}

	perCountry := map[string][]cityRow{}
	total := 0
	for _, b := range bindings {
		name := b["cityLabel"].Value
		cc := strings.ToLower(b["countryCode"].Value)
		if name == "" || cc == "" {
			sum.Skipped++
			continue
		}
		row := cityRow{name: name, qid: entityID(b["city"].Value)}
		if lat, lng, ok := parsePoint(b["coord"].Value); ok {
			row.lat, row.lng, row.hasCoord = lat, lng, true
		}
		if pop, perr := strconv.ParseInt(b["population"].Value, 10, 64); perr == nil {
			row.population = pop
		}
		perCountry[cc] = append(perCountry[cc], row)
		total++
	}

	codes := make([]string, 0, len(perCountry))
	for cc := range perCountry {
		codes = append(codes, cc)
	}
	sort.Strings(codes)

	parents := map[string]int64{}
	done := 0

	for _, cc := range codes {
		rows := perCountry[cc]
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].population > rows[j].population
		})

		parentID, err := countryPlaceID(sc, parents, cc)
		if err != nil {
			return sum, err
		}

		for i, row := range rows {
			done++
			if i >= limit {
				sum.Skipped++
				continue
			}

			cand := &gazetteer.Candidate{
				Kind:        "city",
				Name:        row.name,
				CountryCode: cc,
				Population:  row.population,
			}
			if row.hasCoord {
				cand.Lat, cand.Lng = row.lat, row.lng
			}
			if row.qid != "" {
				cand.ExternalIDs = map[string]string{"wikidata": row.qid}
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

			if parentID != 0 {
				if err := sc.Store.AddHierarchyEdge(parentID, id, "city"); err != nil {
					return sum, err
				}
			}
			sc.Progress(done, total, row.name)
		}
	}
	return sum, nil
}
