package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
)

// countryRecord is the subset of a REST Countries v3.1 row the ingestor
// reads.
type countryRecord struct {
	Name struct {
		Common   string `json:"common"`
		Official string `json:"official"`
	} `json:"name"`
	CCA2        string   `json:"cca2"`
	CCA3        string   `json:"cca3"`
	Capital     []string `json:"capital"`
	CapitalInfo struct {
		LatLng []float64 `json:"latlng"`
	} `json:"capitalInfo"`
	LatLng       []float64 `json:"latlng"`
	Population   int64     `json:"population"`
	AltSpellings []string  `json:"altSpellings"`
	Region       string    `json:"region"`
	Subregion    string    `json:"subregion"`
}

// Countries ingests the REST Countries dataset: one country place per
// row plus its capital cities, linked by capital hierarchy edges.
// Multi-capital countries get per-capital coordinates from the known
// table so proximity matching cannot collapse them onto one point.
type Countries struct {
	URL     string
	Version string
}

func (g *Countries) Name() string { return "countries" }

func (g *Countries) Source() (string, string) {
	v := g.Version
	if v == "" {
		v = defaultCountriesVersion
	}
	return "restcountries", v
}

func (g *Countries) Execute(ctx context.Context, sc *StageContext) (Summary, error) {
	var sum Summary

	u := g.URL
	if u == "" {
		u = DefaultCountriesURL
	}
	code, body, err := sc.Fetch(ctx, u)
	if err != nil {
		return sum, errkind.Wrap(errkind.TransientNetwork, err, "fetch countries payload")
	}
	if code != 200 {
		return sum, errkind.Newf(errkind.PermanentHTTP, "countries payload returned %d", code)
	}

	var records []countryRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return sum, errkind.Wrap(errkind.ParseFailure, err, "decode countries payload")
	}

	for i, rec := range records {
		if rec.CCA2 == "" || rec.Name.Common == "" {
			sum.Skipped++
			continue
		}
		cc := strings.ToLower(rec.CCA2)

		extra, _ := json.Marshal(map[string]string{
			"region":    rec.Region,
			"subregion": rec.Subregion,
		})
		cand := &gazetteer.Candidate{
			Kind:        "country",
			Name:        rec.Name.Common,
			CountryCode: cc,
			Population:  rec.Population,
			ExtraJSON:   string(extra),
			AltNames:    append([]string{rec.Name.Official}, rec.AltSpellings...),
		}
		if len(rec.LatLng) == 2 {
			cand.Lat, cand.Lng = rec.LatLng[0], rec.LatLng[1]
		}
		if rec.CCA3 != "" {
			cand.ExternalIDs = map[string]string{"iso3166": rec.CCA3}
		}

		countryID, created, err := sc.Resolver.Upsert(cand)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Written++
		} else {
			sum.Updated++
		}

		if err := g.ingestCapitals(sc, countryID, cc, rec, &sum); err != nil {
			return sum, err
		}
		sc.Progress(i+1, len(records), rec.Name.Common)
	}
	return sum, nil
}

// ingestCapitals upserts each declared capital as a city. Coordinates
// come from the multi-capital table when the country is in it, else
// from the row's single capitalInfo point.
func (g *Countries) ingestCapitals(sc *StageContext, countryID int64, cc string, rec countryRecord, sum *Summary) error {
	for _, capName := range rec.Capital {
		if capName == "" {
			continue
		}
		lat, lng, ok := gazetteer.CapitalCoords(cc, capName)
		if !ok && len(rec.CapitalInfo.LatLng) == 2 {
			lat, lng = rec.CapitalInfo.LatLng[0], rec.CapitalInfo.LatLng[1]
			ok = true
		}

		cand := &gazetteer.Candidate{
			Kind:        "city",
			Name:        capName,
			CountryCode: cc,
			ExtraJSON:   `{"capital":true}`,
		}
		if ok {
			cand.Lat, cand.Lng = lat, lng
		}

		capID, created, err := sc.Resolver.Upsert(cand)
		if err != nil {
			return err
		}
		if created {
			sum.Written++
		} else {
			sum.Updated++
		}
		if err := sc.Store.AddHierarchyEdge(countryID, capID, "capital"); err != nil {
			return err
		}
	}
	return nil
}
