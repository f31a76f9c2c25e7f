package ingest

import "net/url"

// Dataset versions recorded on ingestion runs. Bumping one re-opens
// the source for ingestion without forcing.
const (
	defaultCountriesVersion  = "v3.1"
	defaultWikidataVersion   = "2026-01"
	defaultBoundariesVersion = "jsonv2"
)

// DefaultCountriesURL trims the REST Countries payload to the fields
// the ingestor reads.
const DefaultCountriesURL = "https://restcountries.com/v3.1/all" +
	"?fields=name,cca2,cca3,capital,capitalInfo,latlng,population,altSpellings,region,subregion"

// DefaultBoundariesURLTemplate looks up one country's bounding box;
// %s is the ISO 3166-1 alpha-2 code.
const DefaultBoundariesURLTemplate = "https://nominatim.openstreetmap.org/search" +
	"?country=%s&format=jsonv2&limit=1"

const wikidataEndpoint = "https://query.wikidata.org/sparql"

// First-level administrative divisions (Q10864048) with their ISO
// 3166-2 code, country code, coordinates and population.
const regionsQuery = `SELECT ?region ?regionLabel ?isoCode ?countryCode ?coord ?population WHERE {
  ?region wdt:P31/wdt:P279* wd:Q10864048 .
  ?region wdt:P300 ?isoCode .
  ?region wdt:P17 ?country .
  ?country wdt:P297 ?countryCode .
  OPTIONAL { ?region wdt:P625 ?coord . }
  OPTIONAL { ?region wdt:P1082 ?population . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en" . }
}`

// Cities (Q515) with country code, coordinates and population, most
// populous first so per-country ranking needs no second pass upstream.
const citiesQuery = `SELECT ?city ?cityLabel ?countryCode ?coord ?population WHERE {
  ?city wdt:P31/wdt:P279* wd:Q515 .
  ?city wdt:P17 ?country .
  ?country wdt:P297 ?countryCode .
  ?city wdt:P1082 ?population .
  OPTIONAL { ?city wdt:P625 ?coord . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en" . }
}
ORDER BY DESC(?population)
LIMIT 5000`

var (
	// DefaultRegionsURL queries Wikidata for admin-1 divisions.
	DefaultRegionsURL = sparqlURL(regionsQuery)

	// DefaultCitiesURL queries Wikidata for population-ranked cities.
	DefaultCitiesURL = sparqlURL(citiesQuery)
)

func sparqlURL(query string) string {
	return wikidataEndpoint + "?format=json&query=" + url.QueryEscape(query)
}

// GeographyStages is the stage list behind geography crawls: countries
// first, then regions, cities, and boundary enrichment, each gated one
// depth level deeper than the last.
func GeographyStages() []Stage {
	return []Stage{
		{Name: "countries", Kind: "country", CrawlDepth: 0, Priority: 100, Ingestors: []Ingestor{&Countries{}}},
		{Name: "regions", Kind: "region", CrawlDepth: 1, Priority: 90, Ingestors: []Ingestor{&Regions{}}},
		{Name: "cities", Kind: "city", CrawlDepth: 2, Priority: 80, Ingestors: []Ingestor{&Cities{}}},
		{Name: "boundaries", Kind: "boundary", CrawlDepth: 3, Priority: 70, Ingestors: []Ingestor{&Boundaries{}}},
	}
}
