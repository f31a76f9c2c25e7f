package ingest

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/harvest-crawler/harvest/internal/errkind"
)

// sparqlValue is one cell of a W3C SPARQL JSON results binding.
type sparqlValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sparqlResults struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

// parseSPARQL decodes a SPARQL JSON results payload into its bindings.
// Missing variables read as zero values, so callers can index bindings
// directly.
func parseSPARQL(body []byte) ([]map[string]sparqlValue, error) {
	var out sparqlResults
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errkind.Wrap(errkind.ParseFailure, err, "decode sparql results")
	}
	return out.Results.Bindings, nil
}

// entityID extracts the trailing identifier from an entity URI, e.g.
// "http://www.wikidata.org/entity/Q258" yields "Q258".
func entityID(uri string) string {
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// parsePoint reads the WKT "Point(lng lat)" literal Wikidata emits for
// coordinate values.
func parsePoint(wkt string) (lat, lng float64, ok bool) {
	s := strings.TrimSpace(wkt)
	if !strings.HasPrefix(s, "Point(") || !strings.HasSuffix(s, ")") {
		return 0, 0, false
	}
	fields := strings.Fields(s[len("Point(") : len(s)-1])
	if len(fields) != 2 {
		return 0, 0, false
	}
	lngV, errLng := strconv.ParseFloat(fields[0], 64)
	latV, errLat := strconv.ParseFloat(fields[1], 64)
	if errLng != nil || errLat != nil {
		return 0, 0, false
	}
	return latV, lngV, true
}
