package gazetteer

import (
	"sort"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/storage"
)

// ProximityEpsilon is the coordinate box, in degrees, inside which two
// places of the same kind are considered the same during ingestion.
const ProximityEpsilon = 0.05

// How a candidate was matched to an existing place.
const (
	MatchExternalID = "external-id"
	MatchAdminCode  = "admin-code"
	MatchName       = "name-country"
	MatchProximity  = "proximity"
)

// Candidate is one place observation from an ingestion source.
type Candidate struct {
	Kind        string
	Name        string
	Lang        string
	CountryCode string
	Admin1Code  string
	Lat         float64
	Lng         float64
	Population  int64
	ExtraJSON   string

	// ExternalIDs maps source name (wikidata, geonames, osm) to the
	// source's identifier.
	ExternalIDs map[string]string

	// AltNames are additional names to register, already in display form.
	AltNames []string
}

// Resolver deduplicates candidates against the stored gazetteer.
type Resolver struct {
	store  *storage.Store
	index  *Index
	logger *zap.Logger
}

// NewResolver creates a resolver writing through store and keeping
// index current.
func NewResolver(store *storage.Store, index *Index, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, index: index, logger: logger.Named("resolver")}
}

// Resolve finds the existing place a candidate refers to, trying in
// order: external id, admin code, normalized name plus country, then
// coordinate proximity. Returns the place and which rule matched, or
// (nil, "", nil) when the candidate is new.
func (r *Resolver) Resolve(c *Candidate) (*storage.Place, string, error) {
	for _, source := range sortedSources(c.ExternalIDs) {
		p, err := r.store.FindPlaceByExternalID(source, c.ExternalIDs[source])
		if err != nil {
			return nil, "", err
		}
		if p != nil {
			return p, MatchExternalID, nil
		}
	}

	if c.CountryCode != "" && c.Admin1Code != "" {
		p, err := r.store.FindPlaceByAdminCode(c.CountryCode, c.Admin1Code)
		if err != nil {
			return nil, "", err
		}
		if p != nil && p.Kind == c.Kind {
			return p, MatchAdminCode, nil
		}
	}

	if norm := NormalizeName(c.Name); norm != "" {
		p, err := r.store.FindPlaceByName(norm, c.CountryCode, c.Kind)
		if err != nil {
			return nil, "", err
		}
		if p != nil {
			return p, MatchName, nil
		}
	}

	if c.Lat != 0 || c.Lng != 0 {
		p, err := r.store.FindPlaceNear(c.Lat, c.Lng, ProximityEpsilon, c.Kind)
		if err != nil {
			return nil, "", err
		}
		if p != nil {
			return p, MatchProximity, nil
		}
	}

	return nil, "", nil
}

// Upsert resolves a candidate and either enriches the matched place or
// inserts a new one, registering names and external ids either way.
// Returns the place id and whether a new row was created.
func (r *Resolver) Upsert(c *Candidate) (int64, bool, error) {
	existing, matchedBy, err := r.Resolve(c)
	if err != nil {
		return 0, false, err
	}

	if existing != nil {
		if enrich(existing, c) {
			if err := r.store.UpdatePlace(existing); err != nil {
				return 0, false, err
			}
		}
		// A name seen on a match becomes an alt name of the match.
		if err := r.addAltName(existing.ID, c.Name, c.Lang); err != nil {
			return 0, false, err
		}
		if err := r.register(existing.ID, c); err != nil {
			return 0, false, err
		}
		r.logger.Debug("place matched",
			zap.Int64("place_id", existing.ID),
			zap.String("name", c.Name),
			zap.String("matched_by", matchedBy))
		return existing.ID, false, nil
	}

	p := &storage.Place{
		Kind:        c.Kind,
		CountryCode: c.CountryCode,
		Admin1Code:  c.Admin1Code,
		Lat:         c.Lat,
		Lng:         c.Lng,
		Population:  c.Population,
		ExtraJSON:   c.ExtraJSON,
	}
	id, err := r.store.InsertPlace(p)
	if err != nil {
		return 0, false, err
	}
	p.ID = id

	if c.Name != "" {
		nameID, err := r.store.AddPlaceName(id, c.Name, NormalizeName(c.Name), c.Lang, "label")
		if err != nil {
			return 0, false, err
		}
		if err := r.store.SetCanonicalName(id, nameID); err != nil {
			return 0, false, err
		}
		p.CanonicalNameID = nameID
	}
	if err := r.register(id, c); err != nil {
		return 0, false, err
	}

	names := append([]string{NormalizeName(c.Name)}, normalizeAll(c.AltNames)...)
	r.index.Add(p, names...)
	return id, true, nil
}

// register writes alt names and external ids for an already-known place.
func (r *Resolver) register(placeID int64, c *Candidate) error {
	for _, alt := range c.AltNames {
		if NormalizeName(alt) == NormalizeName(c.Name) {
			continue
		}
		if err := r.addAltName(placeID, alt, c.Lang); err != nil {
			return err
		}
	}
	for _, source := range sortedSources(c.ExternalIDs) {
		if err := r.store.AddExternalID(placeID, source, c.ExternalIDs[source]); err != nil {
			return err
		}
	}
	return nil
}

// addAltName records a name unless the place already carries it under
// any kind, so repeated ingestion never grows the name table.
func (r *Resolver) addAltName(placeID int64, name, lang string) error {
	norm := NormalizeName(name)
	if norm == "" {
		return nil
	}
	known, err := r.store.HasPlaceName(placeID, norm)
	if err != nil {
		return err
	}
	if !known {
		if _, err := r.store.AddPlaceName(placeID, name, norm, lang, "alt"); err != nil {
			return err
		}
	}
	if p := r.index.Place(placeID); p != nil {
		r.index.Add(p, norm)
	}
	return nil
}

// enrich fills zero-valued fields of an existing place from a candidate.
func enrich(p *storage.Place, c *Candidate) bool {
	changed := false
	if p.Population == 0 && c.Population > 0 {
		p.Population = c.Population
		changed = true
	}
	if p.Lat == 0 && p.Lng == 0 && (c.Lat != 0 || c.Lng != 0) {
		p.Lat, p.Lng = c.Lat, c.Lng
		changed = true
	}
	if p.Admin1Code == "" && c.Admin1Code != "" {
		p.Admin1Code = c.Admin1Code
		changed = true
	}
	if p.ExtraJSON == "" && c.ExtraJSON != "" {
		p.ExtraJSON = c.ExtraJSON
		changed = true
	}
	return changed
}

func sortedSources(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if norm := NormalizeName(n); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}
