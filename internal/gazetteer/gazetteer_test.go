package gazetteer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.New(filepath.Join(dir, "test.db"), filepath.Join(dir, "content"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Cape Town", "cape town"},
		{"cape-town", "cape town"},
		{"  CAPE_TOWN  ", "cape town"},
		{"Côte d'Ivoire", "côte divoire"},
		{"", ""},
		{"---", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeName(c.in), c.in)
	}
}

func TestIndexMatchText(t *testing.T) {
	ix := NewIndex(zap.NewNop())
	ix.Add(&storage.Place{ID: 1, Kind: "country", CountryCode: "za"}, "south africa")
	ix.Add(&storage.Place{ID: 2, Kind: "city", CountryCode: "za"}, "cape town")
	ix.Add(&storage.Place{ID: 3, Kind: "city", CountryCode: "lk"}, "sri jayawardenepura kotte")

	ids := ix.Match("Protests in Cape Town as South Africa votes")
	assert.Equal(t, []int64{1, 2}, ids)

	// Three-word shingle.
	ids = ix.Match("the assembly sits in Sri Jayawardenepura Kotte today")
	assert.Equal(t, []int64{3}, ids)

	// Partial words never match.
	assert.Empty(t, ix.Match("capetown is one word here"))
	assert.Empty(t, ix.Match(""))
}

func TestIndexMatchPath(t *testing.T) {
	ix := NewIndex(zap.NewNop())
	ix.Add(&storage.Place{ID: 1, Kind: "country", CountryCode: "za"}, "south africa", "za")
	ix.Add(&storage.Place{ID: 2, Kind: "city", CountryCode: "za"}, "cape town")

	assert.Equal(t, []int64{1, 2}, ix.MatchPath("/za/cape-town/politics"))
	assert.Equal(t, []int64{2}, ix.MatchPath("/news/cape_town"))
	assert.Empty(t, ix.MatchPath("/world/economy"))
}

func TestIndexLoadFrom(t *testing.T) {
	s := newTestStore(t)

	id, err := s.InsertPlace(&storage.Place{Kind: "country", CountryCode: "fr", Lat: 46.2, Lng: 2.2})
	require.NoError(t, err)
	_, err = s.AddPlaceName(id, "France", "france", "en", "label")
	require.NoError(t, err)

	ix := NewIndex(zap.NewNop())
	require.NoError(t, ix.LoadFrom(s))

	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, []int64{id}, ix.Match("elections in France"))
	assert.Equal(t, []int64{id}, ix.PlacesInCountry("fr"))
	require.NotNil(t, ix.Place(id))
	assert.Equal(t, "country", ix.Place(id).Kind)
}

func TestResolverOrder(t *testing.T) {
	s := newTestStore(t)
	ix := NewIndex(zap.NewNop())
	r := NewResolver(s, ix, zap.NewNop())

	// Seed one city with an external id, a name and coordinates.
	id, created, err := r.Upsert(&Candidate{
		Kind:        "city",
		Name:        "Cape Town",
		CountryCode: "za",
		Lat:         -33.9249,
		Lng:         18.4241,
		Population:  4600000,
		ExternalIDs: map[string]string{"wikidata": "Q5465"},
	})
	require.NoError(t, err)
	assert.True(t, created)

	// External id wins even when the name differs.
	p, by, err := r.Resolve(&Candidate{
		Kind:        "city",
		Name:        "Kaapstad",
		CountryCode: "za",
		ExternalIDs: map[string]string{"wikidata": "Q5465"},
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, MatchExternalID, by)

	// Name + country match.
	p, by, err = r.Resolve(&Candidate{Kind: "city", Name: "cape-town", CountryCode: "za"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, MatchName, by)

	// Proximity match despite an unknown name.
	p, by, err = r.Resolve(&Candidate{Kind: "city", Name: "Mother City", Lat: -33.93, Lng: 18.42})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, MatchProximity, by)

	// Far away or different kind resolves to nothing.
	p, _, err = r.Resolve(&Candidate{Kind: "city", Name: "Durban", Lat: -29.85, Lng: 31.02})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestResolverAdminCode(t *testing.T) {
	s := newTestStore(t)
	ix := NewIndex(zap.NewNop())
	r := NewResolver(s, ix, zap.NewNop())

	id, _, err := r.Upsert(&Candidate{
		Kind: "region", Name: "Western Cape", CountryCode: "za", Admin1Code: "WC",
	})
	require.NoError(t, err)

	p, by, err := r.Resolve(&Candidate{
		Kind: "region", Name: "Wes-Kaap", CountryCode: "za", Admin1Code: "WC",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, MatchAdminCode, by)
}

func TestUpsertEnrichesAndRegistersNames(t *testing.T) {
	s := newTestStore(t)
	ix := NewIndex(zap.NewNop())
	r := NewResolver(s, ix, zap.NewNop())

	id, created, err := r.Upsert(&Candidate{Kind: "city", Name: "Dodoma", CountryCode: "tz"})
	require.NoError(t, err)
	require.True(t, created)

	// Second observation brings coordinates, population and an alt name.
	id2, created, err := r.Upsert(&Candidate{
		Kind:        "city",
		Name:        "Dodoma",
		CountryCode: "tz",
		Lat:         -6.1630,
		Lng:         35.7516,
		Population:  410000,
		AltNames:    []string{"Dodoma City"},
		ExternalIDs: map[string]string{"geonames": "160196"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)

	p, err := s.GetPlace(id)
	require.NoError(t, err)
	assert.InDelta(t, -6.1630, p.Lat, 1e-9)
	assert.Equal(t, int64(410000), p.Population)

	// The alt name is searchable through the live index.
	assert.Equal(t, []int64{id}, ix.Match("news from dodoma city"))

	// The external id now resolves.
	got, by, err := r.Resolve(&Candidate{Kind: "city", ExternalIDs: map[string]string{"geonames": "160196"}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, MatchExternalID, by)
}

func TestCapitalsTable(t *testing.T) {
	caps := CapitalsOf("za")
	require.Len(t, caps, 3)

	lat, lng, ok := CapitalCoords("za", "cape town")
	require.True(t, ok)
	assert.InDelta(t, -33.9249, lat, 1e-4)
	assert.InDelta(t, 18.4241, lng, 1e-4)

	_, _, ok = CapitalCoords("za", "johannesburg")
	assert.False(t, ok)
	assert.Nil(t, CapitalsOf("fr"))

	// Capitals within one country carry distinct, nonzero points.
	for code, list := range multiCapitals {
		require.GreaterOrEqual(t, len(list), 2, code)
		for i := 0; i < len(list); i++ {
			assert.False(t, list[i].Lat == 0 && list[i].Lng == 0, "%s/%s", code, list[i].Name)
			for j := i + 1; j < len(list); j++ {
				assert.False(t, list[i].Lat == list[j].Lat && list[i].Lng == list[j].Lng,
					"capitals of %s share a point: %s / %s", code, list[i].Name, list[j].Name)
			}
		}
	}
}
