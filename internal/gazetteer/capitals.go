package gazetteer

// Capital is one seat of government with its own coordinates.
type Capital struct {
	Name string
	Lat  float64
	Lng  float64
}

// multiCapitals lists countries with more than one capital. Sources
// often carry a single capital point per country; writing each capital
// with its own coordinates keeps proximity dedup from collapsing them.
var multiCapitals = map[string][]Capital{
	"za": {
		{Name: "Pretoria", Lat: -25.7479, Lng: 28.2293},
		{Name: "Cape Town", Lat: -33.9249, Lng: 18.4241},
		{Name: "Bloemfontein", Lat: -29.0852, Lng: 26.1596},
	},
	"bo": {
		{Name: "La Paz", Lat: -16.4897, Lng: -68.1193},
		{Name: "Sucre", Lat: -19.0196, Lng: -65.2619},
	},
	"lk": {
		{Name: "Colombo", Lat: 6.9271, Lng: 79.8612},
		{Name: "Sri Jayawardenepura Kotte", Lat: 6.9023, Lng: 79.9087},
	},
	"my": {
		{Name: "Kuala Lumpur", Lat: 3.1390, Lng: 101.6869},
		{Name: "Putrajaya", Lat: 2.9264, Lng: 101.6964},
	},
	"tz": {
		{Name: "Dodoma", Lat: -6.1630, Lng: 35.7516},
		{Name: "Dar es Salaam", Lat: -6.7924, Lng: 39.2083},
	},
	"ci": {
		{Name: "Yamoussoukro", Lat: 6.8276, Lng: -5.2893},
		{Name: "Abidjan", Lat: 5.3600, Lng: -4.0083},
	},
	"bj": {
		{Name: "Porto-Novo", Lat: 6.4969, Lng: 2.6283},
		{Name: "Cotonou", Lat: 6.3654, Lng: 2.4183},
	},
	"sz": {
		{Name: "Mbabane", Lat: -26.3054, Lng: 31.1367},
		{Name: "Lobamba", Lat: -26.4465, Lng: 31.2064},
	},
	"me": {
		{Name: "Podgorica", Lat: 42.4304, Lng: 19.2594},
		{Name: "Cetinje", Lat: 42.3931, Lng: 18.9116},
	},
	"nl": {
		{Name: "Amsterdam", Lat: 52.3676, Lng: 4.9041},
		{Name: "The Hague", Lat: 52.0705, Lng: 4.3007},
	},
}

// CapitalsOf returns the known capitals of a multi-capital country, or
// nil for countries with a single capital.
func CapitalsOf(countryCode string) []Capital {
	return multiCapitals[countryCode]
}

// CapitalCoords returns the coordinates recorded for one named capital
// of a multi-capital country.
func CapitalCoords(countryCode, name string) (lat, lng float64, ok bool) {
	norm := NormalizeName(name)
	for _, c := range multiCapitals[countryCode] {
		if NormalizeName(c.Name) == norm {
			return c.Lat, c.Lng, true
		}
	}
	return 0, 0, false
}
