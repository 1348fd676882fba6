// Package catalog holds the cities and named locations the generator produces
// observations for.
package catalog

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/validation"
)

const (
	minNameLen = 2
	maxNameLen = 64
)

// City groups the locations of one metropolitan area.
type City struct {
	Name      string            `json:"name" mapstructure:"name" yaml:"name"`
	Locations []models.Location `json:"locations" mapstructure:"locations" yaml:"locations"`
}

// Catalog is an immutable, validated set of cities. Use New to build one.
type Catalog struct {
	cities []City
}

// Default returns the built-in catalog: five locations in each of Vijayawada,
// Bangalore and Hyderabad.
func Default() *Catalog {
	c, err := New(defaultCities())
	if err != nil {
		panic(fmt.Sprintf("catalog: default catalog is invalid: %v", err))
	}
	return c
}

func defaultCities() []City {
	return []City{
		{Name: "Vijayawada", Locations: []models.Location{
			{Name: "Vijayawada Junction", Latitude: 16.5062, Longitude: 80.6480},
			{Name: "Benz Circle", Latitude: 16.5070, Longitude: 80.6490},
			{Name: "PNBS Bus Stand", Latitude: 16.5080, Longitude: 80.6500},
			{Name: "Ramavarappadu Junction", Latitude: 16.5090, Longitude: 80.6510},
			{Name: "NH65 Highway", Latitude: 16.5100, Longitude: 80.6520},
		}},
		{Name: "Bangalore", Locations: []models.Location{
			{Name: "Electronic City", Latitude: 12.8456, Longitude: 77.6603},
			{Name: "Silk Board Junction", Latitude: 12.9176, Longitude: 77.6227},
			{Name: "Koramangala", Latitude: 12.9352, Longitude: 77.6245},
			{Name: "Outer Ring Road", Latitude: 12.9698, Longitude: 77.7500},
			{Name: "Whitefield", Latitude: 12.9698, Longitude: 77.7500},
		}},
		{Name: "Hyderabad", Locations: []models.Location{
			{Name: "HITEC City", Latitude: 17.4435, Longitude: 78.3772},
			{Name: "Gachibowli", Latitude: 17.4399, Longitude: 78.3482},
			{Name: "Madhapur", Latitude: 17.4474, Longitude: 78.3914},
			{Name: "Kondapur", Latitude: 17.4616, Longitude: 78.3570},
			{Name: "Jubilee Hills", Latitude: 17.4239, Longitude: 78.4738},
		}},
	}
}

// New validates cities and returns a catalog holding a copy of them.
// City names and location names must be valid and unique; every city needs at
// least one location and every coordinate must be on the globe.
func New(cities []City) (*Catalog, error) {
	if len(cities) == 0 {
		return nil, fmt.Errorf("catalog: at least one city is required")
	}
	seenCity := make(map[string]bool, len(cities))
	seenLoc := make(map[string]bool)
	out := make([]City, 0, len(cities))
	for _, city := range cities {
		name, err := validation.ValidateLocationName(city.Name, minNameLen, maxNameLen)
		if err != nil {
			return nil, fmt.Errorf("catalog: city %q: %w", city.Name, err)
		}
		key := strings.ToLower(name)
		if seenCity[key] {
			return nil, fmt.Errorf("catalog: duplicate city %q", name)
		}
		seenCity[key] = true
		if len(city.Locations) == 0 {
			return nil, fmt.Errorf("catalog: city %q has no locations", name)
		}

		locs := make([]models.Location, 0, len(city.Locations))
		for _, loc := range city.Locations {
			locName, err := validation.ValidateLocationName(loc.Name, minNameLen, maxNameLen)
			if err != nil {
				return nil, fmt.Errorf("catalog: location %q in %s: %w", loc.Name, name, err)
			}
			if seenLoc[strings.ToLower(locName)] {
				return nil, fmt.Errorf("catalog: duplicate location %q", locName)
			}
			seenLoc[strings.ToLower(locName)] = true
			if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
				return nil, fmt.Errorf("catalog: location %q has coordinates out of range", locName)
			}
			locs = append(locs, models.Location{Name: locName, Latitude: loc.Latitude, Longitude: loc.Longitude})
		}
		out = append(out, City{Name: name, Locations: locs})
	}
	return &Catalog{cities: out}, nil
}

// Cities returns a copy of the cities in catalog order.
func (c *Catalog) Cities() []City {
	return lo.Map(c.cities, func(city City, _ int) City {
		return City{Name: city.Name, Locations: append([]models.Location(nil), city.Locations...)}
	})
}

// Locations returns every location, city by city, in catalog order.
func (c *Catalog) Locations() []models.Location {
	return lo.FlatMap(c.cities, func(city City, _ int) []models.Location {
		return city.Locations
	})
}

// LocationNames returns the names of all locations in catalog order.
func (c *Catalog) LocationNames() []string {
	return lo.Map(c.Locations(), func(l models.Location, _ int) string { return l.Name })
}

// City looks up a city by name, ignoring case.
func (c *Catalog) City(name string) (City, bool) {
	return lo.Find(c.cities, func(city City) bool {
		return strings.EqualFold(city.Name, strings.TrimSpace(name))
	})
}

// Filter returns a catalog restricted to the named cities. An empty list
// returns c unchanged.
func (c *Catalog) Filter(cityNames []string) (*Catalog, error) {
	if len(cityNames) == 0 {
		return c, nil
	}
	picked := make([]City, 0, len(cityNames))
	for _, name := range cityNames {
		city, ok := c.City(name)
		if !ok {
			return nil, fmt.Errorf("catalog: unknown city %q (known: %s)", name,
				strings.Join(lo.Map(c.cities, func(city City, _ int) string { return city.Name }), ", "))
		}
		picked = append(picked, city)
	}
	return New(picked)
}

// Size is the total number of locations.
func (c *Catalog) Size() int {
	return lo.SumBy(c.cities, func(city City) int { return len(city.Locations) })
}
