package normalize

import (
	"strings"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// Lowercased spellings to canonical make names.
var knownMakes = map[string]string{
	"acura":         "Acura",
	"alfa romeo":    "Alfa Romeo",
	"audi":          "Audi",
	"benz":          "Mercedes-Benz",
	"bmw":           "BMW",
	"buick":         "Buick",
	"cadillac":      "Cadillac",
	"chevrolet":     "Chevrolet",
	"chevy":         "Chevrolet",
	"chrysler":      "Chrysler",
	"daihatsu":      "Daihatsu",
	"dodge":         "Dodge",
	"fiat":          "Fiat",
	"ford":          "Ford",
	"gmc":           "GMC",
	"honda":         "Honda",
	"hyundai":       "Hyundai",
	"infiniti":      "Infiniti",
	"jaguar":        "Jaguar",
	"jeep":          "Jeep",
	"kia":           "Kia",
	"land rover":    "Land Rover",
	"lexus":         "Lexus",
	"mazda":         "Mazda",
	"mb":            "Mercedes-Benz",
	"mercedes":      "Mercedes-Benz",
	"mercedes-benz": "Mercedes-Benz",
	"mini":          "MINI",
	"mitsubishi":    "Mitsubishi",
	"nissan":        "Nissan",
	"porsche":       "Porsche",
	"ram":           "Ram",
	"subaru":        "Subaru",
	"suzuki":        "Suzuki",
	"tesla":         "Tesla",
	"toyota":        "Toyota",
	"volkswagen":    "Volkswagen",
	"volvo":         "Volvo",
	"vw":            "Volkswagen",
}

// Make canonicalizes a manufacturer name. Unknown makes pass through as given.
func Make(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return lotwatch.Unknown
	}
	if canonical, ok := knownMakes[strings.ToLower(s)]; ok {
		return canonical
	}

	return s
}

// Looks for a known make among the leading words of a title.
func makeFromTitle(title string) string {
	words := strings.Fields(strings.ToLower(title))
	for i := range words {
		if i+1 < len(words) {
			if canonical, ok := knownMakes[words[i]+" "+words[i+1]]; ok {
				return canonical
			}
		}
		if canonical, ok := knownMakes[words[i]]; ok {
			return canonical
		}
	}

	return lotwatch.Unknown
}
