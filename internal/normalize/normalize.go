// Package normalize maps loosely-typed adapter records onto the canonical
// listing shape. It never fails: anything missing is defaulted.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

const (
	maxTextLen = 2048
	kmPerMile  = 1.609344
)

// Origin describes the adapter a raw record came from.
type Origin struct {
	Name     string
	Currency string
}

// Accepted raw keys per canonical field, in priority order.
var aliases = map[string][]string{
	"id":           {"auction_id", "auctionId", "lot_number", "lotNumber", "lot_id", "item_id", "id"},
	"title":        {"title", "name", "lot_title"},
	"make":         {"make", "manufacturer", "brand"},
	"model":        {"model", "model_name"},
	"year":         {"year", "model_year", "modelYear"},
	"price":        {"price", "current_bid", "currentBid", "buy_it_now_price", "start_price", "bid"},
	"currency":     {"currency", "currency_code"},
	"mileage_km":   {"mileage_km", "odometer_km"},
	"mileage":      {"mileage", "odometer", "odometer_reading"},
	"mileage_unit": {"mileage_unit", "odometer_unit"},
	"location":     {"location", "yard_location", "yard", "city"},
	"url":          {"url", "link", "listing_url"},
	"source_site":  {"source_site", "site", "auction_house"},
	"condition":    {"condition_grade", "condition", "grade", "damage", "primary_damage"},
	"body_type":    {"body_type", "body_style", "bodyStyle", "body"},
	"transmission": {"transmission", "gearbox"},
	"fuel_type":    {"fuel_type", "fuel"},
	"engine":       {"engine", "engine_size"},
	"sale_status":  {"sale_status", "auction_status", "status"},
	"last_updated": {"last_updated", "lastUpdated", "updated_at"},
}

// Listing converts one raw record into a canonical listing.
//
// now is used as the fallback for a missing or unparseable update time.
func Listing(raw lotwatch.RawListing, origin Origin, now time.Time) lotwatch.Listing {
	l := lotwatch.Listing{
		Title:        text(lookup(raw, "title")),
		Model:        text(lookup(raw, "model")),
		Location:     text(lookup(raw, "location")),
		URL:          text(lookup(raw, "url")),
		SourceSite:   text(lookup(raw, "source_site")),
		Condition:    text(lookup(raw, "condition")),
		BodyType:     text(lookup(raw, "body_type")),
		Transmission: text(lookup(raw, "transmission")),
		FuelType:     text(lookup(raw, "fuel_type")),
		Engine:       text(lookup(raw, "engine")),
		SaleStatus:   text(lookup(raw, "sale_status")),
		Source:       origin.Name,
		LastUpdated:  timestamp(lookup(raw, "last_updated"), now),
		Active:       true,
	}
	if l.SourceSite == lotwatch.Unknown && origin.Name != "" {
		l.SourceSite = origin.Name
	}

	l.Make = Make(text(lookup(raw, "make")))
	if l.Make == lotwatch.Unknown {
		l.Make = makeFromTitle(l.Title)
	}

	l.Year = year(lookup(raw, "year"), now)
	if l.Year == nil {
		l.Year = yearFromTitle(l.Title, now)
	}

	var symbol string
	if v := lookup(raw, "price"); v != nil {
		var p *float64
		p, symbol = price(v)
		l.Price = p
	}
	declared := ""
	if v := lookup(raw, "currency"); v != nil {
		declared = clean(stringify(v))
	}
	if declared == "" {
		declared = symbol
	}
	l.Currency = Currency(declared, origin.Currency)

	l.MileageKM = mileage(raw)

	l.AuctionID = identifier(raw, origin.Name, l)

	return l
}

// Listings normalizes a whole adapter payload.
func Listings(raws []lotwatch.RawListing, origin Origin, now time.Time) []lotwatch.Listing {
	out := make([]lotwatch.Listing, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Listing(raw, origin, now))
	}

	return out
}

// First present, non-nil value for the field's aliases.
func lookup(raw lotwatch.RawListing, field string) any {
	for _, key := range aliases[field] {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}

		return v
	}

	return nil
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

var stripPolicy = bluemonday.StrictPolicy()

// Strips html, collapses whitespace and caps the length of free text.
func clean(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxTextLen {
		n := maxTextLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}

	return s
}

func text(v any) string {
	s := clean(stringify(v))
	if s == "" {
		return lotwatch.Unknown
	}

	return s
}

var numberRe = regexp.MustCompile(`-?[0-9][0-9,]*(\.[0-9]+)?`)

// Pulls the first number out of a value, tolerating thousands separators.
func number(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		m := numberRe.FindString(v)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		return f, err == nil
	}

	return 0, false
}

// Parses a price along with any currency marker found in it.
func price(v any) (*float64, string) {
	f, ok := number(v)
	if !ok || f < 0 {
		return nil, ""
	}

	var symbol string
	if s, ok := v.(string); ok {
		symbol = strings.TrimSpace(numberRe.ReplaceAllString(s, ""))
	}

	return &f, symbol
}

var currencies = map[string]string{
	"us$": "USD",
	"€":   "EUR",
	"eur": "EUR",
	"£":   "GBP",
	"gbp": "GBP",
	"¥":   "JPY",
	"円":   "JPY",
	"yen": "JPY",
	"jpy": "JPY",
}

var dollarCurrencies = map[string]bool{"USD": true, "CAD": true, "AUD": true, "NZD": true}

// Currency standardizes a currency code or symbol to ISO-4217.
//
// A bare "$" resolves to the fallback when that is a dollar currency.
func Currency(declared, fallback string) string {
	fallback = strings.ToUpper(strings.TrimSpace(fallback))
	if fallback == "" {
		fallback = "USD"
	}

	d := strings.ToLower(strings.TrimSpace(declared))
	switch {
	case d == "":
		return fallback
	case d == "$":
		if dollarCurrencies[fallback] {
			return fallback
		}
		return "USD"
	}
	if c, ok := currencies[d]; ok {
		return c
	}
	if len(d) == 3 && isLetters(d) {
		return strings.ToUpper(d)
	}

	return fallback
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}

	return true
}

// Mileage in kilometres, converting from miles when marked as such.
func mileage(raw lotwatch.RawListing) *float64 {
	if v := lookup(raw, "mileage_km"); v != nil {
		if f, ok := number(v); ok && f >= 0 {
			return &f
		}
	}

	v := lookup(raw, "mileage")
	if v == nil {
		return nil
	}
	f, ok := number(v)
	if !ok || f < 0 {
		return nil
	}

	unit := strings.ToLower(stringify(lookup(raw, "mileage_unit")))
	if s, ok := v.(string); ok && unit == "" {
		unit = strings.ToLower(s)
	}
	if strings.Contains(unit, "mi") {
		f = f * kmPerMile
	}

	return &f
}

func validYear(y int, now time.Time) bool {
	return y >= 1886 && y <= now.Year()+1
}

func year(v any, now time.Time) *int {
	f, ok := number(v)
	if !ok {
		return nil
	}
	y := int(f)
	if !validYear(y, now) {
		return nil
	}

	return &y
}

var titleYearRe = regexp.MustCompile(`\b(19[0-9]{2}|20[0-9]{2})\b`)

func yearFromTitle(title string, now time.Time) *int {
	m := titleYearRe.FindString(title)
	if m == "" {
		return nil
	}
	y, _ := strconv.Atoi(m)
	if !validYear(y, now) {
		return nil
	}

	return &y
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func timestamp(v any, now time.Time) time.Time {
	switch v := v.(type) {
	case time.Time:
		if !v.IsZero() {
			return v.UTC()
		}
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	case int64:
		if v > 0 {
			return time.Unix(v, 0).UTC()
		}
	case int:
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return time.Unix(n, 0).UTC()
		}
		if f, err := v.Float64(); err == nil && f > 0 {
			return time.Unix(int64(f), 0).UTC()
		}
	}

	return now.UTC()
}

// Uses the source's own identifier, or derives a stable one from key fields.
func identifier(raw lotwatch.RawListing, source string, l lotwatch.Listing) string {
	if id := clean(stringify(lookup(raw, "id"))); id != "" {
		return id
	}

	var keys []string
	for _, k := range []string{l.URL, l.Title, l.Make, l.Model, l.Location} {
		if k != lotwatch.Unknown {
			keys = append(keys, k)
		}
	}
	if l.Year != nil {
		keys = append(keys, strconv.Itoa(*l.Year))
	}
	if len(keys) == 0 {
		return fmt.Sprintf("%s-%s", source, uuid.NewString())
	}

	sum := sha256.Sum256([]byte(strings.Join(keys, "|")))
	return fmt.Sprintf("%s-%s", source, hex.EncodeToString(sum[:])[:16])
}
