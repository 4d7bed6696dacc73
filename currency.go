package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate resolution sources, recorded on the session for diagnostics.
const (
	RateSourceLive    = "live"
	RateSourceCache   = "cache"
	RateSourceTable   = "table"
	RateSourceDefault = "default"
)

// fallbackRatesVersion identifies the static table below; the live source
// overwrites individual rates, the table is the single fallback truth.
const fallbackRatesVersion = "2025-02"

// fallbackRates maps a settlement currency to its USD conversion rate.
// Used whenever the live rate service is unreachable, slow or malformed;
// conversion must never block checkout.
var fallbackRates = map[string]float64{
	"USD": 1.0000,
	"EUR": 0.9270,
	"GBP": 0.7530,
	"CAD": 1.4350,
	"AUD": 1.6180,
	"JPY": 156.20,
	"CNY": 7.2850,
	"INR": 85.40,
	"BRL": 6.1250,
	"MXN": 20.450,
	"ZAR": 18.750,
	"NGN": 1529.01,
	"KES": 129.85,
	"GHS": 10.45,
	"EGP": 49.850,
	"TRY": 35.280,
	"SAR": 3.7500,
	"AED": 3.6725,
	"SGD": 1.3685,
	"HKD": 7.7720,
	"MYR": 4.4950,
	"THB": 34.520,
	"PHP": 58.350,
	"IDR": 16240,
	"VND": 24680,
	"KRW": 1445.5,
	"NOK": 11.280,
	"SEK": 11.150,
	"DKK": 6.9140,
	"CHF": 0.9125,
	"PLN": 4.1850,
	"XOF": 606.50,
	"XAF": 606.50,
	"UGX": 3685.0,
	"TZS": 2485.0,
	"RWF": 1385.0,
}

// countryCurrency maps a payer-profile country to a settlement currency.
var countryCurrency = map[string]string{
	"NG": "NGN",
	"GH": "GHS",
	"ZA": "ZAR",
	"KE": "KES",
	"EG": "EGP",
	"US": "USD",
	"GB": "GBP",
	"CA": "CAD",
	"AU": "AUD",
	"DE": "EUR",
	"FR": "EUR",
	"IT": "EUR",
	"ES": "EUR",
	"NL": "EUR",
	"JP": "JPY",
	"KR": "KRW",
	"IN": "INR",
	"BR": "BRL",
	"MX": "MXN",
	"SG": "SGD",
	"PH": "PHP",
	"ID": "IDR",
	"VN": "VND",
	"TR": "TRY",
	"SE": "SEK",
	"NO": "NOK",
	"DK": "DKK",
	"CH": "CHF",
	"PL": "PLN",
	"UG": "UGX",
	"TZ": "TZS",
	"RW": "RWF",
}

// timezoneCurrency is the locale heuristic when no profile country exists.
var timezoneCurrency = map[string]string{
	"Africa/Lagos":        "NGN",
	"Africa/Accra":        "GHS",
	"Africa/Johannesburg": "ZAR",
	"Africa/Nairobi":      "KES",
	"Africa/Cairo":        "EGP",
	"Europe/London":       "GBP",
	"America/New_York":    "USD",
}

// zeroDecimalCurrencies have no minor unit; amounts go out as-is.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"UGX": true,
	"RWF": true,
	"XOF": true,
	"XAF": true,
}

// Localization is the resolved settlement currency plus its USD rate.
type Localization struct {
	Currency string  `json:"currency"`
	Rate     float64 `json:"rate"`
	Source   string  `json:"source"`
}

// RateSource provides a live USD conversion rate for a currency.
type RateSource interface {
	Rate(ctx context.Context, currency string) (float64, error)
}

// httpRateSource fetches USD-based rates from an exchange-rate API
// returning {"rates": {"NGN": 1529.01, ...}}.
type httpRateSource struct {
	client  *http.Client
	baseURL string
}

func NewHTTPRateSource(baseURL string, client *http.Client) RateSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &httpRateSource{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *httpRateSource) Rate(ctx context.Context, currency string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/latest/USD", nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("malformed rate response: %w", err)
	}

	rate, ok := payload.Rates[currency]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("rate service has no usable rate for %s", currency)
	}
	return rate, nil
}

// CurrencyLocalizer resolves a payer's settlement currency and converts
// canonical USD amounts into processor-ready minor units.
type CurrencyLocalizer struct {
	source   RateSource    // optional live source
	rdb      *redis.Client // optional rate cache
	cacheTTL time.Duration
	logger   *StructuredLogger
}

func NewCurrencyLocalizer(source RateSource, rdb *redis.Client, logger *StructuredLogger) *CurrencyLocalizer {
	return &CurrencyLocalizer{
		source:   source,
		rdb:      rdb,
		cacheTTL: time.Hour,
		logger:   logger,
	}
}

// ResolveCurrency picks the settlement currency in order: explicit profile
// country, then locale/timezone heuristic, then USD at rate 1. Rate lookup
// tries cache, then the live source, then the static table. It never
// returns an error: a broken conversion path must not block checkout.
func (l *CurrencyLocalizer) ResolveCurrency(ctx context.Context, countryHint, localeHint string) Localization {
	currency := l.resolveCurrencyCode(countryHint, localeHint)
	if currency == "USD" {
		return Localization{Currency: "USD", Rate: 1, Source: RateSourceDefault}
	}

	if rate, ok := l.cachedRate(ctx, currency); ok {
		return Localization{Currency: currency, Rate: rate, Source: RateSourceCache}
	}

	if l.source != nil {
		rate, err := l.source.Rate(ctx, currency)
		if err == nil {
			l.storeRate(ctx, currency, rate)
			return Localization{Currency: currency, Rate: rate, Source: RateSourceLive}
		}
		l.logger.Warn("Live rate lookup failed, using fallback table", map[string]interface{}{
			"currency":      currency,
			"table_version": fallbackRatesVersion,
			"lookup_error":  err.Error(),
		})
	}

	if rate, ok := fallbackRates[currency]; ok {
		return Localization{Currency: currency, Rate: rate, Source: RateSourceTable}
	}

	// Currency with no rate from any source: settle in USD.
	return Localization{Currency: "USD", Rate: 1, Source: RateSourceDefault}
}

func (l *CurrencyLocalizer) resolveCurrencyCode(countryHint, localeHint string) string {
	if countryHint != "" {
		if cur, ok := countryCurrency[strings.ToUpper(countryHint)]; ok {
			if _, supported := fallbackRates[cur]; supported {
				return cur
			}
		}
	}

	if localeHint != "" {
		// Timezone hints look like "Africa/Lagos"; locale hints like "en-NG".
		if strings.Contains(localeHint, "/") {
			if cur, ok := timezoneCurrency[localeHint]; ok {
				return cur
			}
		} else if i := strings.LastIndexAny(localeHint, "-_"); i >= 0 {
			if cur, ok := countryCurrency[strings.ToUpper(localeHint[i+1:])]; ok {
				return cur
			}
		}
	}

	return "USD"
}

func (l *CurrencyLocalizer) cachedRate(ctx context.Context, currency string) (float64, bool) {
	if l.rdb == nil {
		return 0, false
	}
	val, err := l.rdb.Get(ctx, rateCacheKey(currency)).Result()
	if err != nil {
		return 0, false
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

func (l *CurrencyLocalizer) storeRate(ctx context.Context, currency string, rate float64) {
	if l.rdb == nil {
		return
	}
	if err := l.rdb.Set(ctx, rateCacheKey(currency), strconv.FormatFloat(rate, 'f', -1, 64), l.cacheTTL).Err(); err != nil {
		l.logger.Warn("Failed to cache conversion rate", map[string]interface{}{
			"currency": currency,
			"error":    err.Error(),
		})
	}
}

func rateCacheKey(currency string) string {
	return "fx_rate:" + fallbackRatesVersion + ":" + currency
}

// ToMinorUnits converts a localized major-unit amount into the minor-unit
// integer a processor expects, rounding half-up. Fractional minor units
// are never sent to a processor.
func (l *CurrencyLocalizer) ToMinorUnits(major float64, currency string) int64 {
	multiplier := 100.0
	if zeroDecimalCurrencies[currency] {
		multiplier = 1.0
	}
	return int64(math.Floor(major*multiplier + 0.5))
}

// LocalizeAmount resolves the payer's currency and converts a canonical
// USD major amount in one step.
func (l *CurrencyLocalizer) LocalizeAmount(ctx context.Context, usdMajor float64, countryHint, localeHint string) (Localization, int64) {
	loc := l.ResolveCurrency(ctx, countryHint, localeHint)
	return loc, l.ToMinorUnits(usdMajor*loc.Rate, loc.Currency)
}
