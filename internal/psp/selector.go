package psp

import (
	"sort"
	"strings"
)

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"

	// ProviderNone marks an orchestration pass that found no provider to succeed.
	ProviderNone = "none"
)

// Config is one merchant-provider row. Rows are owned by onboarding and are
// read-only here.
type Config struct {
	MerchantID    string `json:"merchant_id"`
	Provider      string `json:"provider"`
	CredentialRef string `json:"credential_ref,omitempty"`
	Priority      int    `json:"priority"`
	Active        bool   `json:"active"`
	SubAccount    string `json:"sub_account,omitempty"`
}

// Choice is a provider the orchestrator should try, in order.
type Choice struct {
	Provider      string
	Priority      int
	SubAccount    string
	CredentialRef string
}

// currencyPreference is the static fallback used when a merchant has not
// configured any provider, keyed by the region each provider covers best.
var currencyPreference = map[string][]string{
	"USD": {ProviderStripe, ProviderPayPal},
	"CAD": {ProviderStripe, ProviderPayPal},
	"EUR": {ProviderStripe, ProviderPayPal},
	"GBP": {ProviderStripe, ProviderPayPal},
	"AUD": {ProviderStripe, ProviderPayPal},
	"NZD": {ProviderStripe, ProviderPayPal},
	"JPY": {ProviderStripe, ProviderPayPal},
	"SGD": {ProviderStripe, ProviderPayPal},
	"CHF": {ProviderStripe, ProviderPayPal},
	"BRL": {ProviderPayPal, ProviderStripe},
	"MXN": {ProviderPayPal, ProviderStripe},
	"PHP": {ProviderPayPal},
	"THB": {ProviderPayPal},
}

// Select maps a merchant's provider rows and the payment context to the
// ordered list of providers to try. It is pure: identical inputs always give
// the same list. Providers the caller cannot serve (known == false) are dropped.
func Select(configs []Config, currency string, amountMinor int64, known func(string) bool) []Choice {
	if amountMinor <= 0 {
		return nil
	}
	if known == nil {
		known = func(string) bool { return true }
	}

	active := make([]Config, 0, len(configs))
	for _, c := range configs {
		if c.Active {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Provider < active[j].Provider
	})

	seen := map[string]bool{}
	var out []Choice
	if len(active) > 0 {
		for _, c := range active {
			if seen[c.Provider] || !known(c.Provider) {
				continue
			}
			seen[c.Provider] = true
			out = append(out, Choice{
				Provider:      c.Provider,
				Priority:      c.Priority,
				SubAccount:    c.SubAccount,
				CredentialRef: c.CredentialRef,
			})
		}
		return out
	}

	for i, p := range currencyPreference[strings.ToUpper(currency)] {
		if !known(p) {
			continue
		}
		out = append(out, Choice{Provider: p, Priority: i + 1})
	}
	return out
}
