/*
names.go - Customer name normalization and matching

PURPOSE:
  Quotes carry a free-text snapshot of the customer's name. When a quote has
  no customer id (or a stale one), the owning customer is found by name.
  This file isolates that strategy so it can be replaced by a strict foreign
  key without touching call sites.

NORMALIZATION (NormalizeName):
  1. Unicode NFC (composed and decomposed "ı", "ş" compare equal)
  2. Trim leading/trailing whitespace
  3. Collapse internal whitespace runs to a single space
  4. Case fold
  5. Dotted and dotless i fold together (I, ı, İ, i all become "i"), so
     names typed under a Turkish keyboard match names typed without one

  Stores persist the normalized key next to the raw name (customer_name_key)
  so equality and containment can be evaluated by the database.

MATCHING:
  Equal: normalized keys are identical. Used to resolve customers.
  Match: Equal, or either key contains the other. Used to list quotes.

SEE ALSO:
  - quotes/ledger.go: List name fallback
  - reconcile/reconciler.go: customer resolution
*/
package crm

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// dottedI maps the case-folded forms of ı and İ onto plain i.
var dottedI = strings.NewReplacer("ı", "i", "i\u0307", "i", "İ", "i")

// NormalizeName returns the comparison key of a customer name.
func NormalizeName(name string) string {
	s := norm.NFC.String(name)
	s = strings.Join(strings.Fields(s), " ")
	return dottedI.Replace(cases.Fold().String(s))
}

// NameMatcher decides whether two customer names refer to the same customer.
type NameMatcher interface {
	// Key returns the normalized comparison key of a name.
	Key(name string) string
	// Equal reports whether both names normalize to the same key.
	Equal(a, b string) bool
	// Match reports whether the names are equal or one contains the other.
	Match(a, b string) bool
}

// NormalizedMatcher is the default NameMatcher built on NormalizeName.
type NormalizedMatcher struct{}

var _ NameMatcher = NormalizedMatcher{}

func (NormalizedMatcher) Key(name string) string { return NormalizeName(name) }

func (NormalizedMatcher) Equal(a, b string) bool {
	ka, kb := NormalizeName(a), NormalizeName(b)
	return ka != "" && ka == kb
}

func (NormalizedMatcher) Match(a, b string) bool {
	ka, kb := NormalizeName(a), NormalizeName(b)
	if ka == "" || kb == "" {
		return false
	}
	return ka == kb || strings.Contains(ka, kb) || strings.Contains(kb, ka)
}
