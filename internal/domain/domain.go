// Package domain holds the types shared by every newsbeat component:
// subscribers, categories, delivery frequencies and articles.
package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("subscriber not found")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrNoCategories     = errors.New("at least one category is required")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrUnknownFrequency = errors.New("unknown frequency")
)

// DefaultCategories is the fixed category list enumerated by every cycle.
var DefaultCategories = []string{"politics", "sports", "technology", "business", "health"}

// Frequency is a subscriber's email delivery cadence.
type Frequency string

const (
	Immediate Frequency = "immediate"
	Hourly    Frequency = "hourly"
	Daily     Frequency = "daily"
)

// ParseFrequency maps user input to a Frequency. Empty input means Immediate.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case "", Immediate:
		return Immediate, nil
	case Hourly:
		return Hourly, nil
	case Daily:
		return Daily, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
	}
}

func (f Frequency) Valid() bool {
	return f == Immediate || f == Hourly || f == Daily
}

// NormalizeEmail returns the identity form of an address: trimmed and lower-cased.
func NormalizeEmail(s string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(s))
	if e == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return e, nil
}

// CategorySet is a set of lower-case category names.
type CategorySet map[string]struct{}

func NewCategorySet(names ...string) CategorySet {
	s := make(CategorySet, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

func (s CategorySet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s CategorySet) Len() int { return len(s) }

// Union returns a new set containing members of both sets.
func (s CategorySet) Union(o CategorySet) CategorySet {
	out := make(CategorySet, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

// Without returns a new set with the members of o removed.
func (s CategorySet) Without(o CategorySet) CategorySet {
	out := make(CategorySet, len(s))
	for k := range s {
		if !o.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s CategorySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Subscriber is a recipient identified by its normalized email.
type Subscriber struct {
	ID         string
	Categories CategorySet
	Frequency  Frequency
}

// Wants reports whether the subscriber follows category.
func (s Subscriber) Wants(category string) bool {
	return s.Categories.Has(category)
}

// Article is a single headline. Its identity is the URL.
type Article struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	URL    string `json:"url"`
}

// CategoryFeed is the per-cycle result of fetching one category; it is also
// the payload pushed on the live channel.
type CategoryFeed struct {
	Category string    `json:"category"`
	Articles []Article `json:"articles"`
}

// Catalog validates category names against a configured list.
type Catalog struct {
	names []string
	set   CategorySet
}

func NewCatalog(names []string) Catalog {
	if len(names) == 0 {
		names = DefaultCategories
	}
	set := NewCategorySet(names...)
	ordered := make([]string, 0, len(set))
	seen := CategorySet{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen.Has(n) {
			continue
		}
		seen[n] = struct{}{}
		ordered = append(ordered, n)
	}
	return Catalog{names: ordered, set: set}
}

// Names returns categories in configured order.
func (c Catalog) Names() []string { return append([]string(nil), c.names...) }

func (c Catalog) Known(name string) bool { return c.set.Has(name) }

// Parse normalizes names and rejects unknown or empty input.
func (c Catalog) Parse(names []string) (CategorySet, error) {
	set := NewCategorySet(names...)
	if set.Len() == 0 {
		return nil, ErrNoCategories
	}
	for n := range set {
		if !c.Known(n) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, n)
		}
	}
	return set, nil
}
