package csvfilter

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter kinds accepted by New.
const (
	KindIdentity = "identity"
	KindClean    = "clean"
	KindUsers    = "users"
)

// DefaultNullValues are blanked by the clean and users filters.
var DefaultNullValues = []string{"", "NULL", "00:00.0"}

// DefaultUserDropKeys are never sent for users.
var DefaultUserDropKeys = []string{"integration_id", "password"}

// Spec configures one filter.
type Spec struct {
	Kind        string
	DropKeys    []string
	NullValues  []string
	EmailDomain string // users only; login_id must end with "@"+EmailDomain
}

// New builds the filter described by spec.
func New(spec Spec) (Filter, error) {
	nulls := spec.NullValues
	if len(nulls) == 0 {
		nulls = DefaultNullValues
	}
	switch spec.Kind {
	case "", KindIdentity:
		return Identity, nil
	case KindClean:
		return Clean(spec.DropKeys, nulls), nil
	case KindUsers:
		if spec.EmailDomain == "" {
			return nil, fmt.Errorf("users filter requires an email domain")
		}
		drop := spec.DropKeys
		if len(drop) == 0 {
			drop = DefaultUserDropKeys
		}
		return Users(spec.EmailDomain, drop, nulls), nil
	default:
		return nil, fmt.Errorf("unknown filter %q", spec.Kind)
	}
}

// Identity returns a shallow copy of rows.
func Identity(rows []Row) []Row {
	return append([]Row(nil), rows...)
}

// Clean drops the columns in drop and blanks values found in nulls.
func Clean(drop, nulls []string) Filter {
	dropSet := toSet(drop)
	nullSet := toSet(nulls)
	return func(rows []Row) []Row {
		out := make([]Row, 0, len(rows))
		for _, r := range rows {
			out = append(out, cleanRow(r, dropSet, nullSet))
		}
		return out
	}
}

// Users keeps only users whose login_id is an address in domain, cleans
// them and punctuates initials in full_name.
func Users(domain string, drop, nulls []string) Filter {
	suffix := "@" + strings.TrimPrefix(domain, "@")
	dropSet := toSet(drop)
	nullSet := toSet(nulls)
	return func(rows []Row) []Row {
		out := make([]Row, 0, len(rows))
		for _, r := range rows {
			if !strings.HasSuffix(r["login_id"], suffix) {
				continue
			}
			c := cleanRow(r, dropSet, nullSet)
			if name, ok := r["full_name"]; ok {
				c["full_name"] = FixInitials(name)
			}
			out = append(out, c)
		}
		return out
	}
}

var (
	innerInitial = regexp.MustCompile(` ([A-Z]) `)
	leadInitial  = regexp.MustCompile(`\b([A-Z]) `)
)

// FixInitials adds a period after single capital letters in a name, so
// "John Q Public" becomes "John Q. Public".
func FixInitials(name string) string {
	fixed := innerInitial.ReplaceAllString(name, " $1. ")
	return leadInitial.ReplaceAllString(fixed, "$1. ")
}

func cleanRow(r Row, drop, nulls map[string]bool) Row {
	out := make(Row, len(r))
	for k, v := range r {
		if drop[k] {
			continue
		}
		if nulls[v] {
			v = ""
		}
		out[k] = v
	}
	return out
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
