// Package routing maps a decided request to the audiences that must see it.
//
// The table is closed: every request kind has exactly one row and there is
// no default. Adding a kind means adding a row here, which is the review
// point for who gets to see requests of that kind.
package routing

import (
	"errors"
	"fmt"
	"slices"

	"github.com/xraph/almoner/request"
)

// ErrUnknownKind is returned for a request kind that has no routing row.
var ErrUnknownKind = errors.New("routing: unknown request kind")

// Audience is a named stakeholder group.
type Audience string

const (
	AudienceZakatDonor      Audience = "zakat_donor"
	AudienceAllZakatDonors  Audience = "all_zakat_donors"
	AudienceMaterialsDonor  Audience = "materials_donor"
	AudienceMaterialsDonors Audience = "materials_donors"
	AudienceZakatDonors     Audience = "zakat_donors"
	AudienceAdmin           Audience = "admin"
	AudienceDonor           Audience = "donor"
	AudienceRecipient       Audience = "recipient"
)

// Set is a sorted, duplicate-free set of audiences.
type Set []Audience

// NewSet builds a Set from the given audiences.
func NewSet(audiences ...Audience) Set {
	s := slices.Clone(audiences)
	slices.Sort(s)
	return slices.Compact(s)
}

// Contains reports whether a is in the set.
func (s Set) Contains(a Audience) bool {
	_, ok := slices.BinarySearch(s, a)
	return ok
}

// Info is the routing result of a decision: the dashboards the request
// appears on and the audiences that are notified.
type Info struct {
	Dashboards Set `json:"dashboards"`
	Notify     Set `json:"notify"`
}

// IsEmpty reports whether the decision routes nowhere.
func (i Info) IsEmpty() bool {
	return len(i.Dashboards) == 0 && len(i.Notify) == 0
}

func (i Info) clone() Info {
	return Info{
		Dashboards: slices.Clone(i.Dashboards),
		Notify:     slices.Clone(i.Notify),
	}
}

var table = map[request.Kind]Info{
	request.KindScholarship: {
		Dashboards: NewSet(AudienceZakatDonor),
		Notify:     NewSet(AudienceAllZakatDonors),
	},
	request.KindMaterials: {
		Dashboards: NewSet(AudienceMaterialsDonor, AudienceZakatDonor),
		Notify:     NewSet(AudienceMaterialsDonors, AudienceZakatDonors),
	},
	request.KindTuition: {
		Dashboards: NewSet(AudienceAdmin),
		Notify:     NewSet(AudienceAdmin),
	},
	request.KindDonationMatch: {
		Dashboards: NewSet(AudienceDonor, AudienceRecipient),
		Notify:     NewSet(AudienceDonor),
	},
}

// Kinds returns every routable request kind, sorted.
func Kinds() []request.Kind {
	kinds := make([]request.Kind, 0, len(table))
	for k := range table {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// ValidateKind returns ErrUnknownKind if kind has no routing row.
func ValidateKind(kind request.Kind) error {
	if _, ok := table[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

// Resolve returns the routing for a decision. Rejections are visible only
// to the submitter and resolve to an empty Info. Outcomes that are not
// terminal also resolve to an empty Info.
func Resolve(kind request.Kind, outcome request.Status) (Info, error) {
	info, ok := table[kind]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if outcome != request.StatusApproved {
		return Info{}, nil
	}
	return info.clone(), nil
}
