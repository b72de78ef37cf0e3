package dcql

import (
	"fmt"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
)

// QueryError reports that a query cannot be satisfied by the holder's
// credentials.
type QueryError struct {
	QueryID string
	Message string
}

func (e *QueryError) Error() string {
	return e.Message
}

// Response is the result of evaluating a query. It is never modified after
// Execute returns.
type Response struct {
	CredentialSets []CredentialSet
}

// CredentialSet is a credential set query that could be satisfied. Options
// holds every satisfied option in query order; the first one is the
// selected result.
type CredentialSet struct {
	Optional bool
	Options  []Option
}

type Option struct {
	Members []Member
}

// Member is the outcome of one credential query within an option.
type Member struct {
	Query   *CredentialQuery
	Matches []Match
}

// Match is one credential satisfying a credential query, with the claims
// that were resolved for it.
type Match struct {
	Credential *credential.Credential
	Claims     []ResolvedClaim
	// Missing lists requested claims the credential does not have. Only
	// queries with OmitMissingClaims match with claims missing.
	Missing []claim.Path
}

type ResolvedClaim struct {
	ID             string
	Path           claim.Path
	Value          claim.Value
	IntentToRetain bool
}

// Paths lists the resolved claim paths in query order.
func (m Match) Paths() []claim.Path {
	paths := make([]claim.Path, 0, len(m.Claims))
	for _, c := range m.Claims {
		paths = append(paths, c.Path)
	}
	return paths
}

// Selection is the holder's choice, indexed like Response.CredentialSets.
type Selection struct {
	Sets []SetSelection
}

// SetSelection picks an option and, for each of its members, a match.
// Skip declines an optional set.
type SetSelection struct {
	Option  int
	Matches []int
	Skip    bool
}

// Selected is one credential to present.
type Selected struct {
	QueryID string
	Query   *CredentialQuery
	Match   Match
}

// DefaultSelection takes the first option of every set and the first match
// of every member.
func (r *Response) DefaultSelection() Selection {
	sel := Selection{Sets: make([]SetSelection, 0, len(r.CredentialSets))}
	for _, set := range r.CredentialSets {
		sel.Sets = append(sel.Sets, SetSelection{
			Option:  0,
			Matches: make([]int, len(set.Options[0].Members)),
		})
	}
	return sel
}

// Resolve validates sel against the response and returns the credentials to
// present. A credential query selected through more than one set is
// presented once.
func (r *Response) Resolve(sel Selection) ([]Selected, error) {
	if len(sel.Sets) != len(r.CredentialSets) {
		return nil, fmt.Errorf("selection covers %d credential sets, response has %d", len(sel.Sets), len(r.CredentialSets))
	}

	var out []Selected
	seen := map[string]bool{}
	for i, set := range r.CredentialSets {
		s := sel.Sets[i]
		if s.Skip {
			if !set.Optional {
				return nil, fmt.Errorf("credential set %d is required and cannot be skipped", i)
			}
			continue
		}
		if s.Option < 0 || s.Option >= len(set.Options) {
			return nil, fmt.Errorf("credential set %d: option %d out of range", i, s.Option)
		}
		option := set.Options[s.Option]
		if len(s.Matches) != len(option.Members) {
			return nil, fmt.Errorf("credential set %d: selection has %d matches, option has %d members", i, len(s.Matches), len(option.Members))
		}
		for j, member := range option.Members {
			m := s.Matches[j]
			if m < 0 || m >= len(member.Matches) {
				return nil, fmt.Errorf("credential set %d: match %d out of range for %q", i, m, member.Query.ID)
			}
			if seen[member.Query.ID] {
				continue
			}
			seen[member.Query.ID] = true
			out = append(out, Selected{
				QueryID: member.Query.ID,
				Query:   member.Query,
				Match:   member.Matches[m],
			})
		}
	}
	return out, nil
}
