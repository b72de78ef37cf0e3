package dcql

import (
	"fmt"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/ory/go-convenience/stringslice"
	"github.com/sirupsen/logrus"
)

// Source enumerates the credentials a query is evaluated against. The
// enumeration order is the order matches are reported in.
type Source interface {
	Credentials() ([]*credential.Credential, error)
}

// Execute evaluates q against the credentials in src. It does not modify
// src and gives the same result for the same query and enumeration.
func Execute(q *Query, src Source) (*Response, error) {
	creds, err := src.Credentials()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	matches := make(map[string][]Match, len(q.Credentials))
	queries := make(map[string]*CredentialQuery, len(q.Credentials))
	for i := range q.Credentials {
		cq := &q.Credentials[i]
		queries[cq.ID] = cq
		matches[cq.ID] = matchCredentialQuery(cq, creds)

		logrus.WithFields(logrus.Fields{
			"query":   cq.ID,
			"format":  cq.Format,
			"matches": len(matches[cq.ID]),
		}).Debug("dcql: evaluated credential query")

		if len(matches[cq.ID]) == 0 && len(q.CredentialSets) == 0 {
			return nil, &QueryError{
				QueryID: cq.ID,
				Message: fmt.Sprintf("No matches for credential query with id %s", cq.ID),
			}
		}
	}

	sets := q.CredentialSets
	if len(sets) == 0 {
		for _, cq := range q.Credentials {
			sets = append(sets, CredentialSetQuery{Options: [][]string{{cq.ID}}})
		}
	}

	resp := &Response{}
	for i, set := range sets {
		var options []Option
		for _, ids := range set.Options {
			option, ok := resolveOption(ids, queries, matches)
			if ok {
				options = append(options, option)
			}
		}

		logrus.WithFields(logrus.Fields{
			"set":      i,
			"required": set.IsRequired(),
			"options":  len(options),
		}).Debug("dcql: evaluated credential set")

		if len(options) == 0 {
			if set.IsRequired() {
				return nil, &QueryError{Message: "No credentials match required credential_set query"}
			}
			continue
		}
		resp.CredentialSets = append(resp.CredentialSets, CredentialSet{
			Optional: !set.IsRequired(),
			Options:  options,
		})
	}
	return resp, nil
}

func resolveOption(ids []string, queries map[string]*CredentialQuery, matches map[string][]Match) (Option, bool) {
	option := Option{Members: make([]Member, 0, len(ids))}
	for _, id := range ids {
		if len(matches[id]) == 0 {
			return Option{}, false
		}
		option.Members = append(option.Members, Member{Query: queries[id], Matches: matches[id]})
	}
	return option, true
}

func matchCredentialQuery(cq *CredentialQuery, creds []*credential.Credential) []Match {
	var out []Match
	for _, c := range creds {
		if !typeMatches(cq, c) {
			continue
		}
		if cq.OmitMissingClaims {
			claims, missing := resolvePresent(cq.Claims, c.Claims())
			if len(missing) > 0 {
				logrus.WithFields(logrus.Fields{
					"query":      cq.ID,
					"credential": c.ID,
					"missing":    len(missing),
				}).Debug("dcql: requested claims not present")
			}
			out = append(out, Match{Credential: c, Claims: claims, Missing: missing})
			continue
		}
		claims, ok := resolveClaims(cq, c.Claims())
		if !ok {
			continue
		}
		out = append(out, Match{Credential: c, Claims: claims})
	}
	return out
}

func typeMatches(cq *CredentialQuery, c *credential.Credential) bool {
	if cq.Format != c.Format {
		return false
	}
	switch cq.Format {
	case credential.FormatMdoc:
		return cq.Meta.DoctypeValue == c.Type()
	case credential.FormatSdJwt:
		return stringslice.Has(cq.Meta.VctValues, c.Type())
	}
	return false
}

// resolveClaims tries the claim sets in order and returns the claims of the
// first set whose every claim resolves and matches its values. Without
// claim sets all claims form the single set.
func resolveClaims(cq *CredentialQuery, root claim.Value) ([]ResolvedClaim, bool) {
	if len(cq.ClaimSets) == 0 {
		return resolveSet(cq.Claims, root)
	}

	byID := make(map[string]ClaimQuery, len(cq.Claims))
	for _, c := range cq.Claims {
		if c.ID != "" {
			byID[c.ID] = c
		}
	}
	for _, set := range cq.ClaimSets {
		queries := make([]ClaimQuery, 0, len(set))
		for _, id := range set {
			queries = append(queries, byID[id])
		}
		if resolved, ok := resolveSet(queries, root); ok {
			return resolved, true
		}
	}
	return nil, false
}

func resolveSet(queries []ClaimQuery, root claim.Value) ([]ResolvedClaim, bool) {
	resolved := make([]ResolvedClaim, 0, len(queries))
	for _, q := range queries {
		v, ok := claim.Resolve(root, q.Path)
		if !ok {
			return nil, false
		}
		if len(q.Values) > 0 && !v.Matches(q.Values) {
			return nil, false
		}
		resolved = append(resolved, ResolvedClaim{
			ID:             q.ID,
			Path:           q.Path,
			Value:          v,
			IntentToRetain: q.IntentToRetain,
		})
	}
	return resolved, true
}

// resolvePresent resolves every claim it can and returns the paths of the
// others.
func resolvePresent(queries []ClaimQuery, root claim.Value) ([]ResolvedClaim, []claim.Path) {
	var missing []claim.Path
	resolved := make([]ResolvedClaim, 0, len(queries))
	for _, q := range queries {
		r, ok := resolveSet([]ClaimQuery{q}, root)
		if !ok {
			missing = append(missing, q.Path)
			continue
		}
		resolved = append(resolved, r...)
	}
	return resolved, missing
}
