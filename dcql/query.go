// Package dcql parses Digital Credentials Query Language queries and
// evaluates them against a holder's credentials.
//
//	https://openid.net/specs/openid-4-verifiable-presentations-1_0.html#name-digital-credentials-query-l
package dcql

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/mdoc"
)

var ErrMalformedQuery = errors.New("malformed dcql query")

type Query struct {
	Credentials    []CredentialQuery    `json:"credentials"`
	CredentialSets []CredentialSetQuery `json:"credential_sets,omitempty"`
}

type CredentialQuery struct {
	ID        string            `json:"id"`
	Format    credential.Format `json:"format"`
	Meta      Meta              `json:"meta"`
	Claims    []ClaimQuery      `json:"claims,omitempty"`
	ClaimSets [][]string        `json:"claim_sets,omitempty"`

	// OmitMissingClaims matches on the credential type alone and keeps the
	// claims that resolve. Legacy ItemsRequests are answered this way.
	OmitMissingClaims bool `json:"-"`
}

type Meta struct {
	// For sd-jwt
	VctValues []string `json:"vct_values,omitempty"`

	// For mdoc
	DoctypeValue string `json:"doctype_value,omitempty"`
}

type ClaimQuery struct {
	ID     string        `json:"id,omitempty"`
	Path   claim.Path    `json:"path"`
	Values []claim.Value `json:"values,omitempty"`

	// mdoc only
	IntentToRetain bool `json:"intent_to_retain,omitempty"`
}

type CredentialSetQuery struct {
	Options  [][]string  `json:"options"`
	Required *bool       `json:"required,omitempty"`
	Purpose  interface{} `json:"purpose,omitempty"`
}

// IsRequired defaults to true when required is absent.
func (c CredentialSetQuery) IsRequired() bool {
	return c.Required == nil || *c.Required
}

// Raw shapes used while parsing, so that every problem can be reported.
type rawQuery struct {
	Credentials    []rawCredentialQuery `json:"credentials"`
	CredentialSets []rawCredentialSet   `json:"credential_sets"`
}

type rawCredentialQuery struct {
	ID        string     `json:"id"`
	Format    string     `json:"format"`
	Meta      *Meta      `json:"meta"`
	Claims    []rawClaim `json:"claims"`
	ClaimSets [][]string `json:"claim_sets"`
}

type rawClaim struct {
	ID             string        `json:"id"`
	Path           []interface{} `json:"path"`
	Values         []interface{} `json:"values"`
	IntentToRetain bool          `json:"intent_to_retain"`
}

type rawCredentialSet struct {
	Options  [][]string  `json:"options"`
	Required *bool       `json:"required"`
	Purpose  interface{} `json:"purpose"`
}

// Parse decodes and validates a query. Validation problems are collected
// and returned together, wrapped in ErrMalformedQuery.
func Parse(data []byte) (*Query, error) {
	var raw rawQuery
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}

	var result *multierror.Error
	if raw.Credentials == nil {
		result = multierror.Append(result, errors.New("missing credentials"))
	} else if len(raw.Credentials) == 0 {
		result = multierror.Append(result, errors.New("credentials must not be empty"))
	}

	q := &Query{}
	ids := map[string]bool{}
	for i, rc := range raw.Credentials {
		cq, errs := parseCredentialQuery(rc)
		for _, err := range errs {
			result = multierror.Append(result, fmt.Errorf("credentials[%d]: %w", i, err))
		}
		if rc.ID != "" {
			if ids[rc.ID] {
				result = multierror.Append(result, fmt.Errorf("credentials[%d]: duplicate id %q", i, rc.ID))
			}
			ids[rc.ID] = true
		}
		q.Credentials = append(q.Credentials, cq)
	}

	for i, rs := range raw.CredentialSets {
		if len(rs.Options) == 0 {
			result = multierror.Append(result, fmt.Errorf("credential_sets[%d]: options must not be empty", i))
		}
		for j, option := range rs.Options {
			if len(option) == 0 {
				result = multierror.Append(result, fmt.Errorf("credential_sets[%d].options[%d]: empty option", i, j))
			}
			for _, id := range option {
				if !ids[id] {
					result = multierror.Append(result, fmt.Errorf("credential_sets[%d].options[%d]: unknown credential query id %q", i, j, id))
				}
			}
		}
		q.CredentialSets = append(q.CredentialSets, CredentialSetQuery{
			Options:  rs.Options,
			Required: rs.Required,
			Purpose:  rs.Purpose,
		})
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedQuery, err)
	}
	return q, nil
}

// UnmarshalJSON applies Parse, so a query embedded in a larger document is
// validated the same way.
func (q *Query) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*q = *parsed
	return nil
}

func parseCredentialQuery(rc rawCredentialQuery) (CredentialQuery, []error) {
	var errs []error
	cq := CredentialQuery{
		ID:        rc.ID,
		Format:    credential.Format(rc.Format),
		ClaimSets: rc.ClaimSets,
	}

	if rc.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	switch {
	case rc.Format == "":
		errs = append(errs, errors.New("missing format"))
	case !cq.Format.Valid():
		errs = append(errs, fmt.Errorf("unknown format %q", rc.Format))
	}

	if rc.Meta != nil {
		cq.Meta = *rc.Meta
	}
	switch cq.Format {
	case credential.FormatMdoc:
		if cq.Meta.DoctypeValue == "" {
			errs = append(errs, errors.New("missing meta.doctype_value"))
		}
	case credential.FormatSdJwt:
		if len(cq.Meta.VctValues) == 0 {
			errs = append(errs, errors.New("missing meta.vct_values"))
		}
	}

	claimIDs := map[string]bool{}
	for j, rcl := range rc.Claims {
		path, err := claim.ParsePath(rcl.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("claims[%d]: %w", j, err))
		} else if cq.Format == credential.FormatMdoc {
			if keys, ok := path.Keys(); !ok || len(keys) != 2 {
				errs = append(errs, fmt.Errorf("claims[%d]: mdoc path must be [namespace, element]", j))
			}
		}

		values := make([]claim.Value, 0, len(rcl.Values))
		for _, v := range rcl.Values {
			switch v.(type) {
			case string, float64, bool:
				values = append(values, claim.FromJSON(v))
			default:
				errs = append(errs, fmt.Errorf("claims[%d]: values must be strings, numbers or booleans", j))
			}
		}

		if rcl.ID != "" {
			if claimIDs[rcl.ID] {
				errs = append(errs, fmt.Errorf("claims[%d]: duplicate claim id %q", j, rcl.ID))
			}
			claimIDs[rcl.ID] = true
		}
		cq.Claims = append(cq.Claims, ClaimQuery{
			ID:             rcl.ID,
			Path:           path,
			Values:         values,
			IntentToRetain: rcl.IntentToRetain,
		})
	}

	if rc.ClaimSets != nil && len(rc.Claims) == 0 {
		errs = append(errs, errors.New("claim_sets without claims"))
	}
	for j, set := range rc.ClaimSets {
		if len(set) == 0 {
			errs = append(errs, fmt.Errorf("claim_sets[%d]: empty claim set", j))
		}
		for _, id := range set {
			if !claimIDs[id] {
				errs = append(errs, fmt.Errorf("claim_sets[%d]: unknown claim id %q", j, id))
			}
		}
	}
	return cq, errs
}

// FromItemsRequest converts a legacy mdoc ItemsRequest into a query with a
// single credential query identified by id. Any credential of the doctype
// matches; requested elements it does not have are left out.
func FromItemsRequest(id string, req *mdoc.ItemsRequest) *Query {
	cq := CredentialQuery{
		ID:                id,
		Format:            credential.FormatMdoc,
		Meta:              Meta{DoctypeValue: string(req.DocType)},
		OmitMissingClaims: true,
	}
	for _, e := range req.Elements() {
		cq.Claims = append(cq.Claims, ClaimQuery{
			Path:           claim.NewPath(string(e.NameSpace), string(e.Element)),
			IntentToRetain: e.IntentToRetain,
		})
	}
	return &Query{Credentials: []CredentialQuery{cq}}
}

// FromDeviceRequest converts every DocRequest into one credential query;
// query ids are the DocRequest indexes.
func FromDeviceRequest(req *mdoc.DeviceRequest) (*Query, error) {
	q := &Query{}
	for i, docRequest := range req.DocRequests {
		items, err := docRequest.ItemsRequest.ItemsRequest()
		if err != nil {
			return nil, fmt.Errorf("failed to decode docRequests[%d]: %w", i, err)
		}
		q.Credentials = append(q.Credentials, FromItemsRequest(fmt.Sprint(i), items).Credentials...)
	}
	return q, nil
}
