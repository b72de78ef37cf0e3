package dcql

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mdlOrPidQuery = `{
  "credentials": [
    {
      "id": "mdl",
      "format": "mso_mdoc",
      "meta": {"doctype_value": "org.iso.18013.5.1.mDL"},
      "claims": [
        {"path": ["org.iso.18013.5.1", "given_name"], "intent_to_retain": true},
        {"path": ["org.iso.18013.5.1", "family_name"]}
      ]
    },
    {
      "id": "pid",
      "format": "dc+sd-jwt",
      "meta": {"vct_values": ["urn:eudi:pid:1"]},
      "claims": [
        {"id": "a", "path": ["given_name"]},
        {"id": "b", "path": ["family_name"]},
        {"id": "c", "path": ["degrees", null, "type"], "values": ["Master of Science", 3, true]}
      ],
      "claim_sets": [["a", "b"], ["a"]],
      "unknown_field": {"ignored": true}
    }
  ],
  "credential_sets": [
    {"options": [["mdl"], ["pid"]], "purpose": "Identification"},
    {"options": [["pid"]], "required": false}
  ]
}`

func TestParse(t *testing.T) {
	q, err := Parse([]byte(mdlOrPidQuery))
	require.NoError(t, err)

	require.Len(t, q.Credentials, 2)
	mdl := q.Credentials[0]
	assert.Equal(t, "mdl", mdl.ID)
	assert.Equal(t, credential.FormatMdoc, mdl.Format)
	assert.Equal(t, "org.iso.18013.5.1.mDL", mdl.Meta.DoctypeValue)
	require.Len(t, mdl.Claims, 2)
	assert.Equal(t, claim.NewPath("org.iso.18013.5.1", "given_name"), mdl.Claims[0].Path)
	assert.True(t, mdl.Claims[0].IntentToRetain)
	assert.False(t, mdl.Claims[1].IntentToRetain)

	pid := q.Credentials[1]
	assert.Equal(t, []string{"urn:eudi:pid:1"}, pid.Meta.VctValues)
	assert.Equal(t, [][]string{{"a", "b"}, {"a"}}, pid.ClaimSets)
	assert.Equal(t, claim.Path{claim.Key("degrees"), claim.Wildcard(), claim.Key("type")}, pid.Claims[2].Path)
	assert.Equal(t, []claim.Value{claim.String("Master of Science"), claim.Int(3), claim.Bool(true)}, pid.Claims[2].Values)

	require.Len(t, q.CredentialSets, 2)
	assert.True(t, q.CredentialSets[0].IsRequired())
	assert.Equal(t, "Identification", q.CredentialSets[0].Purpose)
	assert.False(t, q.CredentialSets[1].IsRequired())
}

func TestQueryRoundTrip(t *testing.T) {
	q, err := Parse([]byte(mdlOrPidQuery))
	require.NoError(t, err)

	b, err := json.Marshal(q)
	require.NoError(t, err)

	again, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, q, again)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		errSubstr []string
	}{
		{
			name:      "not json",
			query:     `{"credentials": [`,
			errSubstr: []string{"malformed dcql query"},
		},
		{
			name:      "missing credentials",
			query:     `{}`,
			errSubstr: []string{"missing credentials"},
		},
		{
			name:      "missing id and format",
			query:     `{"credentials": [{"meta": {}}]}`,
			errSubstr: []string{"missing id", "missing format"},
		},
		{
			name:      "unknown format",
			query:     `{"credentials": [{"id": "x", "format": "ldp_vc"}]}`,
			errSubstr: []string{`unknown format "ldp_vc"`},
		},
		{
			name:      "mdoc without doctype",
			query:     `{"credentials": [{"id": "x", "format": "mso_mdoc", "meta": {}}]}`,
			errSubstr: []string{"missing meta.doctype_value"},
		},
		{
			name:      "sd-jwt without vct",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt"}]}`,
			errSubstr: []string{"missing meta.vct_values"},
		},
		{
			name:      "duplicate id",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}}, {"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}}]}`,
			errSubstr: []string{`duplicate id "x"`},
		},
		{
			name:      "empty claim path",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}, "claims": [{"path": []}]}]}`,
			errSubstr: []string{"empty path"},
		},
		{
			name:      "negative index",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}, "claims": [{"path": ["a", -1]}]}]}`,
			errSubstr: []string{"not a non-negative integer"},
		},
		{
			name:      "mdoc path too long",
			query:     `{"credentials": [{"id": "x", "format": "mso_mdoc", "meta": {"doctype_value": "d"}, "claims": [{"path": ["ns", "a", "b"]}]}]}`,
			errSubstr: []string{"mdoc path must be [namespace, element]"},
		},
		{
			name:      "object value",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}, "claims": [{"path": ["a"], "values": [{"k": 1}]}]}]}`,
			errSubstr: []string{"values must be strings, numbers or booleans"},
		},
		{
			name:      "claim set references unknown claim",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}, "claims": [{"id": "a", "path": ["a"]}], "claim_sets": [["a", "b"]]}]}`,
			errSubstr: []string{`unknown claim id "b"`},
		},
		{
			name:      "option references unknown query",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}}], "credential_sets": [{"options": [["x"], ["y"]]}]}`,
			errSubstr: []string{`unknown credential query id "y"`},
		},
		{
			name:      "empty options",
			query:     `{"credentials": [{"id": "x", "format": "dc+sd-jwt", "meta": {"vct_values": ["v"]}}], "credential_sets": [{"options": []}]}`,
			errSubstr: []string{"options must not be empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.query))
			require.Error(t, err)
			require.ErrorIs(t, err, ErrMalformedQuery)
			for _, s := range tt.errSubstr {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestParseAggregatesErrors(t *testing.T) {
	_, err := Parse([]byte(`{"credentials": [{"format": "mso_mdoc"}, {"id": "y", "format": "nope"}]}`))
	require.ErrorIs(t, err, ErrMalformedQuery)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 3)
}

func TestFromDeviceRequest(t *testing.T) {
	req, err := mdoc.NewDeviceRequest(mdoc.ItemsRequest{
		DocType: mdoc.DocTypeMDL,
		NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{
			mdoc.NameSpaceMDL: {"given_name": true, "family_name": false},
		},
	})
	require.NoError(t, err)

	q, err := FromDeviceRequest(req)
	require.NoError(t, err)
	require.Len(t, q.Credentials, 1)

	cq := q.Credentials[0]
	assert.Equal(t, "0", cq.ID)
	assert.Equal(t, credential.FormatMdoc, cq.Format)
	assert.Equal(t, string(mdoc.DocTypeMDL), cq.Meta.DoctypeValue)
	assert.Equal(t, []ClaimQuery{
		{Path: claim.NewPath("org.iso.18013.5.1", "family_name")},
		{Path: claim.NewPath("org.iso.18013.5.1", "given_name"), IntentToRetain: true},
	}, cq.Claims)
	assert.True(t, cq.OmitMissingClaims)

	// legacy matching is not part of the DCQL wire form
	out, err := json.Marshal(q)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "OmitMissingClaims")
}
