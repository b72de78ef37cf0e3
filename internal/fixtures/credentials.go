package fixtures

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/mdoc"
)

const (
	VctPID = "urn:eudi:pid:1"

	ErikaMDLID      = "my-mDL-Erika"
	MaxMDLID        = "my-mDL-Max"
	ErikaPIDMdocID  = "my-PID-Erika"
	ErikaPIDSdJwtID = "my-PID-SdJwt-Erika"
)

// fullDate is an RFC 8943 full-date.
func fullDate(s string) cbor.Tag {
	return cbor.Tag{Number: 1004, Content: s}
}

type Person struct {
	GivenName  string
	FamilyName string
	BirthDate  string
	AgeOver18  bool

	// ISO/IEC 5218
	Sex uint
}

var (
	Erika = Person{GivenName: "Erika", FamilyName: "Mustermann", BirthDate: "1971-09-01", AgeOver18: true, Sex: 2}
	Max   = Person{GivenName: "Max", FamilyName: "Mustermann", BirthDate: "2010-01-20", AgeOver18: false, Sex: 1}
)

func mdlElements(p Person, documentNumber string) []NameSpaceElements {
	return []NameSpaceElements{{
		NameSpace: mdoc.NameSpaceMDL,
		Elements: []Element{
			{Name: mdoc.FamilyName.Name, Value: p.FamilyName},
			{Name: mdoc.GivenName.Name, Value: p.GivenName},
			{Name: mdoc.BirthDate.Name, Value: fullDate(p.BirthDate)},
			{Name: mdoc.IssueDate.Name, Value: fullDate("2024-01-01")},
			{Name: mdoc.ExpiryDate.Name, Value: fullDate("2034-01-01")},
			{Name: mdoc.IssuingCountry.Name, Value: "UT"},
			{Name: mdoc.IssuingAuthority.Name, Value: "Utopia DMV"},
			{Name: mdoc.DocumentNumber.Name, Value: documentNumber},
			{Name: "age_over_18", Value: p.AgeOver18},
			{Name: "age_over_21", Value: p.AgeOver18},
			{Name: mdoc.Sex.Name, Value: p.Sex},
			{Name: mdoc.DrivingPrivileges.Name, Value: []interface{}{
				map[string]interface{}{
					"vehicle_category_code": "A",
					"issue_date":            fullDate("2018-08-09"),
					"expiry_date":           fullDate("2028-09-01"),
				},
				map[string]interface{}{
					"vehicle_category_code": "B",
					"issue_date":            fullDate("2017-02-23"),
					"expiry_date":           fullDate("2028-09-01"),
				},
			}},
		},
	}}
}

func pidElements(p Person) []NameSpaceElements {
	return []NameSpaceElements{{
		NameSpace: mdoc.NameSpacePID,
		Elements: []Element{
			{Name: mdoc.EUFamilyName.Name, Value: p.FamilyName},
			{Name: mdoc.EUGivenName.Name, Value: p.GivenName},
			{Name: mdoc.EUBirthDate.Name, Value: fullDate(p.BirthDate)},
			{Name: mdoc.EUAgeOver18.Name, Value: p.AgeOver18},
			{Name: mdoc.EUNationality.Name, Value: "DE"},
		},
	}}
}

func newDeviceKey(macOnly bool) (credential.DeviceKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return credential.DeviceKey{}, err
	}
	if macOnly {
		return credential.NewMacOnlyKey(priv)
	}
	return credential.NewLocalKey(priv)
}

func devicePublicKey(key credential.DeviceKey) *ecdsa.PublicKey {
	priv, _ := credential.LocalPrivateKey(key)
	return &priv.PublicKey
}

func (a *Authority) mdocCredential(id, displayName string, docType mdoc.DocType, namespaces []NameSpaceElements, macOnly bool) (*credential.Credential, error) {
	key, err := newDeviceKey(macOnly)
	if err != nil {
		return nil, err
	}
	issuerSigned, err := a.IssueMdoc(docType, namespaces, devicePublicKey(key), time.Now())
	if err != nil {
		return nil, err
	}
	return credential.NewMdoc(id, displayName, docType, issuerSigned, key)
}

func (a *Authority) MDL(id string, p Person) (*credential.Credential, error) {
	return a.mdocCredential(id, "Driving License "+p.GivenName, mdoc.DocTypeMDL, mdlElements(p, "DL-"+id), false)
}

// MacOnlyMDL is an mDL whose device key can only do key agreement.
func (a *Authority) MacOnlyMDL(id string, p Person) (*credential.Credential, error) {
	return a.mdocCredential(id, "Driving License "+p.GivenName, mdoc.DocTypeMDL, mdlElements(p, "DL-"+id), true)
}

func (a *Authority) PIDMdoc(id string, p Person) (*credential.Credential, error) {
	return a.mdocCredential(id, "PID "+p.GivenName, mdoc.DocTypePID, pidElements(p), false)
}

func (a *Authority) PIDSdJwt(id string, p Person) (*credential.Credential, error) {
	key, err := newDeviceKey(false)
	if err != nil {
		return nil, err
	}
	raw, err := a.IssueSdJwt(VctPID, map[string]interface{}{
		"given_name":  p.GivenName,
		"family_name": p.FamilyName,
		"birthdate":   p.BirthDate,
		"age_equal_or_over": map[string]interface{}{
			"18": p.AgeOver18,
		},
		"address": map[string]interface{}{
			"street_address": "Heidestrasse 17",
			"locality":       "Koeln",
			"postal_code":    "51147",
			"country":        "DE",
		},
		"nationalities": []interface{}{"DE"},
		"degrees": []interface{}{
			map[string]interface{}{"type": "Bachelor of Science", "university": "University of Betelgeuse"},
			map[string]interface{}{"type": "Master of Science", "university": "University of Betelgeuse"},
		},
	}, devicePublicKey(key), time.Now())
	if err != nil {
		return nil, err
	}
	return credential.NewSdJwt(id, "PID "+p.GivenName, raw, key)
}

// Wallet issues the default holder credentials: Erika's and Max's mDLs,
// Erika's PID as mdoc and as SD-JWT VC.
func (a *Authority) Wallet() ([]*credential.Credential, error) {
	builders := []func() (*credential.Credential, error){
		func() (*credential.Credential, error) { return a.MDL(ErikaMDLID, Erika) },
		func() (*credential.Credential, error) { return a.MDL(MaxMDLID, Max) },
		func() (*credential.Credential, error) { return a.PIDMdoc(ErikaPIDMdocID, Erika) },
		func() (*credential.Credential, error) { return a.PIDSdJwt(ErikaPIDSdJwtID, Erika) },
	}
	creds := make([]*credential.Credential, 0, len(builders))
	for _, build := range builders {
		c, err := build()
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}
