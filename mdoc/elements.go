package mdoc

import "fmt"

// ISO_IEC_18013-5_2021(en).pdf

const (
	DocTypeMDL DocType = "org.iso.18013.5.1.mDL"
	DocTypePID DocType = "eu.europa.ec.eudi.pid.1"

	NameSpaceMDL NameSpace = "org.iso.18013.5.1"
	NameSpacePID NameSpace = "eu.europa.ec.eudi.pid.1"
)

type Element struct {
	Namespace NameSpace
	Name      ElementIdentifier
}

func (e Element) String() string {
	return fmt.Sprintf("%s/%s", e.Namespace, e.Name)
}

func mdl(name ElementIdentifier) Element {
	return Element{Namespace: NameSpaceMDL, Name: name}
}

func pid(name ElementIdentifier) Element {
	return Element{Namespace: NameSpacePID, Name: name}
}

var (
	FamilyName           = mdl("family_name")
	GivenName            = mdl("given_name")
	BirthDate            = mdl("birth_date")
	IssueDate            = mdl("issue_date")
	ExpiryDate           = mdl("expiry_date")
	IssuingCountry       = mdl("issuing_country")
	IssuingAuthority     = mdl("issuing_authority")
	DocumentNumber       = mdl("document_number")
	Portrait             = mdl("portrait")
	DrivingPrivileges    = mdl("driving_privileges")
	UnDistinguishingSign = mdl("un_distinguishing_sign")
	AdministrativeNumber = mdl("administrative_number")
	Sex                  = mdl("sex")
	Height               = mdl("height")
	Weight               = mdl("weight")
	EyeColour            = mdl("eye_colour")
	HairColour           = mdl("hair_colour")
	BirthPlace           = mdl("birth_place")
	ResidentAddress      = mdl("resident_address")
	PortraitCaptureDate  = mdl("portrait_capture_date")
	AgeInYears           = mdl("age_in_years")
	AgeBirthYear         = mdl("age_birth_year")
	IssuingJurisdiction  = mdl("issuing_jurisdiction")
	Nationality          = mdl("nationality")
	ResidentCity         = mdl("resident_city")
	ResidentState        = mdl("resident_state")
	ResidentPostalCode   = mdl("resident_postal_code")
	ResidentCountry      = mdl("resident_country")

	FamilyNameNationalCharacter = mdl("family_name_national_character")
	GivenNameNationalCharacter  = mdl("given_name_national_character")
	SignatureUsualMark          = mdl("signature_usual_mark")

	EUFamilyName  = pid("family_name")
	EUGivenName   = pid("given_name")
	EUBirthDate   = pid("birth_date")
	EUNationality = pid("nationality")
	EUAgeOver18   = pid("age_over_18")
)

func AgeOver(age int) (Element, error) {
	if age < 0 || age > 99 {
		return Element{}, fmt.Errorf("unsupported range of age: %v", age)
	}
	return mdl(ElementIdentifier(fmt.Sprintf("age_over_%d", age))), nil
}
