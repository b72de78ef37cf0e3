package protocol

import (
	"fmt"

	"github.com/kokukuma/mdoc-presentment/mdoc"
)

// https://github.com/openwallet-foundation-labs/identity-credential/blob/da5991c34f4d3356606e68b9376419c7f9c62cb3/appholder/src/main/java/com/android/identity/wallet/GetCredentialActivity.kt#L163

type PreviewRequest struct {
	Selector        Selector `json:"selector"`
	Nonce           string   `json:"nonce"`
	ReaderPublicKey string   `json:"readerPublicKey"`
}

type Selector struct {
	Format    []string  `json:"format"`
	Retention Retention `json:"retention"`
	DocType   string    `json:"doctype"`
	Fields    []Field   `json:"fields"`
}

type Retention struct {
	Days int `json:"days"`
}

type Field struct {
	Namespace      mdoc.NameSpace         `json:"namespace"`
	Name           mdoc.ElementIdentifier `json:"name"`
	IntentToRetain bool                   `json:"intentToRetain"`
}

// ItemsRequest returns the selector as the equivalent mdoc request.
func (s Selector) ItemsRequest() (*mdoc.ItemsRequest, error) {
	if s.DocType == "" {
		return nil, fmt.Errorf("selector has no doctype")
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("selector has no fields")
	}
	req := &mdoc.ItemsRequest{
		DocType:    mdoc.DocType(s.DocType),
		NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{},
	}
	for _, f := range s.Fields {
		if req.NameSpaces[f.Namespace] == nil {
			req.NameSpaces[f.Namespace] = mdoc.DataElements{}
		}
		req.NameSpaces[f.Namespace][f.Name] = f.IntentToRetain
	}
	return req, nil
}

func newSelector(items *mdoc.ItemsRequest) Selector {
	s := Selector{
		Format:    []string{"mdoc"},
		Retention: Retention{Days: 90},
		DocType:   string(items.DocType),
		Fields:    []Field{},
	}
	for _, e := range items.Elements() {
		s.Fields = append(s.Fields, Field{
			Namespace:      e.NameSpace,
			Name:           e.Element,
			IntentToRetain: e.IntentToRetain,
		})
	}
	return s
}
