package mdoc

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

const DeviceRequestVersion = "1.0"

// DeviceRequest is the reader's request, ISO/IEC 18013-5 8.3.2.1.2.1.
type DeviceRequest struct {
	Version     string       `json:"version"`
	DocRequests []DocRequest `json:"docRequests"`
}

type DocRequest struct {
	ItemsRequest ItemsRequestBytes `json:"itemsRequest"`
	ReaderAuth   cbor.RawMessage   `json:"readerAuth,omitempty"`
}

// ItemsRequestBytes holds an encoded ItemsRequest carried as #6.24(bstr).
type ItemsRequestBytes []byte

func (i ItemsRequestBytes) MarshalCBOR() ([]byte, error) {
	return marshalTag24(i)
}

func (i *ItemsRequestBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return fmt.Errorf("failed to decode items request bytes: %w", err)
	}
	*i = content
	return nil
}

func (i ItemsRequestBytes) ItemsRequest() (*ItemsRequest, error) {
	var req ItemsRequest
	if err := cbor.Unmarshal(i, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items request: %w", err)
	}
	if req.DocType == "" {
		return nil, ErrInvalidDocument{Reason: "items request without docType"}
	}
	return &req, nil
}

// DataElements maps element identifiers to IntentToRetain.
type DataElements map[ElementIdentifier]bool

type ItemsRequest struct {
	DocType     DocType                    `json:"docType"`
	NameSpaces  map[NameSpace]DataElements `json:"nameSpaces"`
	RequestInfo map[string]interface{}     `json:"requestInfo,omitempty"`
}

// RequestedElement is one entry of an ItemsRequest in a stable order.
type RequestedElement struct {
	NameSpace      NameSpace
	Element        ElementIdentifier
	IntentToRetain bool
}

// Elements lists the requested elements sorted by namespace and identifier.
func (r *ItemsRequest) Elements() []RequestedElement {
	var out []RequestedElement
	for ns, elems := range r.NameSpaces {
		for id, retain := range elems {
			out = append(out, RequestedElement{NameSpace: ns, Element: id, IntentToRetain: retain})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].NameSpace != out[b].NameSpace {
			return out[a].NameSpace < out[b].NameSpace
		}
		return out[a].Element < out[b].Element
	})
	return out
}

func ParseDeviceRequest(data []byte) (*DeviceRequest, error) {
	var req DeviceRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device request: %w", err)
	}
	if req.Version == "" {
		return nil, ErrInvalidDocument{Reason: "device request without version"}
	}
	if len(req.DocRequests) == 0 {
		return nil, ErrInvalidDocument{Reason: "device request without docRequests"}
	}
	return &req, nil
}

// NewDeviceRequest builds a request without reader authentication.
func NewDeviceRequest(items ...ItemsRequest) (*DeviceRequest, error) {
	req := &DeviceRequest{Version: DeviceRequestVersion}
	for _, item := range items {
		b, err := Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal items request: %w", err)
		}
		req.DocRequests = append(req.DocRequests, DocRequest{ItemsRequest: b})
	}
	return req, nil
}

// RequestInfoZkRequest is the requestInfo key of a reader asking for a
// zero-knowledge proof of the document.
const RequestInfoZkRequest = "zkRequest"

// ZkRequested reports whether any DocRequest asks for a zero-knowledge proof.
func (r *DeviceRequest) ZkRequested() (bool, error) {
	for i, docRequest := range r.DocRequests {
		items, err := docRequest.ItemsRequest.ItemsRequest()
		if err != nil {
			return false, fmt.Errorf("failed to decode docRequests[%d]: %w", i, err)
		}
		if _, ok := items.RequestInfo[RequestInfoZkRequest]; ok {
			return true, nil
		}
	}
	return false, nil
}
