// Package mdoc implements the ISO/IEC 18013-5:2021 mobile document data model
// used on both sides of a presentment: parsing and verifying DeviceResponses
// and building device authentication for them. This file contains error
// handling utilities.
package mdoc

import (
	"errors"
	"fmt"
)

// Error categories for mdoc package
const (
	// ErrCategoryDocument represents errors related to document structure and validity
	ErrCategoryDocument = "document"

	// ErrCategoryNamespace represents errors related to namespaces
	ErrCategoryNamespace = "namespace"

	// ErrCategoryElement represents errors related to document elements
	ErrCategoryElement = "element"

	// ErrCategoryCertificate represents errors related to certificates
	ErrCategoryCertificate = "certificate"

	// ErrCategoryCOSE represents errors related to COSE structures
	ErrCategoryCOSE = "cose"

	// ErrCategoryDigest represents errors related to digest operations
	ErrCategoryDigest = "digest"

	// ErrCategoryVerification represents errors related to verification operations
	ErrCategoryVerification = "verification"

	// ErrCategoryDevice represents errors related to device operations
	ErrCategoryDevice = "device"

	// ErrCategorySession represents errors related to session encryption
	ErrCategorySession = "session"
)

// formatError formats an error message with an optional category prefix.
// It ensures consistent error message formatting across the package.
func formatError(category, format string, args ...interface{}) string {
	if category == "" {
		return fmt.Sprintf(format, args...)
	}
	return fmt.Sprintf("%s: %s", category, fmt.Sprintf(format, args...))
}

// NewCategoryError creates a new error with the specified category, format, and arguments.
//
// Parameters:
//   - category: The error category
//   - format: The format string for the error message
//   - args: Arguments for the format string
//
// Returns:
//   - An error with the formatted message including the category
func NewCategoryError(category, format string, args ...interface{}) error {
	return errors.New(formatError(category, format, args...))
}

// NewWrappedCategoryError creates a new error that wraps an existing error with a category and additional context.
//
// Parameters:
//   - category: The error category
//   - err: The underlying error to wrap
//   - format: The format string for the additional context
//   - args: Arguments for the format string
//
// Returns:
//   - An error that wraps the original error with a category and additional context
func NewWrappedCategoryError(category string, err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", formatError(category, format, args...), err)
}

// ErrInvalidDocument reports a structurally invalid document.
type ErrInvalidDocument struct{ Reason string }

func (e ErrInvalidDocument) Error() string {
	return formatError(ErrCategoryDocument, "invalid document: %s", e.Reason)
}

// ErrDocumentNotFound reports a missing document type in a DeviceResponse.
type ErrDocumentNotFound struct{ DocType DocType }

func (e ErrDocumentNotFound) Error() string {
	return formatError(ErrCategoryDocument, "failed to find doc: doctype=%s", e.DocType)
}

type ErrNamespaceNotFound struct{ Namespace NameSpace }

func (e ErrNamespaceNotFound) Error() string {
	return formatError(ErrCategoryNamespace, "namespace %s not found", e.Namespace)
}

type ErrNamespaceEmpty struct{}

func (e ErrNamespaceEmpty) Error() string {
	return formatError(ErrCategoryNamespace, "no namespaces available")
}

type ErrNamespaceDigestsNotFound struct{ Namespace NameSpace }

func (e ErrNamespaceDigestsNotFound) Error() string {
	return formatError(ErrCategoryDigest, "value digests not found: %s", e.Namespace)
}

type ErrElementNotFound struct {
	Namespace NameSpace
	Element   ElementIdentifier
}

func (e ErrElementNotFound) Error() string {
	return formatError(ErrCategoryElement, "element %s not found in namespace %s", e.Element, e.Namespace)
}

type ErrCertificateChainIssue struct{ Err error }

func (e ErrCertificateChainIssue) Error() string {
	return formatError(ErrCategoryCertificate, "error parsing certificate: %v", e.Err)
}

func (e ErrCertificateChainIssue) Unwrap() error { return e.Err }

type ErrInvalidKeyType struct{ Type string }

func (e ErrInvalidKeyType) Error() string {
	return formatError(ErrCategoryCertificate, "unexpected public key type: %s", e.Type)
}

type ErrX5ChainIssue struct{ Reason string }

func (e ErrX5ChainIssue) Error() string {
	return formatError(ErrCategoryCertificate, "%s", e.Reason)
}

type ErrMissingHeaders struct{}

func (e ErrMissingHeaders) Error() string {
	return formatError(ErrCategoryCOSE, "missing unprotected headers")
}

type ErrMissingProtectedHeader struct{}

func (e ErrMissingProtectedHeader) Error() string {
	return formatError(ErrCategoryCOSE, "protected header is nil")
}

type ErrMissingPayload struct{}

func (e ErrMissingPayload) Error() string {
	return formatError(ErrCategoryCOSE, "missing payload")
}

type ErrInvalidTaggedContent struct{ Type string }

func (e ErrInvalidTaggedContent) Error() string {
	return formatError(ErrCategoryCOSE, "unexpected tagged content: %s", e.Type)
}

type ErrDigestNotFound struct {
	Namespace NameSpace
	DigestID  DigestID
}

func (e ErrDigestNotFound) Error() string {
	return formatError(ErrCategoryDigest, "digest not found: %s, %d", e.Namespace, e.DigestID)
}

type ErrDeviceKeyNotAvailable struct{}

func (e ErrDeviceKeyNotAvailable) Error() string {
	return formatError(ErrCategoryDevice, "device key not available")
}

type ErrKeyAuthorizationsNotAvailable struct{}

func (e ErrKeyAuthorizationsNotAvailable) Error() string {
	return formatError(ErrCategoryDevice, "device key authorizations not available")
}

type ErrDeviceSignedNil struct{}

func (e ErrDeviceSignedNil) Error() string {
	return formatError(ErrCategoryDevice, "device signed is nil")
}

type ErrDeviceNameSpacesNil struct{}

func (e ErrDeviceNameSpacesNil) Error() string {
	return formatError(ErrCategoryDevice, "device name spaces bytes is nil")
}

type ErrMissingDeviceProtectedHeaders struct{}

func (e ErrMissingDeviceProtectedHeaders) Error() string {
	return formatError(ErrCategoryDevice, "protected headers not available")
}

type ErrEmptySessionTranscript struct{}

func (e ErrEmptySessionTranscript) Error() string {
	return formatError(ErrCategoryDevice, "session transcript is empty")
}

// IsDocumentError checks if an error is related to document issues
func IsDocumentError(err error) bool {
	var docErr ErrInvalidDocument
	var docNotFoundErr ErrDocumentNotFound
	return errors.As(err, &docErr) || errors.As(err, &docNotFoundErr)
}

// IsNamespaceError checks if an error is related to namespace issues
func IsNamespaceError(err error) bool {
	var nsNotFoundErr ErrNamespaceNotFound
	var nsEmptyErr ErrNamespaceEmpty
	var nsDigestsNotFoundErr ErrNamespaceDigestsNotFound
	return errors.As(err, &nsNotFoundErr) || errors.As(err, &nsEmptyErr) || errors.As(err, &nsDigestsNotFoundErr)
}

// IsElementError checks if an error is related to element issues
func IsElementError(err error) bool {
	var elemNotFoundErr ErrElementNotFound
	return errors.As(err, &elemNotFoundErr)
}

// IsCertificateError checks if an error is related to certificate issues
func IsCertificateError(err error) bool {
	var certChainErr ErrCertificateChainIssue
	var keyTypeErr ErrInvalidKeyType
	var x5ChainErr ErrX5ChainIssue
	return errors.As(err, &certChainErr) || errors.As(err, &keyTypeErr) || errors.As(err, &x5ChainErr)
}

// IsCOSEError checks if an error is related to COSE structure issues
func IsCOSEError(err error) bool {
	var missingHeadersErr ErrMissingHeaders
	var missingProtectedHeaderErr ErrMissingProtectedHeader
	var missingPayloadErr ErrMissingPayload
	var invalidTaggedContentErr ErrInvalidTaggedContent
	return errors.As(err, &missingHeadersErr) || errors.As(err, &missingProtectedHeaderErr) ||
		errors.As(err, &missingPayloadErr) || errors.As(err, &invalidTaggedContentErr)
}

// IsDigestError checks if an error is related to digest issues
func IsDigestError(err error) bool {
	var digestNotFoundErr ErrDigestNotFound
	var nsDigestsNotFoundErr ErrNamespaceDigestsNotFound
	return errors.As(err, &digestNotFoundErr) || errors.As(err, &nsDigestsNotFoundErr)
}

// IsDeviceError checks if an error is related to device issues
func IsDeviceError(err error) bool {
	var deviceKeyNotAvailableErr ErrDeviceKeyNotAvailable
	var keyAuthorizationsNotAvailableErr ErrKeyAuthorizationsNotAvailable
	var deviceSignedNilErr ErrDeviceSignedNil
	var deviceNameSpacesNilErr ErrDeviceNameSpacesNil
	var missingDeviceProtectedHeadersErr ErrMissingDeviceProtectedHeaders
	var emptySessionTranscriptErr ErrEmptySessionTranscript
	return errors.As(err, &deviceKeyNotAvailableErr) || errors.As(err, &keyAuthorizationsNotAvailableErr) ||
		errors.As(err, &deviceSignedNilErr) || errors.As(err, &deviceNameSpacesNilErr) ||
		errors.As(err, &missingDeviceProtectedHeadersErr) || errors.As(err, &emptySessionTranscriptErr)
}
