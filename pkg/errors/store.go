// pkg/errors/store.go
package errors

// Store error codes
const (
	// StoreErrNotFound indicates a record was not found
	StoreErrNotFound = "STORE_NOT_FOUND"
	// StoreErrBackend indicates a backend (Redis) failure
	StoreErrBackend = "STORE_BACKEND"
	// StoreErrEncryption indicates at-rest encryption or decryption failed
	StoreErrEncryption = "STORE_ENCRYPTION"
)

// StoreDomain is the domain name for store errors
const StoreDomain = "store"

// StoreNotFound creates a record-missing store error.
func StoreNotFound(id string) error {
	return &Error{
		Domain:  StoreDomain,
		Code:    StoreErrNotFound,
		Message: "record not found: " + id,
	}
}

// StoreBackend wraps a backend failure.
func StoreBackend(err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Domain:   StoreDomain,
		Code:     StoreErrBackend,
		Original: err,
	}
}

// IsStoreNotFound reports whether err is a missing-record store error.
func IsStoreNotFound(err error) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == StoreDomain && domainErr.Code == StoreErrNotFound
	}
	return false
}
