package coedit

import (
	"errors"
	"fmt"
)

var ErrRetriesExhausted = errors.New("commit retries exhausted")
var ErrStoreUnavailable = errors.New("coordination store unavailable")
var ErrDocumentNotFound = errors.New("document not found")

// the client's version is below the persisted prefix. The client must
// re-import the document to resync.
type StaleClientError struct {
	ClientVersion    int64
	PersistedVersion int64
}

func (self *StaleClientError) Error() string {
	return fmt.Sprintf("client at %d < persisted %d", self.ClientVersion, self.PersistedVersion)
}

type TransformError struct {
	Version int64
	Cause   error
}

func (self *TransformError) Error() string {
	return fmt.Sprintf("transform failed at version %d: %s", self.Version, self.Cause)
}

func (self *TransformError) Unwrap() error {
	return self.Cause
}

type SaveFailedError struct {
	FileId string
	Cause  error
}

func (self *SaveFailedError) Error() string {
	return fmt.Sprintf("Failed to save document: %s", self.Cause)
}

func (self *SaveFailedError) Unwrap() error {
	return self.Cause
}
