package sharepoint

import (
	"errors"
	"fmt"
)

// AuthError indicates the client-credentials token exchange failed.
type AuthError struct {
	Body       string
	StatusCode int
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("token exchange failed: %s", e.Body)
	}
	return fmt.Sprintf("token exchange failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// SyncError indicates the delta feed could not be fetched. The stored cursor must be left as is.
type SyncError struct {
	Err        error
	URL        string
	Body       string
	StatusCode int
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delta fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("delta fetch %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// DownloadError indicates a single item's content could not be fetched.
type DownloadError struct {
	Err        error
	ItemID     string
	Name       string
	StatusCode int
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s (%s): %v", e.Name, e.ItemID, e.Err)
	}
	return fmt.Sprintf("download %s (%s): HTTP %d", e.Name, e.ItemID, e.StatusCode)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// StoreCorruptionError indicates the cursor document exists but cannot be decoded.
type StoreCorruptionError struct {
	Err      error
	Location string
}

func (e *StoreCorruptionError) Error() string {
	return fmt.Sprintf("cursor store %s is corrupt: %v", e.Location, e.Err)
}

func (e *StoreCorruptionError) Unwrap() error {
	return e.Err
}

// ParseError indicates a webhook body that is not a notification envelope.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse notification: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsSyncError checks if an error is a SyncError.
func IsSyncError(err error) bool {
	var target *SyncError
	return errors.As(err, &target)
}

// IsDownloadError checks if an error is a DownloadError.
func IsDownloadError(err error) bool {
	var target *DownloadError
	return errors.As(err, &target)
}

// IsStoreCorruption checks if an error is a StoreCorruptionError.
func IsStoreCorruption(err error) bool {
	var target *StoreCorruptionError
	return errors.As(err, &target)
}

// IsParseError checks if an error is a ParseError.
func IsParseError(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}
