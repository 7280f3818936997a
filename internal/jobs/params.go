// Package jobs runs wishlist imports and availability checks asynchronously,
// passing parameters, progress and results through the key-value store.
package jobs

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/bookmooch"
	"github.com/lepinkainen/shelfmatch/internal/kvstore"
	"github.com/lepinkainen/shelfmatch/internal/overdrive"
)

// Kind selects what a job does.
type Kind string

const (
	KindWishlist     Kind = "wishlist"
	KindAvailability Kind = "availability"
)

const (
	keyParams   = "params"
	keyResult   = "result"
	keyProgress = "progress"
)

// Params describe one job. They are written by the caller and read by the worker.
type Params struct {
	Kind          Kind        `json:"kind"`
	CorrelationID string      `json:"correlation_id"`
	Username      string      `json:"username,omitempty"`
	Password      string      `json:"password,omitempty"`
	LibraryID     string      `json:"library_id,omitempty"`
	Books         []book.Book `json:"books"`
}

// Credentials returns the BookMooch account carried by p.
func (p Params) Credentials() bookmooch.Credentials {
	return bookmooch.Credentials{Username: p.Username, Password: p.Password}
}

func (p Params) validate() error {
	switch p.Kind {
	case KindWishlist:
		if !p.Credentials().Valid() {
			return fmt.Errorf("wishlist job needs a BookMooch username and password")
		}
	case KindAvailability:
		if p.LibraryID == "" {
			return fmt.Errorf("availability job needs a library id")
		}
	default:
		return fmt.Errorf("unknown job kind %q", p.Kind)
	}
	return nil
}

// Submit stores params for a worker to pick up and returns the job's
// correlation id, generating a UUIDv7 when params carry none.
func Submit(store kvstore.Store, params Params) (string, error) {
	if err := params.validate(); err != nil {
		return "", err
	}
	if params.CorrelationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate correlation id: %w", err)
		}
		params.CorrelationID = id.String()
	}

	if err := kvstore.SetJSON(kvstore.Namespace(store, params.CorrelationID), keyParams, params); err != nil {
		return "", fmt.Errorf("failed to store job parameters: %w", err)
	}
	return params.CorrelationID, nil
}

// WishlistResult reads the stored outcome of a wishlist job.
func WishlistResult(store kvstore.Store, id string) (*bookmooch.ImportResult, bool, error) {
	return result[bookmooch.ImportResult](store, id)
}

// AvailabilityResult reads the stored outcome of an availability job.
func AvailabilityResult(store kvstore.Store, id string) (*overdrive.Report, bool, error) {
	return result[overdrive.Report](store, id)
}

func result[T any](store kvstore.Store, id string) (*T, bool, error) {
	v, ok, err := kvstore.GetJSON[T](kvstore.Namespace(store, id), keyResult)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &v, true, nil
}
