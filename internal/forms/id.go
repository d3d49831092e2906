package forms

import (
	"strings"

	"github.com/google/uuid"
)

const generatedSlugLength = 8

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// SlugProvider issues candidate slugs for schemas created without one.
type SlugProvider interface {
	NewSlug() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type randomSlugProvider struct{}

// NewRandomSlugProvider issues 8-character lowercase hex slugs from random UUIDs.
func NewRandomSlugProvider() SlugProvider {
	return randomSlugProvider{}
}

func (randomSlugProvider) NewSlug() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(value.String(), "-", "")[:generatedSlugLength], nil
}
