package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique record already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSubdomainTaken is returned when a subdomain has ever been used.
	// Subdomains are reserved forever, even after deprovisioning.
	ErrSubdomainTaken = errors.New("subdomain taken")

	// ErrTenantHasInstance is returned when a tenant already has a live
	// (desired != absent) instance.
	ErrTenantHasInstance = errors.New("tenant already has an instance")

	// ErrStaleGeneration is returned when an optimistic update loses the
	// compare-and-swap on the instance generation.
	ErrStaleGeneration = errors.New("stale generation")

	// ErrDuplicateEvent is returned when a billing event with the same
	// external ID has already been recorded.
	ErrDuplicateEvent = errors.New("duplicate billing event")

	// ErrInvalidSubdomain is returned when a subdomain fails validation.
	ErrInvalidSubdomain = errors.New("invalid subdomain")
)
