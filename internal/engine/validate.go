package engine

import "limitd/pkg/ratelimiter"

// validateAcquire checks every identifier in the request against the
// grammar before any store I/O.
func validateAcquire(req ratelimiter.AcquireRequest) error {
	if err := ratelimiter.ValidateIdentifier("entity", req.EntityID); err != nil {
		return err
	}
	if err := ratelimiter.ValidateIdentifier("resource", req.Resource); err != nil {
		return err
	}
	if req.Principal != "" {
		if err := ratelimiter.ValidateIdentifier("principal", req.Principal); err != nil {
			return err
		}
	}
	for _, l := range req.Limits {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// validateAvailability checks the read-only query identifiers.
func validateAvailability(req ratelimiter.AvailabilityRequest) error {
	if err := ratelimiter.ValidateIdentifier("entity", req.EntityID); err != nil {
		return err
	}
	if err := ratelimiter.ValidateIdentifier("resource", req.Resource); err != nil {
		return err
	}
	for _, l := range req.Limits {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}
