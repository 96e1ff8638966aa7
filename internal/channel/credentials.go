package channel

import (
	"context"
	"errors"
	"fmt"
)

// SecretStore returns an organization's stored secrets for a vendor. It
// returns an error wrapping notFound when none are stored.
type SecretStore interface {
	Credentials(ctx context.Context, orgID, vendor string) (map[string]string, error)
}

// Credentials resolves vendor secrets per organization, falling back to the
// platform defaults from the environment.
type Credentials struct {
	store    SecretStore
	notFound error
	defaults map[string]map[string]string
}

func NewCredentials(store SecretStore, notFound error, defaults map[string]map[string]string) *Credentials {
	if defaults == nil {
		defaults = map[string]map[string]string{}
	}
	return &Credentials{store: store, notFound: notFound, defaults: defaults}
}

// Lookup returns the requested keys for vendor. Any key missing from both
// the organization's secrets and the defaults is an integration failure.
func (c *Credentials) Lookup(ctx context.Context, orgID, vendor string, keys ...string) (map[string]string, error) {
	var stored map[string]string
	if c.store != nil {
		s, err := c.store.Credentials(ctx, orgID, vendor)
		switch {
		case err == nil:
			stored = s
		case c.notFound != nil && errors.Is(err, c.notFound):
		default:
			return nil, transient(fmt.Errorf("load %s credentials: %w", vendor, err))
		}
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := stored[k]
		if v == "" {
			v = c.defaults[vendor][k]
		}
		if v == "" {
			return nil, &DispatchError{
				Class:       Permanent,
				Integration: true,
				Err:         fmt.Errorf("%w: %s %s for organization %s", ErrMissingCredentials, vendor, k, orgID),
			}
		}
		out[k] = v
	}
	return out, nil
}
