package names

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/protocol"
)

// CapabilityResolver fetches name batches from the display-name capability.
// Record expiry comes from the response's Cache-Control max-age hint.
type CapabilityResolver struct {
	caps *caps.Client
	now  func() time.Time
}

func NewCapabilityResolver(c *caps.Client) *CapabilityResolver {
	return &CapabilityResolver{caps: c, now: time.Now}
}

func (r *CapabilityResolver) LookupNames(ctx context.Context, ids []uuid.UUID) (*Batch, error) {
	query := url.Values{}
	for _, id := range ids {
		query.Add("ids", id.String())
	}

	var resp protocol.NameBatchResponse
	header, err := r.caps.Get(ctx, protocol.CapNameLookup, query, &resp)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Found:  make(map[uuid.UUID]Name, len(resp.Agents)),
		BadIDs: resp.BadIDs,
	}
	if maxAge, ok := MaxAgeFromCacheControl(header.Get("Cache-Control")); ok {
		batch.Expires = r.now().Add(maxAge)
	}
	for _, entry := range resp.Agents {
		batch.Found[entry.ID] = Name{
			Username:    entry.Username,
			DisplayName: entry.DisplayName,
			LegacyFirst: entry.LegacyFirstName,
			LegacyLast:  entry.LegacyLastName,
			IsDefault:   entry.IsDisplayDefault,
			NextUpdate:  entry.NextUpdate,
		}
	}
	return batch, nil
}
