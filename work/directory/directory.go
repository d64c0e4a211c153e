package directory

import (
	"fmt"
	"strings"
	"sync"

	"sxm-proxy/work/logger"
	"sxm-proxy/work/session"
	"sxm-proxy/work/types"
)

// Directory downloads and caches the channel catalog and resolves a
// user-supplied name, channel id or station number to a channel record.
// The catalog is fetched on first use and kept for the process lifetime;
// a failed fetch leaves it empty so the next lookup tries again.
type Directory struct {
	log *logger.Logger
	sm  *session.Manager

	mu       sync.RWMutex
	channels []types.Channel
}

// New creates an empty Directory backed by the session manager.
func New(log *logger.Logger, sm *session.Manager) *Directory {
	return &Directory{log: log, sm: sm}
}

// channelListingPayload is the Discovery/ChannelListing module request.
// The API insists on the empty arrays being present.
type channelListingPayload struct {
	ModuleList struct {
		Modules []channelListingModule `json:"modules"`
	} `json:"moduleList"`
}

type channelListingModule struct {
	ModuleArea    string                `json:"moduleArea"`
	ModuleType    string                `json:"moduleType"`
	ModuleRequest channelListingRequest `json:"moduleRequest"`
}

type channelListingRequest struct {
	ConsumeRequests []any  `json:"consumeRequests"`
	ResultTemplate  string `json:"resultTemplate"`
	Alerts          []any  `json:"alerts"`
	ProfileInfos    []any  `json:"profileInfos"`
}

// Channels returns the catalog, downloading it if the cache is empty.
func (d *Directory) Channels() ([]types.Channel, error) {
	d.mu.RLock()
	if len(d.channels) > 0 {
		defer d.mu.RUnlock()
		return d.channels, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) > 0 {
		return d.channels, nil
	}

	payload := channelListingPayload{}
	payload.ModuleList.Modules = []channelListingModule{{
		ModuleArea: "Discovery",
		ModuleType: "ChannelListing",
		ModuleRequest: channelListingRequest{
			ConsumeRequests: []any{},
			ResultTemplate:  "responsive",
			Alerts:          []any{},
			ProfileInfos:    []any{},
		},
	}}

	env, err := d.sm.Post("get", payload)
	if err != nil {
		d.log.Error("Unable to get channel list: %v", err)
		return nil, fmt.Errorf("channel listing fetch failed: %w", err)
	}

	modules := env.ModuleListResponse.ModuleList.Modules
	if len(modules) == 0 {
		d.log.Error("Error parsing json response for channels")
		return nil, fmt.Errorf("channel listing response carried no modules")
	}

	records := modules[0].ModuleResponse.ContentData.ChannelListing.Channels
	if len(records) == 0 {
		return nil, fmt.Errorf("channel listing response carried no channels")
	}

	channels := make([]types.Channel, 0, len(records))
	for _, rec := range records {
		channels = append(channels, types.NewChannel(rec))
	}
	d.channels = channels
	d.log.Info("Loaded channel catalog: %d channels", len(channels))
	return d.channels, nil
}

// Resolve maps a name, channel id or station number to its channel record.
// Matching is case-insensitive and exact, checked against all channels per
// field in precedence order: name first, then channel id, then number.
func (d *Directory) Resolve(nameOrID string) (types.Channel, bool) {
	channels, err := d.Channels()
	if err != nil {
		return types.Channel{}, false
	}

	want := strings.ToLower(nameOrID)
	for _, ch := range channels {
		if strings.ToLower(ch.Name) == want {
			return ch, true
		}
	}
	for _, ch := range channels {
		if strings.ToLower(ch.ID) == want {
			return ch, true
		}
	}
	for _, ch := range channels {
		if strings.ToLower(ch.Number) == want {
			return ch, true
		}
	}
	return types.Channel{}, false
}
