package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Envelope is the outer JSON shape every SiriusXM REST response shares.
// The interesting payload sits several levels down; callers pick the part
// they need off ModuleListResponse and treat anything missing as a failed
// call rather than panicking on a nil walk.
type Envelope struct {
	ModuleListResponse ModuleListResponse `json:"ModuleListResponse"`
}

// ModuleListResponse carries the API status flag (1 = success), an optional
// message list with a numeric result code, and the module payload itself.
type ModuleListResponse struct {
	Status     int        `json:"status"`
	Messages   []Message  `json:"messages"`
	ModuleList ModuleList `json:"moduleList"`
}

// Message is a single status message from the API. Code values the proxy
// cares about: 100 success, 201/208 session expired.
type Message struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ModuleList wraps the module array; responses relevant here carry exactly
// one module.
type ModuleList struct {
	Modules []Module `json:"modules"`
}

// Module pairs a module identity with its response payload.
type Module struct {
	ModuleArea     string         `json:"moduleArea,omitempty"`
	ModuleType     string         `json:"moduleType,omitempty"`
	ModuleResponse ModuleResponse `json:"moduleResponse"`
}

// ModuleResponse is the union of payloads the proxy consumes: live tune
// data for playlist resolution and content data for the channel catalog.
type ModuleResponse struct {
	LiveChannelData LiveChannelData `json:"liveChannelData"`
	ContentData     ContentData     `json:"contentData"`
}

// LiveChannelData lists the HLS audio variants for a tuned live channel.
type LiveChannelData struct {
	HLSAudioInfos []HLSAudioInfo `json:"hlsAudioInfos"`
}

// HLSAudioInfo describes one master-playlist variant. Size is a quality
// tag (SMALL/MEDIUM/LARGE); URL may embed the %Live_Primary_HLS%
// placeholder that must be substituted with the live origin.
type HLSAudioInfo struct {
	Size string `json:"size"`
	URL  string `json:"url"`
}

// ContentData wraps the channel listing payload.
type ContentData struct {
	ChannelListing ChannelListing `json:"channelListing"`
}

// ChannelListing is the full channel catalog as returned by the API.
type ChannelListing struct {
	Channels []ChannelRecord `json:"channels"`
}

// ChannelRecord is the raw catalog entry. The station number arrives as
// either a JSON number or string depending on the catalog revision, hence
// FlexString.
type ChannelRecord struct {
	ChannelGUID         string     `json:"channelGuid"`
	ChannelID           string     `json:"channelId"`
	Name                string     `json:"name"`
	SiriusChannelNumber FlexString `json:"siriusChannelNumber"`
	IsFavorite          bool       `json:"isFavorite"`
}

// Channel is the immutable in-memory channel record the rest of the proxy
// works with, built once from a ChannelRecord and never mutated.
type Channel struct {
	GUID     string `json:"guid"`
	ID       string `json:"channelId"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Favorite bool   `json:"isFavorite"`
}

// NewChannel converts a raw catalog record into a Channel.
func NewChannel(rec ChannelRecord) Channel {
	return Channel{
		GUID:     rec.ChannelGUID,
		ID:       rec.ChannelID,
		Name:     rec.Name,
		Number:   string(rec.SiriusChannelNumber),
		Favorite: rec.IsFavorite,
	}
}

// FlexString unmarshals from either a JSON string or a JSON number,
// normalizing to the string form.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Int returns the numeric value of the string, or fallback when it does
// not parse as an integer.
func (f FlexString) Int(fallback int) int {
	n, err := strconv.Atoi(string(f))
	if err != nil {
		return fallback
	}
	return n
}
