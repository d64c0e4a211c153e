package resolver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/puzpuzpuz/xsync/v3"

	"sxm-proxy/work/client"
	"sxm-proxy/work/config"
	"sxm-proxy/work/logger"
	"sxm-proxy/work/metrics"
	"sxm-proxy/work/session"
	"sxm-proxy/work/utils"
)

// API message codes on the now-playing-live call. 100 is success; 201 and
// 208 signal an expired session and are the only recoverable codes.
const (
	codeSuccess        = 100
	codeSessionExpired = 201
	codeSessionStale   = 208
)

// DefaultMaxAttempts bounds the re-authentication retries on session
// expiry during playlist resolution.
const DefaultMaxAttempts = 5

// livePrimaryPlaceholder is the token the API embeds in variant URLs in
// place of the live origin.
const livePrimaryPlaceholder = "%Live_Primary_HLS%"

// Resolver turns a channel's identifiers into a concrete variant playlist
// URL. Resolved URLs are cached per channel id with no time-based expiry;
// entries leave the cache only through explicit invalidation.
type Resolver struct {
	cfg    *config.Config
	log    *logger.Logger
	sm     *session.Manager
	client *client.HeaderSettingClient
	cache  *xsync.MapOf[string, string]
}

// New creates a Resolver with an empty variant cache.
func New(cfg *config.Config, log *logger.Logger, sm *session.Manager, httpClient *client.HeaderSettingClient) *Resolver {
	return &Resolver{
		cfg:    cfg,
		log:    log,
		sm:     sm,
		client: httpClient,
		cache:  xsync.NewMapOf[string, string](),
	}
}

// Invalidate drops the cached variant URL for a channel.
func (r *Resolver) Invalidate(channelID string) {
	r.cache.Delete(channelID)
}

// ResolveVariant resolves the variant playlist URL for a channel. With
// useCache a cached entry is returned as-is, no re-validation. On session
// expiry codes the session is force-expired and re-authenticated at most
// maxAttempts times before failing terminally; any other non-success code
// fails immediately.
func (r *Resolver) ResolveVariant(guid, channelID string, useCache bool, maxAttempts int) (string, error) {
	if useCache {
		if cached, ok := r.cache.Load(channelID); ok {
			return cached, nil
		}
	}

	attempts := maxAttempts
	for {
		env, err := r.sm.Get("tune/now-playing-live", r.tuneParams(guid, channelID))
		if err != nil {
			return "", err
		}

		mlr := env.ModuleListResponse
		if len(mlr.Messages) == 0 {
			r.log.Error("Error parsing json response for playlist")
			return "", fmt.Errorf("now-playing-live response carried no messages")
		}
		code := mlr.Messages[0].Code

		if code == codeSessionExpired || code == codeSessionStale {
			if attempts <= 0 {
				r.log.Error("Reached max attempts for playlist")
				return "", fmt.Errorf("playlist resolution: max attempts exceeded")
			}
			attempts--
			r.log.Warn("Session expired (code %d), forcing re-authentication", code)
			metrics.SessionRetries.WithLabelValues("resolve").Inc()
			r.sm.ForceExpire()
			if err := r.sm.EnsureAuthenticated(); err != nil {
				r.log.Error("Failed to re-authenticate after session expiry")
				return "", err
			}
			continue
		}
		if code != codeSuccess {
			r.log.Error("Received error %d %s", code, mlr.Messages[0].Message)
			return "", fmt.Errorf("now-playing-live returned code %d: %s", code, mlr.Messages[0].Message)
		}

		modules := mlr.ModuleList.Modules
		if len(modules) == 0 {
			r.log.Error("Error parsing json response for playlist")
			return "", fmt.Errorf("now-playing-live response carried no modules")
		}

		for _, info := range modules[0].ModuleResponse.LiveChannelData.HLSAudioInfos {
			if info.Size != "LARGE" {
				continue
			}
			masterURL := strings.Replace(info.URL, livePrimaryPlaceholder, r.cfg.LiveBaseURL, 1)
			variantURL, err := r.fetchVariantURL(masterURL)
			if err != nil {
				return "", err
			}
			r.cache.Store(channelID, variantURL)
			return variantURL, nil
		}

		return "", fmt.Errorf("no LARGE variant for channel %s", channelID)
	}
}

// tuneParams builds the now-playing-live query, including both timestamp
// encodings the endpoint expects.
func (r *Resolver) tuneParams(guid, channelID string) url.Values {
	now := time.Now().UTC()
	params := url.Values{}
	params.Set("assetGUID", guid)
	params.Set("ccRequestType", "AUDIO_VIDEO")
	params.Set("channelId", channelID)
	params.Set("hls_output_mode", "custom")
	params.Set("marker_mode", "all_separate_cue_points")
	params.Set("result-template", "web")
	params.Set("time", strconv.FormatInt(now.UnixMilli(), 10))
	params.Set("timestamp", now.Format(time.RFC3339))
	return params
}

// fetchVariantURL downloads the master playlist and picks its first
// variant. A non-200 here is fatal for the resolution; only explicit API
// codes count as expiry signals.
func (r *Resolver) fetchVariantURL(masterURL string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, masterURL+"?"+r.sm.AuthParams().Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build master playlist request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("master playlist fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Error("Received status code %d on playlist variant retrieval", resp.StatusCode)
		return "", fmt.Errorf("master playlist returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read master playlist: %w", err)
	}

	variant := selectVariant(body)
	if variant == "" {
		return "", fmt.Errorf("master playlist at %s carried no variants", utils.LogURL(r.cfg, masterURL))
	}
	if strings.HasPrefix(variant, "http://") || strings.HasPrefix(variant, "https://") {
		return variant, nil
	}

	base := masterURL
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[:idx]
	}
	return base + "/" + variant, nil
}

// selectVariant extracts the first variant reference from master playlist
// text: grafov's decoder first, falling back to a plain line scan when the
// playlist is not strictly well-formed. Both paths honor declaration
// order, so the first listed variant wins.
func selectVariant(body []byte) string {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err == nil && listType == m3u8.MASTER {
		if master, ok := playlist.(*m3u8.MasterPlaylist); ok {
			for _, v := range master.Variants {
				if v != nil && v.URI != "" {
					return v.URI
				}
			}
		}
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if strings.HasSuffix(line, ".m3u8") {
			return line
		}
	}
	return ""
}
