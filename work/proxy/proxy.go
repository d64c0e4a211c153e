package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"

	"sxm-proxy/work/client"
	"sxm-proxy/work/config"
	"sxm-proxy/work/directory"
	"sxm-proxy/work/logger"
	"sxm-proxy/work/metrics"
	"sxm-proxy/work/resolver"
	"sxm-proxy/work/session"
	"sxm-proxy/work/utils"
)

// DefaultSegmentAttempts bounds the re-authentication retries on a 403
// during segment fetches.
const DefaultSegmentAttempts = 5

// StreamProxy is the local adaptation layer: it resolves channel names to
// live variant playlists, rewrites segment references to proxy-relative
// paths, and fetches raw audio segments, recovering from authorization
// failures through the session manager.
type StreamProxy struct {
	Config     *config.Config
	Logger     *logger.Logger
	Session    *session.Manager
	Directory  *directory.Directory
	Resolver   *resolver.Resolver
	HttpClient *client.HeaderSettingClient
	WorkerPool *ants.Pool

	keepaliveStop chan bool
}

// New wires a StreamProxy from its collaborators.
func New(cfg *config.Config, log *logger.Logger, sm *session.Manager, dir *directory.Directory, res *resolver.Resolver, httpClient *client.HeaderSettingClient, pool *ants.Pool) *StreamProxy {
	return &StreamProxy{
		Config:        cfg,
		Logger:        log,
		Session:       sm,
		Directory:     dir,
		Resolver:      res,
		HttpClient:    httpClient,
		WorkerPool:    pool,
		keepaliveStop: make(chan bool, 1),
	}
}

// GetPlaylist resolves the channel, fetches its variant playlist and
// rewrites segment references to proxy-relative paths. A 403 forces
// re-authentication and retries the whole operation exactly once with the
// variant cache bypassed, since the 403 may mean the cached URL is stale.
func (sp *StreamProxy) GetPlaylist(name string, useCache bool) (string, error) {
	retried := false
	for {
		channel, ok := sp.Directory.Resolve(name)
		if !ok {
			sp.Logger.Warn("No channel for %s", name)
			return "", fmt.Errorf("no channel for %q", name)
		}

		variantURL, err := sp.Resolver.ResolveVariant(channel.GUID, channel.ID, useCache, resolver.DefaultMaxAttempts)
		if err != nil {
			return "", err
		}

		status, body, err := sp.fetch(variantURL)
		if err != nil {
			return "", err
		}

		if status == http.StatusForbidden {
			if retried {
				sp.Logger.Error("Playlist for %s still forbidden after re-authentication", name)
				return "", fmt.Errorf("playlist fetch forbidden for %q", name)
			}
			retried = true
			sp.Logger.Warn("Received status code 403 on playlist, forcing re-authentication")
			metrics.SessionRetries.WithLabelValues("playlist").Inc()
			sp.Resolver.Invalidate(channel.ID)
			sp.Session.ForceExpire()
			useCache = false
			continue
		}
		if status != http.StatusOK {
			sp.Logger.Error("Received status code %d on playlist variant", status)
			return "", fmt.Errorf("variant playlist returned status %d", status)
		}

		return rewriteSegmentPaths(string(body), variantURL), nil
	}
}

// GetSegment fetches one raw audio segment. On a 403 the session is
// force-expired, the playlist for the channel embedded in the path is
// re-resolved to pick up a rotated token (its result discarded), and the
// fetch retried up to maxAttempts times.
func (sp *StreamProxy) GetSegment(segPath string, maxAttempts int) ([]byte, error) {
	attempts := maxAttempts
	for {
		segURL := sp.Config.LiveBaseURL + "/" + segPath
		status, body, err := sp.fetch(segURL)
		if err != nil {
			return nil, err
		}

		if status == http.StatusForbidden {
			if attempts <= 0 {
				sp.Logger.Error("Received status code 403 on segment, max attempts exceeded")
				return nil, fmt.Errorf("segment fetch: max attempts exceeded")
			}
			attempts--
			sp.Logger.Warn("Received status code 403 on segment, forcing re-authentication")
			metrics.SessionRetries.WithLabelValues("segment").Inc()
			sp.Session.ForceExpire()
			if channelID := channelFromSegmentPath(segPath); channelID != "" {
				// refresh only; the segment retry itself decides success
				if _, err := sp.GetPlaylist(channelID, false); err != nil {
					sp.Logger.Debug("Playlist refresh during segment retry failed: %v", err)
				}
			}
			continue
		}
		if status != http.StatusOK {
			sp.Logger.Error("Received status code %d on segment", status)
			return nil, fmt.Errorf("segment returned status %d", status)
		}

		return body, nil
	}
}

// fetch performs one authenticated media fetch, returning the status and
// body. Transport failures are errors; HTTP statuses are the caller's to
// interpret.
func (sp *StreamProxy) fetch(rawURL string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL+"?"+sp.Session.AuthParams().Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request for %s: %w", utils.LogURL(sp.Config, rawURL), err)
	}

	resp, err := sp.HttpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch failed for %s: %w", utils.LogURL(sp.Config, rawURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read body for %s: %w", utils.LogURL(sp.Config, rawURL), err)
	}
	return resp.StatusCode, body, nil
}

// rewriteSegmentPaths prefixes every segment line with the URL path of the
// variant's directory, scheme and host stripped, so the emitted playlist
// references proxy-local paths. Non-segment lines pass through untouched.
func rewriteSegmentPaths(playlist, variantURL string) string {
	base := variantURL
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[:idx]
	}

	basePath := base
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		basePath = strings.TrimPrefix(u.Path, "/")
	}

	lines := strings.Split(playlist, "\n")
	for i, line := range lines {
		if strings.HasSuffix(strings.TrimRight(line, " \t\r"), ".aac") {
			lines[i] = basePath + "/" + line
		}
	}
	return strings.Join(lines, "\n")
}

// channelFromSegmentPath extracts the channel id embedded in a segment
// path shaped "AAC_Data/{channelId}/...".
func channelFromSegmentPath(segPath string) string {
	parts := strings.SplitN(segPath, "/", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Warm schedules the startup warm-up on the worker pool: authenticate and
// prefetch the channel catalog so the first client request does not pay
// for either round trip.
func (sp *StreamProxy) Warm() {
	submit := func(name string, job func()) {
		if err := sp.WorkerPool.Submit(job); err != nil {
			sp.Logger.Warn("Failed to schedule %s warm-up: %v", name, err)
		}
	}
	submit("session", func() {
		if err := sp.Session.EnsureAuthenticated(); err != nil {
			sp.Logger.Warn("Startup authentication failed: %v", err)
		}
	})
	submit("catalog", func() {
		if _, err := sp.Directory.Channels(); err != nil {
			sp.Logger.Warn("Startup catalog fetch failed: %v", err)
		}
	})
}

// StartKeepalive periodically refreshes the session inside the auth window
// so interactive requests rarely pay the re-auth round trip. Runs until
// StopKeepalive.
func (sp *StreamProxy) StartKeepalive() {
	ticker := time.NewTicker(sp.Config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.keepaliveStop:
			sp.Logger.Debug("Session keepalive stopped")
			return
		case <-ticker.C:
			err := sp.WorkerPool.Submit(func() {
				if err := sp.Session.EnsureAuthenticated(); err != nil {
					sp.Logger.Warn("Keepalive authentication failed: %v", err)
				}
			})
			if err != nil {
				sp.Logger.Warn("Failed to schedule keepalive: %v", err)
			}
		}
	}
}

// StopKeepalive signals the keepalive loop to stop.
func (sp *StreamProxy) StopKeepalive() {
	select {
	case sp.keepaliveStop <- true:
	default:
	}
}
