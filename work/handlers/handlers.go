package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"sxm-proxy/work/metrics"
	"sxm-proxy/work/middleware"
	"sxm-proxy/work/proxy"
)

// hlsAESKey is the static decryption key the player fetches from /key/1.
var hlsAESKey, _ = base64.StdEncoding.DecodeString("0Nsco7MAgxowGvkUT8aYag==")

// HandleStream dispatches by path suffix: ".m3u8" serves the rewritten
// channel playlist, ".aac" serves raw segment bytes, anything else is a
// server error. Core failures surface as a bare 500; detail stays in the
// operational log.
func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	playlist := middleware.GzipMiddleware(handlePlaylist(sp))
	segment := handleSegment(sp)

	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			playlist(w, r)
		case strings.HasSuffix(r.URL.Path, ".aac"):
			segment(w, r)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
	}
}

func handlePlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.Requests.WithLabelValues("playlist").Inc()

		name := strings.TrimSuffix(path.Base(r.URL.Path), ".m3u8")
		data, err := sp.GetPlaylist(name, true)
		if err != nil {
			sp.Logger.Error("Playlist request for %s failed: %v", name, err)
			metrics.RequestErrors.WithLabelValues("playlist").Inc()
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/x-mpegURL")
		n, _ := w.Write([]byte(data))
		metrics.BytesServed.WithLabelValues("playlist").Add(float64(n))
	}
}

func handleSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.Requests.WithLabelValues("segment").Inc()

		segPath := strings.TrimPrefix(r.URL.Path, "/")
		data, err := sp.GetSegment(segPath, proxy.DefaultSegmentAttempts)
		if err != nil {
			sp.Logger.Error("Segment request for %s failed: %v", segPath, err)
			metrics.RequestErrors.WithLabelValues("segment").Inc()
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "audio/x-aac")
		n, _ := w.Write(data)
		metrics.BytesServed.WithLabelValues("segment").Add(float64(n))
	}
}

// HandleKey serves the static HLS AES key blob.
func HandleKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.Requests.WithLabelValues("key").Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.Write(hlsAESKey)
	}
}

// HandleChannels serves the channel catalog as JSON for local tooling.
func HandleChannels(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.Requests.WithLabelValues("channels").Inc()

		channels, err := sp.Directory.Channels()
		if err != nil {
			sp.Logger.Error("Channel listing request failed: %v", err)
			metrics.RequestErrors.WithLabelValues("channels").Inc()
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(channels)
	}
}
