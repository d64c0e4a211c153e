package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sxm-proxy/work/client"
	"sxm-proxy/work/config"
	"sxm-proxy/work/directory"
	"sxm-proxy/work/logger"
	"sxm-proxy/work/resolver"
	"sxm-proxy/work/session"
	"sxm-proxy/work/store"
)

const (
	masterPath  = "/AAC_Data/ch1/HLS_ch1_64k/master.m3u8"
	variantPath = "/AAC_Data/ch1/HLS_ch1_64k/256k/variant.m3u8"
	segmentPath = "/AAC_Data/ch1/HLS_ch1_64k/256k/seg1.aac"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=262200,CODECS="mp4a.40.2"
256k/variant.m3u8
`

const variantPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\nseg1.aac\n#EXTINF:10,\nseg2.aac\n#EXT-X-ENDLIST\n"

var segmentBytes = []byte{0x41, 0x55, 0x44, 0x49, 0x4f, 0x00, 0x01}

// fakeOrigin plays both the REST API and the live HLS origin. Status
// scripts are consumed one entry per request, then default to 200.
type fakeOrigin struct {
	mu            sync.Mutex
	resumeCount   int
	tuneCount     int
	variantCount  int
	segmentCount  int
	variantScript []int
	segmentScript []int
}

func (f *fakeOrigin) pop(script *[]int) int {
	if len(*script) == 0 {
		return http.StatusOK
	}
	status := (*script)[0]
	*script = (*script)[1:]
	return status
}

func (f *fakeOrigin) handler() http.HandlerFunc {
	ok := func(w http.ResponseWriter, extra map[string]any) {
		body := map[string]any{"status": 1, "messages": []map[string]any{{"code": 100, "message": "OK"}}}
		for k, v := range extra {
			body[k] = v
		}
		json.NewEncoder(w).Encode(map[string]any{"ModuleListResponse": body})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/modify/authentication":
			w.Header().Add("Set-Cookie", "SXMDATA=%7B%22gupId%22%3A%22gup1%22%7D; Path=/")
			ok(w, nil)
		case "/resume":
			f.mu.Lock()
			f.resumeCount++
			f.mu.Unlock()
			w.Header().Add("Set-Cookie", "AWSALB=a; Path=/")
			w.Header().Add("Set-Cookie", "JSESSIONID=b; Path=/")
			w.Header().Add("Set-Cookie", "SXMAKTOKEN=token=tok1,CL; Path=/")
			ok(w, nil)
		case "/get":
			ok(w, map[string]any{
				"moduleList": map[string]any{
					"modules": []map[string]any{{
						"moduleResponse": map[string]any{
							"contentData": map[string]any{
								"channelListing": map[string]any{
									"channels": []map[string]any{{
										"channelGuid":         "guid-ch1",
										"channelId":           "ch1",
										"name":                "Howard 100",
										"siriusChannelNumber": "100",
									}},
								},
							},
						},
					}},
				},
			})
		case "/tune/now-playing-live":
			f.mu.Lock()
			f.tuneCount++
			f.mu.Unlock()
			ok(w, map[string]any{
				"moduleList": map[string]any{
					"modules": []map[string]any{{
						"moduleResponse": map[string]any{
							"liveChannelData": map[string]any{
								"hlsAudioInfos": []map[string]any{
									{"size": "LARGE", "url": "%Live_Primary_HLS%" + masterPath},
								},
							},
						},
					}},
				},
			})
		case masterPath:
			w.Write([]byte(masterPlaylist))
		case variantPath:
			f.mu.Lock()
			f.variantCount++
			status := f.pop(&f.variantScript)
			f.mu.Unlock()
			if status != http.StatusOK {
				http.Error(w, "forbidden", status)
				return
			}
			w.Write([]byte(variantPlaylist))
		case segmentPath:
			f.mu.Lock()
			f.segmentCount++
			status := f.pop(&f.segmentScript)
			f.mu.Unlock()
			if status != http.StatusOK {
				http.Error(w, "forbidden", status)
				return
			}
			w.Write(segmentBytes)
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestProxy(t *testing.T, f *fakeOrigin) *StreamProxy {
	t.Helper()

	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	cfg := &config.Config{
		Username:          "u",
		Password:          "p",
		Region:            "US",
		APIBaseURL:        server.URL,
		LiveBaseURL:       server.URL,
		UserAgent:         "test-agent",
		AuthFilePath:      filepath.Join(t.TempDir(), "auth.json"),
		AuthRefreshWindow: 10 * time.Minute,
		RequestTimeout:    5 * time.Second,
		APIRateLimit:      100,
	}
	log := logger.New("ERROR")
	httpClient := client.NewHeaderSettingClient(cfg)
	sm := session.NewManager(cfg, log, httpClient, store.New(cfg.AuthFilePath, log))
	dir := directory.New(log, sm)
	res := resolver.New(cfg, log, sm, httpClient)
	return New(cfg, log, sm, dir, res, httpClient, nil)
}

func TestGetPlaylist_rewritesSegmentReferences(t *testing.T) {
	f := &fakeOrigin{}
	sp := newTestProxy(t, f)

	got, err := sp.GetPlaylist("Howard 100", true)
	if err != nil {
		t.Fatalf("GetPlaylist: %v", err)
	}

	if !strings.Contains(got, "\nAAC_Data/ch1/HLS_ch1_64k/256k/seg1.aac\n") {
		t.Errorf("playlist missing rewritten segment path:\n%s", got)
	}
	if !strings.Contains(got, "#EXT-X-TARGETDURATION:10") {
		t.Errorf("directive lines must pass through untouched:\n%s", got)
	}
	if strings.Contains(got, "\nseg1.aac\n") {
		t.Errorf("bare segment reference survived rewrite:\n%s", got)
	}
}

func TestGetPlaylist_forbiddenRetriesOnce(t *testing.T) {
	f := &fakeOrigin{variantScript: []int{http.StatusForbidden}}
	sp := newTestProxy(t, f)

	got, err := sp.GetPlaylist("Howard 100", true)
	if err != nil {
		t.Fatalf("GetPlaylist after retry: %v", err)
	}
	if !strings.Contains(got, "AAC_Data/ch1/HLS_ch1_64k/256k/seg1.aac") {
		t.Errorf("retried playlist not rewritten:\n%s", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.variantCount != 2 {
		t.Errorf("variant fetches = %d, want 2", f.variantCount)
	}
	// the retry bypasses the cache, so the channel is re-tuned
	if f.tuneCount != 2 {
		t.Errorf("tune calls = %d, want 2", f.tuneCount)
	}
}

func TestGetPlaylist_persistentForbiddenFails(t *testing.T) {
	f := &fakeOrigin{variantScript: []int{http.StatusForbidden, http.StatusForbidden}}
	sp := newTestProxy(t, f)

	if _, err := sp.GetPlaylist("Howard 100", true); err == nil {
		t.Fatal("expected failure after single retry")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.variantCount != 2 {
		t.Errorf("variant fetches = %d, want 2 (one retry only)", f.variantCount)
	}
}

func TestGetPlaylist_unknownChannel(t *testing.T) {
	f := &fakeOrigin{}
	sp := newTestProxy(t, f)

	if _, err := sp.GetPlaylist("no such channel", true); err == nil {
		t.Fatal("expected failure for unknown channel")
	}
}

func TestGetSegment_passesBytesThrough(t *testing.T) {
	f := &fakeOrigin{}
	sp := newTestProxy(t, f)

	got, err := sp.GetSegment(strings.TrimPrefix(segmentPath, "/"), DefaultSegmentAttempts)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if !bytes.Equal(got, segmentBytes) {
		t.Errorf("segment bytes altered: got %v want %v", got, segmentBytes)
	}
}

func TestGetSegment_forbiddenRefreshesAndRetries(t *testing.T) {
	f := &fakeOrigin{segmentScript: []int{http.StatusForbidden}}
	sp := newTestProxy(t, f)

	got, err := sp.GetSegment(strings.TrimPrefix(segmentPath, "/"), DefaultSegmentAttempts)
	if err != nil {
		t.Fatalf("GetSegment after retry: %v", err)
	}
	if !bytes.Equal(got, segmentBytes) {
		t.Errorf("segment bytes altered after retry")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.segmentCount != 2 {
		t.Errorf("segment fetches = %d, want 2", f.segmentCount)
	}
	// the retry refreshes the playlist for the channel in the path
	if f.tuneCount < 1 {
		t.Errorf("tune calls = %d, want at least 1 from playlist refresh", f.tuneCount)
	}
}

func TestGetSegment_zeroAttemptsFailsImmediately(t *testing.T) {
	f := &fakeOrigin{segmentScript: []int{http.StatusForbidden}}
	sp := newTestProxy(t, f)

	if _, err := sp.GetSegment(strings.TrimPrefix(segmentPath, "/"), 0); err == nil {
		t.Fatal("expected immediate failure with zero attempts")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.segmentCount != 1 {
		t.Errorf("segment fetches = %d, want 1", f.segmentCount)
	}
}

func TestGetSegment_notFoundIsFatal(t *testing.T) {
	f := &fakeOrigin{}
	sp := newTestProxy(t, f)

	if _, err := sp.GetSegment("AAC_Data/ch1/HLS_ch1_64k/256k/missing.aac", DefaultSegmentAttempts); err == nil {
		t.Fatal("expected failure on 404")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// a 404 is not an auth failure and must not trigger retries
	if f.resumeCount > 1 {
		t.Errorf("resume calls = %d, want at most the initial auth", f.resumeCount)
	}
}

func TestRewriteSegmentPaths(t *testing.T) {
	playlist := "#EXTM3U\n#EXTINF:10,\nseg1.aac\ntrailing.aac \nnot-a-segment.ts\n"
	got := rewriteSegmentPaths(playlist, "https://origin.example/AAC_Data/ch1/HLS_ch1_64k/256k/variant.m3u8")

	want := "#EXTM3U\n#EXTINF:10,\nAAC_Data/ch1/HLS_ch1_64k/256k/seg1.aac\nAAC_Data/ch1/HLS_ch1_64k/256k/trailing.aac \nnot-a-segment.ts\n"
	if got != want {
		t.Errorf("rewriteSegmentPaths:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestChannelFromSegmentPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"AAC_Data/ch1/HLS_ch1_64k/256k/seg1.aac", "ch1"},
		{"AAC_Data/ch1", "ch1"},
		{"AAC_Data", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := channelFromSegmentPath(tc.path); got != tc.want {
			t.Errorf("channelFromSegmentPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
