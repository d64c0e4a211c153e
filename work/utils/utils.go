package utils

import (
	"net/url"

	"sxm-proxy/work/config"
)

// LogURL returns the URL as-is, or an obfuscated form when the config asks
// for it. Tune and segment URLs embed session-scoped tokens that should
// not land in logs.
func LogURL(cfg *config.Config, u string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(u)
	}
	return u
}

// ObfuscateURL keeps the scheme and host of a URL and masks everything
// else.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
