package pool

import (
	"net/url"
	"strings"
)

const redacted = "*****"

// maskDSN hides credentials in a DSN for logging. URL DSNs get their
// password and sensitive query values replaced; any remaining occurrence of
// the known secret is replaced as well, which covers driver-native formats
// such as user:pass@tcp(host)/db.
func maskDSN(dsn, secret string) string {
	if dsn == "" {
		return dsn
	}

	masked := dsn
	if u, err := url.Parse(dsn); err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(ui.Username(), redacted)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, redacted)
			}
		}
		if len(q) > 0 {
			u.RawQuery = q.Encode()
		}
		masked = u.String()
	}

	if secret != "" {
		masked = strings.ReplaceAll(masked, secret, redacted)
		masked = strings.ReplaceAll(masked, url.QueryEscape(secret), redacted)
	}
	return masked
}

// looksLikeURL returns true when the parsed value has enough URL structure to
// treat it as a DSN we can meaningfully redact.
func looksLikeURL(u *url.URL) bool {
	return u.Host != "" || u.User != nil || (u.Scheme != "" && u.Opaque == "")
}

// isSensitiveKey reports whether a query key should have its value masked.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
