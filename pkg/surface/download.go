package surface

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// maxUniqueAttempts bounds the collision-suffix retry loop.
const maxUniqueAttempts = 100

var (
	rfc5987Re  = regexp.MustCompile(`(?i)filename\*\s*=\s*utf-8''([^;]+)`)
	quotedRe   = regexp.MustCompile(`(?i)filename\s*=\s*"([^"]+)"`)
	bareRe     = regexp.MustCompile(`(?i)filename\s*=\s*([^;"\s]+)`)
	hostileRe  = regexp.MustCompile(`[\x00-\x1f/\\:*?"<>|]`)
	documentRe = regexp.MustCompile(`(?i)\.(pdf|csv|xlsx?|docx?|pptx?|zip|json)$`)
)

// extByContentType maps common content types to a file extension when the
// response carries no usable filename.
var extByContentType = map[string]string{
	"application/pdf":    ".pdf",
	"text/csv":           ".csv",
	"application/zip":    ".zip",
	"application/json":   ".json",
	"text/html":          ".html",
	"text/plain":         ".txt",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
}

// IsAttachment reports whether a content-disposition header marks the
// response as a download.
func IsAttachment(contentDisposition string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentDisposition)), "attachment")
}

// LooksLikeDocument reports whether the URL path ends in a document-ish
// extension, which also triggers download persistence.
func LooksLikeDocument(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	return documentRe.MatchString(u.Path)
}

// ResolveFilename derives a saved filename from the response headers,
// preferring RFC 5987 filename*, then quoted filename, then bare filename,
// then a content-type-derived extension appended to the step id.
func ResolveFilename(contentDisposition, contentType, stepID string) string {
	if m := rfc5987Re.FindStringSubmatch(contentDisposition); m != nil {
		if decoded, err := url.QueryUnescape(strings.ReplaceAll(m[1], "+", "%2B")); err == nil {
			return SanitizeFilename(decoded)
		}
	}
	if m := quotedRe.FindStringSubmatch(contentDisposition); m != nil {
		return SanitizeFilename(m[1])
	}
	if m := bareRe.FindStringSubmatch(contentDisposition); m != nil {
		return SanitizeFilename(m[1])
	}

	base := stepID
	if base == "" {
		base = "download"
	}
	ct := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if ext, ok := extByContentType[strings.ToLower(ct)]; ok {
		return SanitizeFilename(base + ext)
	}
	return SanitizeFilename(base + ".bin")
}

// SanitizeFilename replaces path-hostile characters and strips any
// directory components.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = hostileRe.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}

// CreateUnique opens a new file under dir with the given name, appending
// -1, -2, ... before the extension on collision. Creation is O_EXCL so
// concurrent runs never clobber each other's downloads.
func CreateUnique(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create download dir: %w", err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxUniqueAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		full := filepath.Join(dir, candidate)
		f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, full, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("create %s: %w", full, err)
		}
	}
	return nil, "", fmt.Errorf("no free filename for %q after %d attempts", name, maxUniqueAttempts)
}
