package runstate

import (
	"net/url"
	"strings"
)

// ItemRef identifies one navigable item. Equality is by ID, the canonical
// form of the item's URL; Label is display only and may repeat.
type ItemRef struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

// NewItemRef canonicalizes raw and returns the ref. ok is false when raw is
// not a usable absolute URL.
func NewItemRef(raw, label string) (ItemRef, bool) {
	id, ok := Canonicalize(raw)
	if !ok {
		return ItemRef{}, false
	}
	return ItemRef{ID: id, URL: id, Label: strings.TrimSpace(label)}, true
}

// Canonicalize strips the volatile parts of an item URL: the fragment,
// scheme and host case, default ports and a trailing slash on the path.
// The query is kept since some hosts route on it.
func Canonicalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	u.Host = host
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), true
}

// SameLocation reports whether two URLs canonicalize to the same location.
func SameLocation(a, b string) bool {
	ca, ok1 := Canonicalize(a)
	cb, ok2 := Canonicalize(b)
	return ok1 && ok2 && ca == cb
}
