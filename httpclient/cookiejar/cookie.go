package cookiejar

import (
	"context"
	"net/http"
	"time"
)

// Cookie is a stored cookie. Values returned by the jar are copies.
type Cookie struct {
	Name       string        `json:"name" db:"name"`
	Value      string        `json:"value" db:"value"`
	Domain     string        `json:"domain" db:"domain"`
	Path       string        `json:"path" db:"path"`
	Expires    time.Time     `json:"expires" db:"expires"`
	Persistent bool          `json:"persistent" db:"persistent"`
	HostOnly   bool          `json:"host_only" db:"host_only"`
	Secure     bool          `json:"secure" db:"secure"`
	HttpOnly   bool          `json:"http_only" db:"http_only"`
	SameSite   http.SameSite `json:"same_site" db:"same_site"`
	Created    time.Time     `json:"created" db:"created"`
}

// HTTPCookie converts c to its net/http representation.
func (c Cookie) HTTPCookie() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
		SameSite: c.SameSite,
	}
	if !c.HostOnly {
		hc.Domain = c.Domain
	}
	if c.Persistent {
		hc.Expires = c.Expires
	}
	return hc
}

// Store persists cookies between processes.
type Store interface {
	Load(ctx context.Context) ([]Cookie, error)
	Save(ctx context.Context, cookies []Cookie) error
}
