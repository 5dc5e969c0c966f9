// Package cookiejar stores cookies received by a client and selects the ones
// to attach to outgoing requests, following RFC 6265.
//
// A Jar is an explicit value owned by whoever creates it; nothing is shared
// process-wide. Cookies are partitioned by registrable domain (eTLD+1), each
// partition with its own lock, so requests to unrelated sites never contend.
//
// Example:
//
//	jar := cookiejar.New(cookiejar.Options{})
//	jar.Record(u, resp.Header)          // store Set-Cookie headers
//	req.Header.Set("Cookie", jar.Attach(next)) // attach on the next request
package cookiejar

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
)

var (
	// ErrNoStore is returned by Save and Load when the jar has no Store.
	ErrNoStore = errors.New("cookiejar: no store configured")

	errIllegalDomain   = errors.New("cookiejar: illegal cookie domain attribute")
	errMalformedDomain = errors.New("cookiejar: malformed cookie domain attribute")
)

// PublicSuffixList reports the public suffix of a domain, such as "co.uk"
// for "www.example.co.uk". golang.org/x/net/publicsuffix.List satisfies it.
type PublicSuffixList interface {
	PublicSuffix(domain string) string
	String() string
}

// Options configures a Jar.
type Options struct {
	// PublicSuffixList guards against cookies set for a public suffix.
	// Nil selects publicsuffix.List.
	PublicSuffixList PublicSuffixList

	// Store persists cookies on Save and restores them on Load. Optional.
	Store Store

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	Cookie
	seq uint64
}

func (e *entry) id() string {
	return e.Domain + ";" + e.Path + ";" + e.Name
}

type partition struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Jar is a concurrency-safe cookie store. It implements http.CookieJar.
type Jar struct {
	psl   PublicSuffixList
	store Store
	now   func() time.Time

	mu         sync.RWMutex
	partitions map[string]*partition

	seq atomic.Uint64
}

var _ http.CookieJar = (*Jar)(nil)

// New creates an empty jar.
func New(opts Options) *Jar {
	if opts.PublicSuffixList == nil {
		opts.PublicSuffixList = publicsuffix.List
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Jar{
		psl:        opts.PublicSuffixList,
		store:      opts.Store,
		now:        opts.Now,
		partitions: make(map[string]*partition),
	}
}

func (j *Jar) partition(key string, create bool) *partition {
	j.mu.RLock()
	p := j.partitions[key]
	j.mu.RUnlock()
	if p != nil || !create {
		return p
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if p = j.partitions[key]; p == nil {
		p = &partition{entries: make(map[string]*entry)}
		j.partitions[key] = p
	}
	return p
}

// Record stores the Set-Cookie headers of a response received from u.
func (j *Jar) Record(u *url.URL, header http.Header) {
	if len(header.Values("Set-Cookie")) == 0 {
		return
	}
	j.SetCookies(u, (&http.Response{Header: header}).Cookies())
}

// SetCookies implements http.CookieJar. Cookies that are invalid for u are
// ignored.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	host := canonicalHost(u)
	if host == "" {
		return
	}

	now := j.now()
	defPath := defaultPath(u.Path)
	p := j.partition(j.key(host), true)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		e, remove, err := j.newEntry(c, now, defPath, host)
		if err != nil {
			continue
		}
		id := e.id()
		if remove {
			delete(p.entries, id)
			continue
		}
		if old, ok := p.entries[id]; ok {
			e.Created = old.Created
			e.seq = old.seq
		} else {
			e.Created = now
			e.seq = j.seq.Add(1)
		}
		p.entries[id] = e
	}
}

// Attach returns the Cookie header value for a request to u, or "" when no
// cookie applies.
func (j *Jar) Attach(u *url.URL) string {
	selected := j.selectFor(u)
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range selected {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Name)
		b.WriteByte('=')
		b.WriteString(e.Value)
	}
	return b.String()
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	selected := j.selectFor(u)
	out := make([]*http.Cookie, 0, len(selected))
	for _, e := range selected {
		out = append(out, &http.Cookie{Name: e.Name, Value: e.Value})
	}
	return out
}

func (j *Jar) selectFor(u *url.URL) []entry {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	host := canonicalHost(u)
	p := j.partition(j.key(host), false)
	if p == nil {
		return nil
	}

	now := j.now()
	https := u.Scheme == "https"
	path := u.Path
	if path == "" {
		path = "/"
	}

	var selected []entry
	p.mu.Lock()
	for id, e := range p.entries {
		if e.expired(now) {
			delete(p.entries, id)
			continue
		}
		if e.Secure && !https {
			continue
		}
		if !e.domainMatch(host) || !e.pathMatch(path) {
			continue
		}
		selected = append(selected, *e)
	}
	p.mu.Unlock()

	sort.Slice(selected, func(a, b int) bool {
		sa, sb := selected[a], selected[b]
		if len(sa.Path) != len(sb.Path) {
			return len(sa.Path) > len(sb.Path)
		}
		if !sa.Created.Equal(sb.Created) {
			return sa.Created.Before(sb.Created)
		}
		return sa.seq < sb.seq
	})
	return selected
}

// All returns a copy of every unexpired cookie, ordered by domain, path and
// name.
func (j *Jar) All() []Cookie {
	now := j.now()

	j.mu.RLock()
	parts := make([]*partition, 0, len(j.partitions))
	for _, p := range j.partitions {
		parts = append(parts, p)
	}
	j.mu.RUnlock()

	var out []Cookie
	for _, p := range parts {
		p.mu.Lock()
		for _, e := range p.entries {
			if !e.expired(now) {
				out = append(out, e.Cookie)
			}
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// Len returns the number of stored cookies, including expired ones not yet
// removed.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, p := range j.partitions {
		p.mu.Lock()
		n += len(p.entries)
		p.mu.Unlock()
	}
	return n
}

// Clear removes every cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	j.partitions = make(map[string]*partition)
	j.mu.Unlock()
}

// Save writes the persistent, unexpired cookies to the store. Session
// cookies are never persisted.
func (j *Jar) Save(ctx context.Context) error {
	if j.store == nil {
		return ErrNoStore
	}
	all := j.All()
	persistent := all[:0]
	for _, c := range all {
		if c.Persistent {
			persistent = append(persistent, c)
		}
	}
	return j.store.Save(ctx, persistent)
}

// Load merges the cookies held by the store into the jar. Expired cookies
// are skipped.
func (j *Jar) Load(ctx context.Context) error {
	if j.store == nil {
		return ErrNoStore
	}
	cookies, err := j.store.Load(ctx)
	if err != nil {
		return err
	}

	now := j.now()
	for _, c := range cookies {
		if c.Domain == "" || c.Name == "" {
			continue
		}
		e := &entry{Cookie: c, seq: j.seq.Add(1)}
		if e.expired(now) {
			continue
		}
		if e.Path == "" {
			e.Path = "/"
		}
		if e.Created.IsZero() {
			e.Created = now
		}
		p := j.partition(j.key(e.Domain), true)
		p.mu.Lock()
		p.entries[e.id()] = e
		p.mu.Unlock()
	}
	return nil
}

// key returns the partition key of host: its registrable domain, or host
// itself for IP addresses and single-label names.
func (j *Jar) key(host string) string {
	if isIP(host) {
		return host
	}
	i := strings.LastIndexByte(host, '.')
	if i <= 0 {
		return host
	}
	suffix := j.psl.PublicSuffix(host)
	if suffix == host {
		return host
	}
	i = len(host) - len(suffix)
	if i <= 0 || host[i-1] != '.' {
		return host
	}
	prevDot := strings.LastIndexByte(host[:i-1], '.')
	return host[prevDot+1:]
}

// newEntry validates c as received from host and converts it. remove is true
// when the cookie deletes an existing one.
func (j *Jar) newEntry(c *http.Cookie, now time.Time, defPath, host string) (e *entry, remove bool, err error) {
	if c.Name == "" {
		return nil, false, errors.New("cookiejar: empty cookie name")
	}
	e = &entry{Cookie: Cookie{Name: c.Name}}

	if c.Path == "" || c.Path[0] != '/' {
		e.Path = defPath
	} else {
		e.Path = c.Path
	}

	e.Domain, e.HostOnly, err = j.domainAndType(host, c.Domain)
	if err != nil {
		return nil, false, err
	}

	// Max-Age takes precedence over Expires.
	switch {
	case c.MaxAge < 0:
		return e, true, nil
	case c.MaxAge > 0:
		e.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		e.Persistent = true
	case !c.Expires.IsZero():
		if !c.Expires.After(now) {
			return e, true, nil
		}
		e.Expires = c.Expires
		e.Persistent = true
	}

	e.Value = c.Value
	e.Secure = c.Secure
	e.HttpOnly = c.HttpOnly
	e.SameSite = c.SameSite
	return e, false, nil
}

func (j *Jar) domainAndType(host, domain string) (string, bool, error) {
	if domain == "" {
		return host, true, nil
	}
	if isIP(host) {
		if host != domain {
			return "", false, errIllegalDomain
		}
		return host, true, nil
	}

	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	if domain == "" || domain[0] == '.' || domain[len(domain)-1] == '.' {
		return "", false, errMalformedDomain
	}

	if ps := j.psl.PublicSuffix(domain); ps != "" && !hasDotSuffix(domain, ps) {
		// A site that is itself a public suffix may still set host-only
		// cookies for itself.
		if host == domain {
			return host, true, nil
		}
		return "", false, errIllegalDomain
	}

	if host != domain && !hasDotSuffix(host, domain) {
		return "", false, errIllegalDomain
	}
	return domain, false, nil
}

func (e *entry) expired(now time.Time) bool {
	return e.Persistent && !e.Expires.After(now)
}

func (e *entry) domainMatch(host string) bool {
	if e.Domain == host {
		return true
	}
	return !e.HostOnly && hasDotSuffix(host, e.Domain)
}

// pathMatch implements RFC 6265 section 5.1.4.
func (e *entry) pathMatch(requestPath string) bool {
	if requestPath == e.Path {
		return true
	}
	if strings.HasPrefix(requestPath, e.Path) {
		if e.Path[len(e.Path)-1] == '/' {
			return true
		}
		if requestPath[len(e.Path)] == '/' {
			return true
		}
	}
	return false
}

// defaultPath implements RFC 6265 section 5.1.4.
func defaultPath(path string) string {
	if path == "" || path[0] != '/' {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i == 0 {
		return "/"
	}
	return path[:i]
}

func canonicalHost(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

func hasDotSuffix(s, suffix string) bool {
	return len(s) > len(suffix) && s[len(s)-len(suffix)-1] == '.' && s[len(s)-len(suffix):] == suffix
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}
