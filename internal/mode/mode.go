// Package mode issues and verifies the immutable per-session mode context
// and decides which operations each mode may perform.
package mode

import (
	"strings"
	"time"
)

// Mode is the operating posture of a session.
type Mode string

const (
	Paper       Mode = "PAPER"
	Live        Mode = "LIVE"
	Maintenance Mode = "MAINTENANCE"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case Paper, Live, Maintenance:
		return true
	}
	return false
}

// Parse normalizes s into a Mode. Unknown input yields ok == false.
func Parse(s string) (Mode, bool) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	return m, m.Valid()
}

// Context is an issued mode context. It has no setters; a mode switch
// produces a new Context and retires the previous one.
type Context struct {
	mode      Mode
	actorID   string
	sessionID string
	issuedAt  time.Time
	expiresAt time.Time
	tokenID   string
	token     string
}

func (c *Context) Mode() Mode           { return c.mode }
func (c *Context) ActorID() string      { return c.actorID }
func (c *Context) SessionID() string    { return c.sessionID }
func (c *Context) IssuedAt() time.Time  { return c.issuedAt }
func (c *Context) ExpiresAt() time.Time { return c.expiresAt }

// Token is the integrity token proving the context came from the issuer.
func (c *Context) Token() string { return c.token }

// Presented wraps a token received over a transport. It carries no trusted
// fields until the issuer verifies it.
func Presented(token string) *Context {
	return &Context{token: token}
}
