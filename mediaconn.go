package whatsmeow

import "time"

// MediaConn is the server's response to a "media_conn" iq: a short-lived auth token and a list of
// upload/download hosts. Actual media upload/download over that token is out of scope (see
// DESIGN.md); this only exists so the client can satisfy §4.E callers that expect to check for a
// cached, still-valid token before asking the server for a new one.
type MediaConn struct {
	Auth       string
	AuthTTL    time.Duration
	FetchedAt  time.Time
	MaxBuckets int
	Hosts      []MediaConnHost
}

type MediaConnHost struct {
	Hostname string
}

func (mc *MediaConn) Expired() bool {
	return mc == nil || time.Since(mc.FetchedAt) > mc.AuthTTL
}
