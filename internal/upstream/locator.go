package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

// Locator builds the opaque upstream URLs for a leased account. Each provider
// account lives on its own shard of the portal domain, so the host is derived
// from the account's server name.
type Locator struct {
	portalDomain string
	port         int
}

// NewLocator validates the portal coordinates shared by every account.
func NewLocator(portalDomain string, port int) (Locator, error) {
	portalDomain = strings.TrimSpace(portalDomain)
	if portalDomain == "" {
		return Locator{}, fmt.Errorf("portal domain is required")
	}
	if port <= 0 || port > 65535 {
		return Locator{}, fmt.Errorf("invalid portal port %d", port)
	}
	return Locator{portalDomain: portalDomain, port: port}, nil
}

func (l Locator) host(acct Account) string {
	return fmt.Sprintf("%s.%s:%d", acct.Server, l.portalDomain, l.port)
}

// StreamURL returns the live-stream source for a channel. The relay core
// treats the result as an opaque string handed to the ingest runner.
func (l Locator) StreamURL(acct Account, channelID string) string {
	return fmt.Sprintf("http://%s/%s/%s/%s", l.host(acct), acct.Username, acct.Password, channelID)
}

// PlaylistURL returns the M3U export endpoint for the account.
func (l Locator) PlaylistURL(acct Account) string {
	query := url.Values{}
	query.Set("username", acct.Username)
	query.Set("password", acct.Password)
	query.Set("type", "m3u_plus")
	query.Set("output", "mpegts")
	return fmt.Sprintf("http://%s/get.php?%s", l.host(acct), query.Encode())
}

// EPGURL returns the XMLTV export endpoint for the account.
func (l Locator) EPGURL(acct Account) string {
	query := url.Values{}
	query.Set("username", acct.Username)
	query.Set("password", acct.Password)
	return fmt.Sprintf("http://%s/xmltv.php?%s", l.host(acct), query.Encode())
}
