package webhook

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tesence/discord-bot/twitchapi"
)

// IPLookupURL answers with the caller's public address as plain text.
const IPLookupURL = "https://api.ipify.org"

// ResolveExternalHost returns "http://{public ip}:{port}", asking lookupURL
// (IPLookupURL when empty) for the address.
func ResolveExternalHost(ctx context.Context, client *twitchapi.Client, lookupURL string, port int) (string, error) {
	if lookupURL == "" {
		lookupURL = IPLookupURL
	}
	body, err := client.Get(ctx, lookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("lookup public ip: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return "", fmt.Errorf("lookup public ip: unexpected answer %q", strings.TrimSpace(string(body)))
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}
