package service

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ValidateWebhookURL rejects callback URLs that point into private or
// otherwise internal network ranges. It runs at admission and again
// immediately before every delivery attempt, because DNS can change
// between the two.
func ValidateWebhookURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook url resolves to an internal address")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("webhook host lookup failed: %w", err)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			return fmt.Errorf("webhook host resolved to unparseable address")
		}
		if err := checkAddr(addr.Unmap()); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() {
		return fmt.Errorf("webhook url resolves to an internal address")
	}
	return nil
}
