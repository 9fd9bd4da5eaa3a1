package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"strings"
)

func parseMap(raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("expected a JSON object, got %q", raw)
	}
	return m, nil
}

func parseIP(raw string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return nil, fmt.Errorf("expected an IP address, got %q", raw)
	}
	return ip, nil
}

func parseCIDR(raw string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("expected a CIDR range, got %q", raw)
	}
	return ipnet, nil
}

// reservedRanges are CIDR ranges that resources must never point into.
var reservedRanges = func() []*net.IPNet {
	raw := []string{
		"0.0.0.0/8",
		"127.0.0.1/32",
		"224.0.0.0/4",
		"255.255.255.255/32",
		"::/128",
		"ff00::/8",
	}
	out := make([]*net.IPNet, 0, len(raw))
	for _, r := range raw {
		_, ipnet, err := net.ParseCIDR(r)
		if err != nil {
			panic(err)
		}
		out = append(out, ipnet)
	}
	return out
}()

// ValidateURI returns a validator accepting http(s) URIs. When
// requireTrailingSlash is true the path must end with "/".
func ValidateURI(requireTrailingSlash bool) func(any) error {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected a string URI")
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%q is not a valid URI", s)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("URI scheme must be http or https, got %q", u.Scheme)
		}
		if requireTrailingSlash && !strings.HasSuffix(u.Path, "/") {
			return fmt.Errorf("URI %q must end with a trailing slash", s)
		}
		return nil
	}
}

// ValidateFQDN accepts fully qualified domain names.
func ValidateFQDN(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected a string FQDN")
	}
	s = strings.TrimSuffix(s, ".")
	if len(s) == 0 || len(s) > 253 {
		return fmt.Errorf("%q is not a valid FQDN", s)
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%q is not a valid FQDN: expected at least two labels", s)
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("%q is not a valid FQDN: bad label %q", s, label)
		}
		for i, c := range label {
			alnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
			if !alnum && !(c == '-' && i > 0 && i < len(label)-1) {
				return fmt.Errorf("%q is not a valid FQDN: bad label %q", s, label)
			}
		}
	}
	return nil
}

// ValidateEmail accepts RFC 5322 addresses.
func ValidateEmail(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected a string email address")
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return fmt.Errorf("%q is not a valid email address", s)
	}
	return nil
}

// ValidateBase64 accepts standard base64 strings.
func ValidateBase64(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected a base64 string")
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return fmt.Errorf("value is not valid base64")
	}
	return nil
}

// ValidateUnique rejects arrays with duplicate elements.
func ValidateUnique(v any) error {
	arr, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected an array")
	}
	seen := make(map[string]struct{}, len(arr))
	for _, e := range arr {
		k := fmt.Sprint(e)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate element %q", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// ValidatePort accepts TCP/UDP port numbers.
func ValidatePort(v any) error {
	n, ok := v.(int)
	if !ok {
		return fmt.Errorf("expected an integer port")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", n)
	}
	return nil
}

// ValidateCIDRNotReserved rejects CIDR ranges overlapping reserved space.
func ValidateCIDRNotReserved(v any) error {
	ipnet, ok := v.(*net.IPNet)
	if !ok {
		return fmt.Errorf("expected a CIDR range")
	}
	for _, reserved := range reservedRanges {
		if reserved.Contains(ipnet.IP) || ipnet.Contains(reserved.IP) {
			return fmt.Errorf("CIDR %s overlaps reserved range %s", ipnet, reserved)
		}
	}
	return nil
}
