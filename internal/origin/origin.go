// Package origin implements security-origin identity used to key lock state.
//
// An Origin is either a tuple (scheme, host, port) or an opaque origin that
// carries nothing but a random 128-bit token. Opaque origins are equal only
// to copies of themselves. Their serialization is the constant "null", so
// never compare serialized forms to decide whether two origins match.
package origin

import (
	"bytes"
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/idna"
)

// ErrInvalidOrigin is returned when there is no input to derive an origin from.
var ErrInvalidOrigin = errors.New("invalid origin")

type kind uint8

const (
	kindInvalid kind = iota
	kindTuple
	kindOpaque
)

// Origin is a value type. It is comparable and may be used as a map key
// directly. The zero value is invalid.
type Origin struct {
	kind   kind
	scheme string
	host   string
	port   uint16
	token  uuid.UUID
}

var hostProfile = idna.New(idna.MapForLookup(), idna.BidiRule(), idna.StrictDomainName(false))

var defaultPorts = map[string]uint16{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
	"ftp":   21,
}

// Create derives the origin of a URL-like input.
//
// blob: and filesystem: URLs resolve to the origin of the URL they wrap.
// Inputs that cannot produce a tuple yield a fresh opaque origin; only an
// empty input is an error.
func Create(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Origin{}, ErrInvalidOrigin
	}
	return fromURL(raw, true), nil
}

// MustCreate is Create for inputs known to be non-empty.
func MustCreate(raw string) Origin {
	o, err := Create(raw)
	if err != nil {
		panic(err)
	}
	return o
}

// Opaque mints a new opaque origin that is equal to nothing but its copies.
func Opaque() Origin {
	return Origin{kind: kindOpaque, token: uuid.New()}
}

// FromTuple builds a tuple origin from already-parsed parts. The host is
// canonicalized the way Create does it; a host that cannot be
// canonicalized yields a fresh opaque origin.
func FromTuple(scheme, host string, port uint16) Origin {
	scheme = strings.ToLower(scheme)
	if scheme == "file" {
		return Origin{kind: kindTuple, scheme: "file"}
	}
	h, ok := canonicalHost(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	if !ok {
		return Opaque()
	}
	return Origin{
		kind:   kindTuple,
		scheme: scheme,
		host:   h,
		port:   port,
	}
}

func fromURL(raw string, allowInner bool) Origin {
	u, err := url.Parse(withAuthority(raw))
	if err != nil || u.Scheme == "" {
		return Opaque()
	}
	scheme := strings.ToLower(u.Scheme)

	switch scheme {
	case "blob", "filesystem":
		if !allowInner {
			return Opaque()
		}
		return fromURL(raw[len(scheme)+1:], false)
	case "file":
		return Origin{kind: kindTuple, scheme: "file"}
	}

	def, standard := defaultPorts[scheme]
	if !standard || u.Opaque != "" {
		return Opaque()
	}
	host, ok := canonicalHost(u.Hostname())
	if !ok {
		return Opaque()
	}
	port := def
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Opaque()
		}
		port = uint16(n)
	}
	return Origin{kind: kindTuple, scheme: scheme, host: host, port: port}
}

// withAuthority rewrites a special-scheme URL so that its authority starts
// with exactly "//". Special schemes accept any run of slashes or
// backslashes there, including none: "https:a.example" and
// `https:\\a.example` both name https://a.example.
func withAuthority(raw string) string {
	i := strings.IndexByte(raw, ':')
	if i <= 0 {
		return raw
	}
	scheme := strings.ToLower(raw[:i])
	if _, special := defaultPorts[scheme]; !special {
		return raw
	}
	rest := strings.TrimLeft(raw[i+1:], `/\`)
	if j := strings.IndexAny(rest, `/\?#`); j >= 0 {
		rest = rest[:j]
	}
	return scheme + "://" + rest
}

func canonicalHost(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	if strings.Contains(h, ":") {
		ip, err := netip.ParseAddr(h)
		if err != nil || !ip.Is6() || ip.Zone() != "" {
			return "", false
		}
		return "[" + ip.String() + "]", true
	}
	ascii, err := hostProfile.ToASCII(h)
	if err != nil || ascii == "" {
		return "", false
	}
	ascii = strings.ToLower(ascii)
	if endsInNumber(ascii) {
		ip, ok := parseIPv4(ascii)
		if !ok {
			return "", false
		}
		return ip.String(), true
	}
	return ascii, true
}

// endsInNumber reports whether the last label of host is a decimal or
// 0x-prefixed hex number, which makes the whole host an IPv4 address.
func endsInNumber(host string) bool {
	labels := strings.Split(host, ".")
	if len(labels) > 1 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	last := labels[len(labels)-1]
	if last == "" {
		return false
	}
	if isDigits(last, 10) {
		return true
	}
	return strings.HasPrefix(last, "0x") && (last == "0x" || isDigits(last[2:], 16))
}

// parseIPv4 accepts one to four dot-separated parts, each decimal, octal
// (leading 0) or hex (0x). The last part fills every remaining byte, so
// "127.1" and "0x7f.1" are both 127.0.0.1.
func parseIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, ok := parseIPv4Part(p)
		if !ok {
			return netip.Addr{}, false
		}
		nums[i] = n
	}
	var v uint64
	for _, n := range nums[:len(nums)-1] {
		if n > 255 {
			return netip.Addr{}, false
		}
		v = v<<8 | n
	}
	rest := 8 * uint(5-len(nums))
	last := nums[len(nums)-1]
	if last >= 1<<rest {
		return netip.Addr{}, false
	}
	v = v<<rest | last
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}

func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(p, "0x"):
		p, base = p[2:], 16
		if p == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		p, base = p[1:], 8
	}
	if !isDigits(p, base) {
		return 0, false
	}
	n, err := strconv.ParseUint(p, base, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigits(s string, base int) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '7':
		case c >= '8' && c <= '9' && base >= 10:
		case c >= 'a' && c <= 'f' && base == 16:
		default:
			return false
		}
	}
	return true
}

// IsValid reports whether o was produced by a constructor.
func (o Origin) IsValid() bool { return o.kind != kindInvalid }

// IsOpaque reports whether o is an opaque origin.
func (o Origin) IsOpaque() bool { return o.kind == kindOpaque }

func (o Origin) Scheme() string { return o.scheme }
func (o Origin) Host() string   { return o.host }
func (o Origin) Port() uint16   { return o.port }

// IsSameOriginWith reports tuple equality for tuple origins and token
// equality for opaque ones.
func (o Origin) IsSameOriginWith(other Origin) bool {
	if o.kind != other.kind || o.kind == kindInvalid {
		return false
	}
	if o.kind == kindOpaque {
		return o.token == other.token
	}
	return o.scheme == other.scheme && o.host == other.host && o.port == other.port
}

// Serialize returns the ASCII serialization. Default ports are omitted and
// every opaque origin serializes to "null".
func (o Origin) Serialize() string {
	switch o.kind {
	case kindTuple:
		if o.scheme == "file" {
			return "file://"
		}
		s := o.scheme + "://" + o.host
		if def, ok := defaultPorts[o.scheme]; !ok || def != o.port {
			s += ":" + strconv.Itoa(int(o.port))
		}
		return s
	default:
		return "null"
	}
}

// String is for logs only. Opaque origins include their token so that
// distinct opaque origins can be told apart in diagnostics.
func (o Origin) String() string {
	switch o.kind {
	case kindOpaque:
		return "null#" + o.token.String()
	case kindInvalid:
		return "<invalid>"
	default:
		return o.Serialize()
	}
}

// Compare orders origins: invalid, then tuples by (scheme, host, port),
// then opaque origins by token.
func (o Origin) Compare(other Origin) int {
	if o.kind != other.kind {
		if o.kind < other.kind {
			return -1
		}
		return 1
	}
	switch o.kind {
	case kindTuple:
		if c := strings.Compare(o.scheme, other.scheme); c != 0 {
			return c
		}
		if c := strings.Compare(o.host, other.host); c != 0 {
			return c
		}
		switch {
		case o.port < other.port:
			return -1
		case o.port > other.port:
			return 1
		}
		return 0
	case kindOpaque:
		return bytes.Compare(o.token[:], other.token[:])
	}
	return 0
}
