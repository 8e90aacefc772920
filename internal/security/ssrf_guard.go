// Package security は上流APIへの安全なHTTPアクセスと、取り込んだ値の無害化を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

var allowedSchemes = []string{"http", "https"}

// blockedPrefixes はメディアURLのIPリテラルとして拒否する範囲。
// 上流への接続先はsafeurlがDNS解決後に同等の検証を行う。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // 169.254.169.254 メタデータ
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var blockedHostnames = []string{"localhost", "metadata.google.internal"}

var errEmptyURL = errors.New("empty URL")

// URLGuard は上流APIクライアント用の安全なHTTPクライアント生成と、URLの静的検証を行う。
type URLGuard struct{}

// NewURLGuard はURLGuardを生成する。
func NewURLGuard() *URLGuard {
	return &URLGuard{}
}

// NewSafeClient はプライベート・ループバック・リンクローカル宛ての接続を拒否するHTTPクライアントを生成する。
// 接続先の検証はDNS解決後に行われる。レスポンスサイズの上限はupstream.Config.MaxBodySizeで適用する。
func (g *URLGuard) NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はDNS解決を伴わずにURLのスキームとホストを検証する。
func (g *URLGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("scheme %q is not allowed", scheme)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "":
		return fmt.Errorf("URL has no host: %s", rawURL)
	case slices.Contains(blockedHostnames, host):
		return fmt.Errorf("host %s is blocked", host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// IPリテラルでないホスト名は許可する
		return nil
	}
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("address %s is in blocked range %s", addr, p)
		}
	}
	return nil
}

// MediaURL はクリップのメディアURL（動画・サムネイル・パーマリンク）を検証し、
// 安全な場合はそのまま、危険または不正な場合は空文字列を返す。
func (g *URLGuard) MediaURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if g.ValidateURL(rawURL) != nil {
		return ""
	}
	return rawURL
}
