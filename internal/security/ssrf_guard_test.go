package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewURLGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストをブロックすることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewURLGuard().NewSafeClient(5 * time.Second)

	_, err := client.Get(ts.URL)
	if err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestValidateURL はURLの静的検証をテストする。
func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"公開HTTPS", "https://kick.com/api/v2/clips", false},
		{"公開HTTP", "http://clips.kick.com/video.mp4", false},
		{"CDNホスト", "https://clips.kick.com/clips/abc/thumbnail.webp", false},
		{"空文字列", "", true},
		{"不正なスキーム", "ftp://kick.com/file", true},
		{"javascriptスキーム", "javascript:alert(1)", true},
		{"ホストなし", "https:///path", true},
		{"プライベートIP 10.x", "http://10.0.0.1/", true},
		{"プライベートIP 192.168.x", "https://192.168.1.1/x.mp4", true},
		{"ループバック", "http://127.0.0.1:8080/", true},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data", true},
		{"IPv6ループバック", "http://[::1]/", true},
		{"IPv4射影アドレス", "http://[::ffff:127.0.0.1]/", true},
		{"ゼロアドレス", "http://0.0.0.0/", true},
		{"localhost", "http://LOCALHOST/", true},
		{"GCEメタデータ", "http://metadata.google.internal/", true},
	}
	guard := NewURLGuard()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

// TestMediaURL は危険なメディアURLが空文字列に置き換えられることをテストする。
func TestMediaURL(t *testing.T) {
	guard := NewURLGuard()

	if got := guard.MediaURL("  https://clips.kick.com/a.mp4 "); got != "https://clips.kick.com/a.mp4" {
		t.Errorf("MediaURL(安全) = %q", got)
	}
	for _, raw := range []string{"", "   ", "http://127.0.0.1/a.mp4", "data:image/png;base64,AAAA", "::::"} {
		if got := guard.MediaURL(raw); got != "" {
			t.Errorf("MediaURL(%q) = %q, want empty", raw, got)
		}
	}
}
