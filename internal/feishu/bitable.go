package feishu

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef identifies a bitable table parsed from its share link.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
}

// ParseBitableURL extracts the app token and table id from links such as
// https://example.feishu.cn/base/<app_token>?table=<table_id>.
// Wiki-hosted bitables are not supported; use the base link instead.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedHost(u.Hostname()) {
		return ref, errors.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		switch segments[i] {
		case "base":
			ref.AppToken = segments[i+1]
		case "wiki":
			return ref, errors.New("wiki links are not supported, use the base link")
		}
		if ref.AppToken != "" {
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url")
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}
	return ref, nil
}

func isAllowedHost(host string) bool {
	lower := strings.ToLower(strings.TrimSpace(host))
	if lower == "" {
		return false
	}
	for _, allowed := range hostAllowList {
		if lower == allowed || strings.HasSuffix(lower, "."+allowed) {
			return true
		}
	}
	return false
}
