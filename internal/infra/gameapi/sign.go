package gameapi

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign returns the request signature: md5 over the sorted "k=v&k=v" query
// followed by the shared secret. The "sign" key itself is never included.
func Sign(form url.Values, secret string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(form.Get(k))
	}
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// signedForm copies form and attaches the signature.
func signedForm(form url.Values, secret string) url.Values {
	out := make(url.Values, len(form)+1)
	for k, v := range form {
		out[k] = v
	}
	out.Set("sign", Sign(form, secret))
	return out
}
