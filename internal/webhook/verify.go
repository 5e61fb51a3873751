package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"
)

// Verify checks a Mercado Pago style signature:
//
//	x-signature:  ts=<unix>,v1=<hex hmac-sha256>
//	template:     id:<data.id>;request-id:<x-request-id>;ts:<ts>;
//
// data.id is read from the JSON body. Verify never panics and returns false on a
// malformed header, an empty secret, or a digest mismatch.
func Verify(headers http.Header, body []byte, secret string) bool {
	return VerifyRequest(headers, nil, body, secret)
}

// VerifyRequest is Verify with the data.id query parameter taking precedence over the body,
// which is what the gateway signs when it appends ?data.id= to the notification URL.
func VerifyRequest(headers http.Header, query url.Values, body []byte, secret string) bool {
	if secret == "" || headers == nil {
		return false
	}
	ts, digest, ok := parseSignature(headers.Get(HeaderSignature))
	if !ok {
		return false
	}
	want, err := hex.DecodeString(digest)
	if err != nil || len(want) != sha256.Size {
		return false
	}

	dataID := query.Get("data.id")
	if dataID == "" {
		dataID = bodyDataID(body)
	}
	manifest := Manifest(dataID, headers.Get(HeaderRequestID), ts)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hmac.Equal(mac.Sum(nil), want)
}

// Manifest builds the signed template. Parts whose value is absent are left out.
// Alphanumeric ids are signed lowercased.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// Sign returns the x-signature header value for a payload (tests, local tooling).
func Sign(secret, dataID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Manifest(dataID, requestID, ts)))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignature(h string) (ts, v1 string, ok bool) {
	if h == "" {
		return "", "", false
	}
	for _, part := range strings.Split(h, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return "", "", false
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", false
	}
	for _, r := range ts {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return ts, v1, true
}

func bodyDataID(body []byte) string {
	var env struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		return ""
	}
	return rawID(env.Data.ID)
}

// rawID accepts "id": "123" and "id": 123.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}
