package tts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	signatureAlgorithm = "hmac-sha256"
	signedHeaders      = "host date request-line"
)

// SignEndpoint returns endpoint with the authorization, date and host query
// parameters the provider expects. The result depends only on its inputs.
//
// The provider rejects dates outside its clock-skew window, so production
// callers must pass the current time.
func SignEndpoint(endpoint, host string, creds Credentials, now time.Time) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("xfyun: parse endpoint: %w", err)
	}
	if host == "" {
		host = u.Host
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	date := now.UTC().Format(http.TimeFormat)
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", host, date, path)

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authorization := fmt.Sprintf(`api_key="%s", algorithm="%s", headers="%s", signature="%s"`,
		creds.APIKey, signatureAlgorithm, signedHeaders, signature)

	query := url.Values{}
	query.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	query.Set("date", date)
	query.Set("host", host)
	u.RawQuery = query.Encode()

	return u.String(), nil
}
