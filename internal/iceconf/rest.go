package iceconf

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTSource fetches TURN REST credentials from an external credential
// service:
//
//	GET <base>?service=turn&username=<identity>&iceTransportPolicy=relay
//	    [&namespace=...][&gateway=...][&listener=...]
//
// Response: {"urls": ..., "username": ..., "credential": ..., "credentialType": ...}
type RESTSource struct {
	client   *resty.Client
	identity string
	ttl      time.Duration

	// Optional routing hints forwarded to the credential service.
	Namespace string
	Gateway   string
	Listener  string
}

type restResponse struct {
	URLs           urlList `json:"urls"`
	Username       string  `json:"username"`
	Credential     string  `json:"credential"`
	CredentialType string  `json:"credentialType"`
	TTLSeconds     int64   `json:"ttl"`
}

// urlList accepts both a single URL string and an array of them.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*u = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

func NewRESTSource(baseURL, identity string, ttl time.Duration) *RESTSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &RESTSource{
		client:   client,
		identity: identity,
		ttl:      ttl,
	}
}

func (s *RESTSource) Fetch(ctx context.Context) (Configuration, error) {
	params := map[string]string{
		"service":            "turn",
		"username":           s.identity,
		"iceTransportPolicy": "relay",
	}
	if s.Namespace != "" {
		params["namespace"] = s.Namespace
	}
	if s.Gateway != "" {
		params["gateway"] = s.Gateway
	}
	if s.Listener != "" {
		params["listener"] = s.Listener
	}

	var body restResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		Get("")
	if err != nil {
		return Configuration{}, fmt.Errorf("credential service: %w", err)
	}
	if resp.IsError() {
		return Configuration{}, fmt.Errorf("credential service: status %d", resp.StatusCode())
	}
	if len(body.URLs) == 0 || body.Credential == "" {
		return Configuration{}, fmt.Errorf("credential service: incomplete response")
	}

	ttl := s.ttl
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}

	return Configuration{
		URLs:           body.URLs,
		Username:       body.Username,
		Credential:     body.Credential,
		CredentialType: body.CredentialType,
		FetchedAt:      time.Now(),
		TTL:            ttl,
	}, nil
}
