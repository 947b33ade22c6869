package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestValidateWebhookURL(t *testing.T) {
	resolver := staticResolver{
		"hooks.example.com":  {"93.184.216.34"},
		"intranet.example":   {"93.184.216.34", "10.0.0.7"},
		"metadata.cloud.dev": {"169.254.169.254"},
	}
	tests := []struct {
		name       string
		url        string
		requireTLS bool
		wantErr    bool
	}{
		{"public https", "https://hooks.example.com/escrow", true, false},
		{"public http", "http://hooks.example.com/escrow", false, false},
		{"http when tls required", "http://hooks.example.com/escrow", true, true},
		{"bad scheme", "ftp://hooks.example.com", false, true},
		{"no host", "https:///path", false, true},
		{"localhost", "http://LOCALHOST:8080", false, true},
		{"loopback literal", "http://127.0.0.1/hook", false, true},
		{"private literal", "https://192.168.1.10/hook", false, true},
		{"resolves private", "https://intranet.example/hook", false, true},
		{"resolves link-local", "https://metadata.cloud.dev/", false, true},
		{"unresolvable", "https://nowhere.example/", false, true},
		{"public literal", "https://93.184.216.34/hook", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(context.Background(), tt.url, tt.requireTLS, resolver)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
