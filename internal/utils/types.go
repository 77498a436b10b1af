package utils

import "time"

// ResourceKind is set by the extraction variant that produced a Resource.
type ResourceKind string

const (
	KindPhoto    ResourceKind = "photo"
	KindResource ResourceKind = "resource"
)

// Resource is one downloadable record found on a listing or profile page.
// Its identity is its 1-based position in the discovered sequence.
type Resource struct {
	URL        string       `json:"url"`
	Title      string       `json:"title"`
	Kind       ResourceKind `json:"type"`
	PreviewURL string       `json:"preview_url"`
}

type HTTPClientConfig struct {
	Timeout       time.Duration     `yaml:"timeout"`
	KATimeout     time.Duration     `yaml:"keep_alive_timeout"`
	ProxyURL      string            `yaml:"proxy"`
	ProxyUsername string            `yaml:"proxy_username"`
	ProxyPassword string            `yaml:"proxy_password"`
	UserAgent     string            `yaml:"user_agent"`
	Headers       map[string]string `yaml:"headers"`
}
