package utils

import (
	"fmt"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// SanitizeFilename keeps letters, digits, space, '-', '_' and '.' and drops
// everything else. Trailing spaces are trimmed.
func SanitizeFilename(name string) string {
	return strings.TrimRight(unsafeFilenameRegex.ReplaceAllString(name, ""), " ")
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// KBPerSecond is the rate of bytes over elapsed, never negative.
func KBPerSecond(bytes int64, elapsed time.Duration) float64 {
	if bytes <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / 1024 / elapsed.Seconds()
}

// FormatThroughput renders a KB/s rate the way the status endpoint reports
// it. Zero is "0 KB/s".
func FormatThroughput(kbps float64) string {
	if kbps <= 0 {
		return "0 KB/s"
	}
	return fmt.Sprintf("%.1f KB/s", kbps)
}
