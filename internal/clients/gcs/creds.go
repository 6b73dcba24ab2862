package gcs

import (
	"os"
	"strings"

	"google.golang.org/api/option"
)

// ClientOptionsFromEnv resolves GCS credentials: inline JSON via
// GOOGLE_APPLICATION_CREDENTIALS_JSON wins, then a key-file path via
// GOOGLE_APPLICATION_CREDENTIALS. With neither set, the client falls
// back to ambient application-default credentials.
func ClientOptionsFromEnv() []option.ClientOption {
	if inline := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); inline != "" {
		if strings.HasPrefix(inline, "{") {
			return []option.ClientOption{option.WithCredentialsJSON([]byte(inline))}
		}
		return []option.ClientOption{option.WithCredentialsFile(inline)}
	}
	if path := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}
