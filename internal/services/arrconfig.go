package services

import (
	"encoding/xml"
	"os"
	"strings"
)

// arrConfigXML mirrors just the element *arr applications write API
// keys into; the rest of config.xml is ignored.
type arrConfigXML struct {
	APIKey string `xml:"ApiKey"`
}

// extractArrAPIKey parses an *arr application's config.xml and returns
// its <ApiKey> element, trimmed. It is the extract callback
// WaitForCredentialFile polls with while waiting for an application's
// first-run config.xml to appear.
func extractArrAPIKey(data []byte) (string, bool) {
	var doc arrConfigXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	key := strings.TrimSpace(doc.APIKey)
	if key == "" {
		return "", false
	}
	return key, true
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o775)
}
