package dicomweb

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"strings"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/protocol"
)

// FormatStowError renders a STOW-RS failure body for logs. DICOM XML
// responses are re-indented; anything else is returned trimmed.
func FormatStowError(body []byte, contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != protocol.MediaTypeDicomXML {
		return strings.TrimSpace(string(body))
	}
	pretty, err := indentXML(body)
	if err != nil {
		return strings.TrimSpace(string(body))
	}
	return pretty
}

func indentXML(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var out bytes.Buffer
	enc := xml.NewEncoder(&out)
	enc.Indent("", "  ")
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		// Whitespace between elements is replaced by the encoder's indentation.
		if cd, ok := tok.(xml.CharData); ok && len(bytes.TrimSpace(cd)) == 0 {
			continue
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return "", err
		}
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}
