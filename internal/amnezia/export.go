package amnezia

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/polarpass/teller/pkg/models"
)

// defaultKeyTemplate is the client config handed out when no template file
// is configured. Placeholders are substituted per key.
const defaultKeyTemplate = `{
  "containers": [
    {
      "container": "amnezia-xray",
      "xray": {
        "last_config": "{\"clients\":[{\"flow\":\"xtls-rprx-vision\",\"id\":\"UUID\"}],\"outbounds\":[{\"protocol\":\"vless\",\"settings\":{\"vnext\":[{\"address\":\"HOST_NAME\",\"port\":PORT,\"users\":[{\"encryption\":\"none\",\"flow\":\"xtls-rprx-vision\",\"id\":\"UUID\"}]}]},\"streamSettings\":{\"network\":\"tcp\",\"realitySettings\":{\"fingerprint\":\"chrome\",\"publicKey\":\"PUBLIC_KEY\",\"serverName\":\"SERVER_NAME\",\"shortId\":\"SHORT_ID\"},\"security\":\"reality\"}}]}",
        "transport_proto": "tcp"
      }
    }
  ],
  "defaultContainer": "amnezia-xray",
  "hostName": "HOST_NAME"
}`

// ExportKey renders the client template for one credential and wraps it in
// the vpn:// container format: the rendered config is deflate-compressed,
// prefixed with the uncompressed length as a big-endian uint32 and encoded
// base64url without padding.
func ExportKey(template, clientID string, server models.VPNServer, publicKey, shortID string) (string, error) {
	if template == "" {
		template = defaultKeyTemplate
	}

	rendered := template
	rendered = strings.ReplaceAll(rendered, "UUID", clientID)
	rendered = strings.ReplaceAll(rendered, "HOST_NAME", server.Host)
	rendered = strings.ReplaceAll(rendered, "PORT", server.XrayPort)
	rendered = strings.ReplaceAll(rendered, "SERVER_NAME", server.XrayServerName)
	rendered = strings.ReplaceAll(rendered, "PUBLIC_KEY", publicKey)
	rendered = strings.ReplaceAll(rendered, "SHORT_ID", shortID)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write([]byte(rendered)); err != nil {
		return "", fmt.Errorf("failed to compress key config: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress key config: %w", err)
	}

	payload := make([]byte, 4, 4+compressed.Len())
	binary.BigEndian.PutUint32(payload, uint32(len(rendered)))
	payload = append(payload, compressed.Bytes()...)

	return "vpn://" + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(payload), nil
}
