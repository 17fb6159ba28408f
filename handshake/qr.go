package handshake

import (
	"encoding/base64"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// QRDataURI renders content as a PNG QR code embedded in a data URI.
func QRDataURI(content string, size int) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return "", errors.Wrap(err, "encode qr")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// BotLink is the t.me entry point for a bot username, with or without the leading @.
func BotLink(username string) string {
	if len(username) > 0 && username[0] == '@' {
		username = username[1:]
	}
	return "https://t.me/" + username
}
