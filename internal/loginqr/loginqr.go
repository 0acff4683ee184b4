// Package loginqr renders login tokens as scannable QR images.
package loginqr

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the rendered image edge length in pixels.
const DefaultSize = 256

var ErrEmptyToken = errors.New("loginqr: empty token")

// PNG encodes token as a QR code PNG of the given size.
func PNG(token string, size int) ([]byte, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// DataURL encodes token as a base64 PNG data URL suitable for an <img> src.
func DataURL(token string) (string, error) {
	png, err := PNG(token, DefaultSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
