package httpapi

import (
	"encoding/base64"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 320

// qrCache renders a pairing code as a PNG data URL. The bridge rotates the
// code every few seconds while polling clients ask far more often, so the
// last rendering is kept.
type qrCache struct {
	mu   sync.Mutex
	code string
	url  string
}

func (c *qrCache) dataURL(code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code == c.code && c.url != "" {
		return c.url, nil
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	c.code = code
	c.url = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	return c.url, nil
}
