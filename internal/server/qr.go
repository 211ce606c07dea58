package server

import (
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/url"
	"strconv"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"golang.org/x/image/draw"
)

const (
	qrModuleSize  = 128
	qrDefaultSize = 512
	qrMaxSize     = 2048
)

// handleQR renders the connect URL (including the token) as a PNG QR code
// so a phone can join the session without typing the token.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	size := qrDefaultSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > qrMaxSize {
			writeError(w, http.StatusBadRequest, "bad_request", "size must be between 64 and 2048")
			return
		}
		size = n
	}

	connect := url.URL{
		Scheme:   "http",
		Host:     r.Host,
		RawQuery: url.Values{"token": {s.cfg.Token}}.Encode(),
	}
	if r.TLS != nil {
		connect.Scheme = "https"
	}

	img, err := renderQR(connect.String(), size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.logger.Debug("qr encode failed", "err", err)
	}
}

// renderQR encodes at the matrix's natural resolution and scales up with
// nearest-neighbor so the modules stay crisp.
func renderQR(content string, size int) (image.Image, error) {
	writer := qrcode.NewQRCodeWriter()
	hints := map[gozxing.EncodeHintType]any{
		gozxing.EncodeHintType_MARGIN: 1,
	}
	matrix, err := writer.Encode(content, gozxing.BarcodeFormat_QR_CODE, qrModuleSize, qrModuleSize, hints)
	if err != nil {
		return nil, err
	}

	src := image.NewGray(image.Rect(0, 0, matrix.GetWidth(), matrix.GetHeight()))
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			if matrix.Get(x, y) {
				src.SetGray(x, y, color.Gray{Y: 0})
			} else {
				src.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	if size == src.Bounds().Dx() {
		return src, nil
	}
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst, nil
}
