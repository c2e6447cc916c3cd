package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"local-relay/correlation"
	"local-relay/message"
)

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func handle(t *testing.T, seg Segmenter, id string, body string) (*message.Response, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	ctx := correlation.WithID(context.Background(), id)
	resp := Handler(seg, zerolog.New(&logs))(ctx, &message.Request{RequestID: id, Payload: json.RawMessage(body)})
	require.NotNil(t, resp)
	return resp, &logs
}

func TestSinglePixelFullImage(t *testing.T) {
	body := `{"requestId":"r1","imageBase64":"` + pngBase64(t, 1, 1) + `"}`
	resp, logs := handle(t, BoxSegmenter{}, "r1", body)

	require.Empty(t, resp.Error)
	sr, ok := resp.Payload.(*message.SegmentResponse)
	require.True(t, ok)
	assert.Equal(t, "r1", sr.RequestID)
	assert.Equal(t, 1, sr.MaskWidth)
	assert.Equal(t, 1, sr.MaskHeight)

	mask, err := base64.StdEncoding.DecodeString(sr.MaskBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{255}, mask)

	assert.Contains(t, logs.String(), "Using full image as box (no bbox provided)")
	assert.Contains(t, logs.String(), `"box":[0,0,1,1]`)
	assert.Contains(t, logs.String(), `"requestId":"r1"`)
	assert.Contains(t, logs.String(), "Inference complete")
}

func TestBoxPrompt(t *testing.T) {
	body := `{"requestId":"r2","imageBase64":"` + pngBase64(t, 4, 2) + `","bbox":{"x1":1,"y1":0,"x2":3}}`
	resp, logs := handle(t, BoxSegmenter{}, "r2", body)

	require.Empty(t, resp.Error)
	sr := resp.Payload.(*message.SegmentResponse)
	mask, err := base64.StdEncoding.DecodeString(sr.MaskBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 255, 255, 0,
		0, 255, 255, 0,
	}, mask)
	assert.Contains(t, logs.String(), "Using box prompt")
}

func TestHandlerFaults(t *testing.T) {
	cases := map[string]string{
		"missing image": `{"requestId":"r1"}`,
		"not base64":    `{"requestId":"r1","imageBase64":"%%%"}`,
		"not an image":  `{"requestId":"r1","imageBase64":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}`,
		"inverted box":  `{"requestId":"r1","imageBase64":"` + pngBase64(t, 2, 2) + `","bbox":{"x1":2,"x2":1}}`,
		"not an object": `[1,2,3]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, _ := handle(t, BoxSegmenter{}, "r1", body)
			assert.Equal(t, "r1", resp.RequestID)
			assert.NotEmpty(t, resp.Error)

			out, err := resp.Body()
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, json.Unmarshal(out, &got))
			assert.Equal(t, "r1", got["requestId"])
			assert.NotContains(t, got, "maskBase64")
		})
	}
}

type segmenterFunc func(ctx context.Context, img image.Image, box Box) ([]byte, error)

func (f segmenterFunc) Segment(ctx context.Context, img image.Image, box Box) ([]byte, error) {
	return f(ctx, img, box)
}

func TestSegmenterErrors(t *testing.T) {
	body := `{"imageBase64":"` + pngBase64(t, 2, 2) + `"}`

	failing := segmenterFunc(func(context.Context, image.Image, Box) ([]byte, error) {
		return nil, errors.New("out of memory")
	})
	resp, _ := handle(t, failing, "a", body)
	assert.Contains(t, resp.Error, "out of memory")

	short := segmenterFunc(func(context.Context, image.Image, Box) ([]byte, error) {
		return []byte{255}, nil
	})
	resp, _ = handle(t, short, "b", body)
	assert.Contains(t, resp.Error, ErrMaskMismatch.Error())
}

func TestBoxFromPrompt(t *testing.T) {
	bounds := image.Rect(0, 0, 10, 20)
	assert.Equal(t, Box{0, 0, 10, 20}, BoxFromPrompt(nil, bounds))

	x1, y2 := 2.5, 7.0
	assert.Equal(t, Box{2.5, 0, 10, 7}, BoxFromPrompt(&message.BBox{X1: &x1, Y2: &y2}, bounds))
}

func TestBoxSegmenterClipsToImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.Set(0, 0, color.White)

	mask, err := BoxSegmenter{}.Segment(context.Background(), img, Box{-5, -5, 1.2, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 255, 0}, mask)
}

func TestCoverage(t *testing.T) {
	assert.Equal(t, 0.0, Coverage(nil))
	assert.Equal(t, 50.0, Coverage([]byte{0, 255}))
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h 8-bit gray
// pixels, with no image data. Enough for image.DecodeConfig.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth; color type 0 (gray)

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecompressionBombRejected(t *testing.T) {
	called := false
	seg := segmenterFunc(func(context.Context, image.Image, Box) ([]byte, error) {
		called = true
		return nil, nil
	})
	b64 := base64.StdEncoding.EncodeToString(pngHeader(30000, 30000))
	resp, _ := handle(t, seg, "r1", `{"requestId":"r1","imageBase64":"`+b64+`"}`)

	assert.False(t, called)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Contains(t, resp.Error, ErrBadImage.Error())
	assert.Contains(t, resp.Error, "30000x30000")

	_, err := DecodeImage(b64, DefaultMaxPixels)
	assert.ErrorIs(t, err, ErrBadImage)
}

func TestMaxPixelsOption(t *testing.T) {
	var logs bytes.Buffer
	handler := Handler(BoxSegmenter{}, zerolog.New(&logs), WithMaxPixels(3))
	ctx := correlation.WithID(context.Background(), "r1")

	resp := handler(ctx, &message.Request{RequestID: "r1", Payload: json.RawMessage(`{"imageBase64":"` + pngBase64(t, 2, 2) + `"}`)})
	assert.Contains(t, resp.Error, "exceeds 3 pixels")

	resp = handler(ctx, &message.Request{RequestID: "r1", Payload: json.RawMessage(`{"imageBase64":"` + pngBase64(t, 3, 1) + `"}`)})
	assert.Empty(t, resp.Error)
}
