package render

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strconv"

	"github.com/ramiqadoumi/imageflow/internal/domain"
)

const placeholderSize = 64

// PlaceholderRenderer produces solid-colour PNGs derived from the prompt.
// It lets the service run end to end without an inference backend.
type PlaceholderRenderer struct {
	saver Saver
}

func NewPlaceholderRenderer(saver Saver) *PlaceholderRenderer {
	return &PlaceholderRenderer{saver: saver}
}

func (p *PlaceholderRenderer) Render(ctx context.Context, params domain.Params) ([]domain.Result, error) {
	n := params.ImageNumber
	if n <= 0 {
		n = 1
	}

	results := make([]domain.Result, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seed := promptSeed(params.Prompt, i)
		data, err := solidPNG(seed)
		if err != nil {
			return nil, fmt.Errorf("encode placeholder %d: %w", i, err)
		}
		res, err := p.saver.Save("png", data)
		if err != nil {
			return nil, fmt.Errorf("store placeholder %d: %w", i, err)
		}
		res.Seed = strconv.FormatUint(uint64(seed), 10)
		res.FinishReason = "SUCCESS"
		results = append(results, res)
	}
	return results, nil
}

func promptSeed(prompt string, index int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	_, _ = h.Write([]byte{byte(index)})
	return h.Sum32()
}

func solidPNG(seed uint32) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	c := color.RGBA{R: uint8(seed >> 16), G: uint8(seed >> 8), B: uint8(seed), A: 0xff}
	for y := 0; y < placeholderSize; y++ {
		for x := 0; x < placeholderSize; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
