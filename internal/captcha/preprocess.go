package captcha

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
)

// Preprocess decodes img, converts it to grayscale, resizes it to the model
// input and normalizes every pixel to (v/255 - mean)/std per channel.
// The result is laid out NCHW with N=1.
func Preprocess(img []byte, meta *Metadata) ([]float32, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	w, h, c := meta.Width(), meta.Height(), meta.Channels()

	gray := image.NewGray(src.Bounds())
	draw.Draw(gray, gray.Bounds(), src, src.Bounds().Min, draw.Src)

	resized := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	out := make([]float32, c*h*w)
	for ch := 0; ch < c; ch++ {
		mean, std := meta.Mean[ch], meta.Std[ch]
		base := ch * h * w
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := float64(resized.GrayAt(x, y).Y) / 255
				out[base+y*w+x] = float32((v - mean) / std)
			}
		}
	}
	return out, nil
}

// Decode turns per-position class scores into text and confidence.
// Confidence is the mean of the per-position max probabilities.
func Decode(outputs [][]float32, meta *Metadata) (string, float64, error) {
	if len(outputs) == 0 {
		return "", 0, fmt.Errorf("model returned no positions")
	}
	charset := []rune(meta.Charset)

	text := make([]rune, 0, len(outputs))
	var total float64
	for pos, scores := range outputs {
		probs := scores
		if meta.OutputIsLogits {
			probs = softmax(scores)
		}
		best, bestP := -1, float32(-1)
		for i, p := range probs {
			if p > bestP {
				best, bestP = i, p
			}
		}
		if best < 0 || best >= len(charset) {
			return "", 0, fmt.Errorf("position %d: class %d outside charset", pos, best)
		}
		text = append(text, charset[best])
		total += float64(bestP)
	}
	return string(text), total / float64(len(outputs)), nil
}

func softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
