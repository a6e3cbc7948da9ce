package audio

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
)

const pcmMediaType = "audio/pcm"

// PCMMIMEType returns the media type announcing raw PCM16 at rate Hz, e.g.
// "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("%s;rate=%d", pcmMediaType, rate)
}

// IsPCMMIMEType reports whether mimeType denotes raw PCM audio, with or
// without parameters.
func IsPCMMIMEType(mimeType string) bool {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.EqualFold(strings.TrimSpace(base), pcmMediaType)
}

// ParsePCMRate returns the rate parameter of a PCM media type. ok is false
// for other media types and for a missing or non-positive rate.
func ParsePCMRate(mimeType string) (rate int, ok bool) {
	if !IsPCMMIMEType(mimeType) {
		return 0, false
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, false
	}
	rate, err = strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Resample converts mono samples from srcRate to dstRate by linear
// interpolation and returns len(samples)*dstRate/srcRate samples. Equal or
// non-positive rates return samples unchanged.
//
// Source positions are computed as exact fractions so long inputs do not
// accumulate drift.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	src, dst := int64(srcRate), int64(dstRate)
	out := make([]float32, int64(len(samples))*dst/src)
	last := len(samples) - 1

	for i := range out {
		pos := int64(i) * src
		j := int(pos / dst)
		frac := float32(pos%dst) / float32(dst)
		next := samples[min(j+1, last)]
		out[i] = samples[j] + (next-samples[j])*frac
	}
	return out
}
