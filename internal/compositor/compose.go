package compositor

import "image"

// Composite draws the host frame into the left half of dst and the opponent
// frame into the right half, scaling each with nearest-neighbor sampling.
// Either source may be nil, in which case its half is left black.
func Composite(dst *image.RGBA, host, opponent *image.RGBA) {
	bounds := dst.Bounds()
	half := bounds.Dx() / 2

	clear(dst.Pix)
	if host != nil {
		scaleInto(dst, image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+half, bounds.Max.Y), host)
	}
	if opponent != nil {
		scaleInto(dst, image.Rect(bounds.Min.X+half, bounds.Min.Y, bounds.Max.X, bounds.Max.Y), opponent)
	}
}

// scaleInto fills the target rect of dst with a nearest-neighbor scaled
// copy of src.
func scaleInto(dst *image.RGBA, rect image.Rectangle, src *image.RGBA) {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	dw, dh := rect.Dx(), rect.Dy()
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return
	}
	for y := 0; y < dh; y++ {
		sy := sb.Min.Y + y*sh/dh
		for x := 0; x < dw; x++ {
			sx := sb.Min.X + x*sw/dw
			dst.SetRGBA(rect.Min.X+x, rect.Min.Y+y, src.RGBAAt(sx, sy))
		}
	}
}

// MixAudio sums two PCM streams sample by sample, clamping to the int16
// range. The shorter input is treated as padded with silence.
func MixAudio(a, b []int16) []int16 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		if i < len(a) {
			sum += int32(a[i])
		}
		if i < len(b) {
			sum += int32(b[i])
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		out[i] = int16(sum)
	}
	return out
}
