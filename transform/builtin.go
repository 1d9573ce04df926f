package transform

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/opd-ai/vcampipe/frame"
)

// builtinUnits returns the built-in transform catalog.
//
// These are a small subset of the artistic styles the application ships;
// they operate on packed BGR24 buffers and keep the output in BGR24 so
// downstream stages never see a format change.
func builtinUnits() []Unit {
	return []Unit{
		&identityUnit{},
		&brightnessUnit{},
		&contrastUnit{},
		&grayscaleUnit{},
		&invertUnit{},
		&sepiaUnit{},
		&pixelateUnit{},
	}
}

// clampByte clamps an int to the 0-255 byte range.
func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// requireBGR24 validates the frame and rejects non-BGR24 input.
func requireBGR24(f *frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Format != frame.FormatBGR24 {
		return fmt.Errorf("unsupported pixel format %s, want %s", f.Format, frame.FormatBGR24)
	}
	return nil
}

// identityUnit passes frames through unchanged. It is the degradation
// fallback target and must never fail on a valid frame.
type identityUnit struct{}

func (identityUnit) ID() string                  { return IdentityID }
func (identityUnit) ParameterSchema() []ParamSpec { return nil }

func (identityUnit) Apply(f *frame.Frame, _ Params) (*frame.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// brightnessUnit shifts every channel by a signed adjustment.
type brightnessUnit struct{}

func (brightnessUnit) ID() string { return "brightness" }

func (brightnessUnit) ParameterSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "adjustment", Type: ParamInt, Default: 0, Min: -255, Max: 255},
	}
}

func (brightnessUnit) Apply(f *frame.Frame, params Params) (*frame.Frame, error) {
	if err := requireBGR24(f); err != nil {
		return nil, err
	}
	adj := cast.ToInt(params["adjustment"])

	out := f.Clone()
	for i, v := range out.Data {
		out.Data[i] = clampByte(int(v) + adj)
	}
	return out, nil
}

// contrastUnit scales channel distance from mid-gray by a factor.
type contrastUnit struct{}

func (contrastUnit) ID() string { return "contrast" }

func (contrastUnit) ParameterSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "factor", Type: ParamFloat, Default: 1.0, Min: 0.1, Max: 3.0},
	}
}

func (contrastUnit) Apply(f *frame.Frame, params Params) (*frame.Frame, error) {
	if err := requireBGR24(f); err != nil {
		return nil, err
	}
	factor := cast.ToFloat64(params["factor"])

	out := f.Clone()
	for i, v := range out.Data {
		out.Data[i] = clampByte(int((float64(v)-128.0)*factor + 128.0))
	}
	return out, nil
}

// grayscaleUnit converts to luminance but keeps the BGR24 layout with
// equal channels so the sink contract is unchanged.
type grayscaleUnit struct{}

func (grayscaleUnit) ID() string                  { return "grayscale" }
func (grayscaleUnit) ParameterSchema() []ParamSpec { return nil }

func (grayscaleUnit) Apply(f *frame.Frame, _ Params) (*frame.Frame, error) {
	if err := requireBGR24(f); err != nil {
		return nil, err
	}

	out := f.Clone()
	for i := 0; i+2 < len(out.Data); i += 3 {
		b := int(out.Data[i])
		g := int(out.Data[i+1])
		r := int(out.Data[i+2])
		// ITU-R BT.601 luma weights, integer approximation.
		y := byte((114*b + 587*g + 299*r) / 1000)
		out.Data[i] = y
		out.Data[i+1] = y
		out.Data[i+2] = y
	}
	return out, nil
}

// invertUnit produces the photographic negative.
type invertUnit struct{}

func (invertUnit) ID() string                  { return "invert" }
func (invertUnit) ParameterSchema() []ParamSpec { return nil }

func (invertUnit) Apply(f *frame.Frame, _ Params) (*frame.Frame, error) {
	if err := requireBGR24(f); err != nil {
		return nil, err
	}

	out := f.Clone()
	for i, v := range out.Data {
		out.Data[i] = 255 - v
	}
	return out, nil
}

// sepiaUnit applies the standard sepia tone matrix with adjustable intensity.
type sepiaUnit struct{}

func (sepiaUnit) ID() string { return "sepia" }

func (sepiaUnit) ParameterSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "intensity", Type: ParamFloat, Default: 1.0, Min: 0.0, Max: 1.0},
	}
}

func (sepiaUnit) Apply(f *frame.Frame, params Params) (*frame.Frame, error) {
	if err := requireBGR24(f); err != nil {
		return nil, err
	}
	intensity := cast.ToFloat64(params["intensity"])

	out := f.Clone()
	for i := 0; i+2 < len(out.Data); i += 3 {
		b := float64(out.Data[i])
		g := float64(out.Data[i+1])
		r := float64(out.Data[i+2])

		sr := 0.393*r + 0.769*g + 0.189*b
		sg := 0.349*r + 0.686*g + 0.168*b
		sb := 0.272*r + 0.534*g + 0.131*b

		out.Data[i] = clampByte(int(b + (sb-b)*intensity))
		out.Data[i+1] = clampByte(int(g + (sg-g)*intensity))
		out.Data[i+2] = clampByte(int(r + (sr-r)*intensity))
	}
	return out, nil
}

// pixelateUnit averages square blocks of pixels.
type pixelateUnit struct{}

func (pixelateUnit) ID() string { return "pixelate" }

func (pixelateUnit) ParameterSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "block_size", Type: ParamInt, Default: 8, Min: 2, Max: 64},
	}
}

func (pixelateUnit) Apply(f *frame.Frame, params Params) (*frame.Frame, error) {
	if err := requireBGR24(f); err != nil {
		return nil, err
	}
	block := cast.ToInt(params["block_size"])

	out := f.Clone()
	stride := f.Width * 3

	for by := 0; by < f.Height; by += block {
		for bx := 0; bx < f.Width; bx += block {
			bh := block
			if by+bh > f.Height {
				bh = f.Height - by
			}
			bw := block
			if bx+bw > f.Width {
				bw = f.Width - bx
			}

			var sumB, sumG, sumR int
			for y := by; y < by+bh; y++ {
				for x := bx; x < bx+bw; x++ {
					off := y*stride + x*3
					sumB += int(f.Data[off])
					sumG += int(f.Data[off+1])
					sumR += int(f.Data[off+2])
				}
			}
			n := bh * bw
			avgB := byte(sumB / n)
			avgG := byte(sumG / n)
			avgR := byte(sumR / n)

			for y := by; y < by+bh; y++ {
				for x := bx; x < bx+bw; x++ {
					off := y*stride + x*3
					out.Data[off] = avgB
					out.Data[off+1] = avgG
					out.Data[off+2] = avgR
				}
			}
		}
	}
	return out, nil
}
