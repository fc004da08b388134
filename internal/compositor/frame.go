package compositor

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	backgroundColor  = color.RGBA{0, 0, 0, 255}
	placeholderColor = color.RGBA{40, 40, 50, 255}
)

// Compose returns a new frame the size of the surface: the video frame
// scaled by the current fit mode, with the overlay surface on top. A nil
// frame is replaced by a placeholder showing message.
func (c *Compositor) Compose(frame *image.RGBA, message string) *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()

	overlay := c.surface.Image()
	out := image.NewRGBA(overlay.Bounds())

	if frame == nil {
		drawPlaceholder(out, message)
	} else {
		draw.Draw(out, out.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)
		dr := fitRect(frame.Bounds(), out.Bounds(), c.controls.FitMode())
		draw.ApproxBiLinear.Scale(out, dr, frame, frame.Bounds(), draw.Src, nil)
	}

	if c.drawn {
		draw.Draw(out, out.Bounds(), overlay, image.Point{}, draw.Over)
	}
	return out
}

// fitRect places src inside dst. Contain letterboxes the whole source;
// cover fills dst and the overhang is clipped by the draw.
func fitRect(src, dst image.Rectangle, mode string) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return dst
	}

	// compare dw/sw with dh/sh without floats
	widthBound := dw*sh <= dh*sw
	if mode == controls.FitCover {
		widthBound = !widthBound
	}

	var w, h int
	if widthBound {
		w, h = dw, sh*dw/sw
	} else {
		w, h = sw*dh/sh, dh
	}

	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func drawPlaceholder(img *image.RGBA, message string) {
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderColor), image.Point{}, draw.Src)
	if message == "" {
		return
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{200, 200, 210, 255}),
		Face: face,
	}
	textWidth := d.MeasureString(message).Ceil()
	b := img.Bounds()
	x := b.Min.X + (b.Dx()-textWidth)/2
	y := b.Min.Y + (b.Dy()+face.Ascent)/2
	d.Dot = fixed.P(max(x, b.Min.X), y)
	d.DrawString(message)
}
