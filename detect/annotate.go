package detect

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"sentinel/models"
)

var (
	colorPistol = color.RGBA{R: 255}            // red
	colorOther  = color.RGBA{B: 255}            // blue
	colorClear  = color.RGBA{G: 255}            // green
	colorWhite  = color.RGBA{R: 255, G: 255, B: 255}
)

// Annotator renders detection boxes and a status overlay onto frames and
// re-encodes them for streaming.
type Annotator struct {
	jpegQuality int
	// streamWidth, when non-zero, downscales the annotated frame to this
	// width (aspect preserved) to keep stream bandwidth and encode cost down.
	streamWidth int
}

// NewAnnotator configures frame rendering.
func NewAnnotator(jpegQuality, streamWidth int) *Annotator {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 80
	}
	return &Annotator{jpegQuality: jpegQuality, streamWidth: streamWidth}
}

// Render draws detections and overlay lines on a copy of the frame and
// returns the annotated frame carrying the same sequence number and
// timestamp. The input frame is never modified.
func (a *Annotator) Render(frame *models.Frame, detections []models.Detection, overlay []string) (*models.Frame, error) {
	mat, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %v", frame.Seq, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("frame %d decoded empty", frame.Seq)
	}

	for _, det := range detections {
		boxColor := colorOther
		if det.Label == "pistol" {
			boxColor = colorPistol
		}
		rect := image.Rect(det.Box.X, det.Box.Y, det.Box.X+det.Box.W, det.Box.Y+det.Box.H)
		gocv.Rectangle(&mat, rect, boxColor, 2)

		label := fmt.Sprintf("%s: %.2f", det.Label, det.Confidence)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 2)
		bg := image.Rect(det.Box.X, det.Box.Y-size.Y-10, det.Box.X+size.X, det.Box.Y)
		gocv.Rectangle(&mat, bg, boxColor, -1)
		gocv.PutText(&mat, label, image.Pt(det.Box.X, det.Box.Y-5),
			gocv.FontHersheySimplex, 0.5, colorWhite, 2)
	}

	textColor := colorClear
	if len(detections) > 0 {
		textColor = colorPistol
	}
	for i, line := range overlay {
		gocv.PutText(&mat, line, image.Pt(10, 30+i*30),
			gocv.FontHersheySimplex, 0.6, textColor, 2)
	}

	out := mat
	scaled := gocv.NewMat()
	defer scaled.Close()
	if a.streamWidth > 0 && mat.Cols() > a.streamWidth {
		height := mat.Rows() * a.streamWidth / mat.Cols()
		gocv.Resize(mat, &scaled, image.Pt(a.streamWidth, height), 0, 0, gocv.InterpolationArea)
		out = scaled
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out,
		[]int{gocv.IMWriteJpegQuality, a.jpegQuality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotated frame %d: %v", frame.Seq, err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return &models.Frame{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Width:     out.Cols(),
		Height:    out.Rows(),
		Data:      data,
	}, nil
}
