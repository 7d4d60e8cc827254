package camera

import (
	"fmt"
	"strconv"

	"gocv.io/x/gocv"
)

// Webcam captures frames from a local video device through OpenCV. Device may
// be a numeric index ("0") or a device path ("/dev/video2").
type Webcam struct {
	device      string
	width       int
	height      int
	jpegQuality int

	cap *gocv.VideoCapture
	mat gocv.Mat
}

// NewWebcam configures a webcam device. Nothing is opened until Open.
func NewWebcam(device string, width, height, jpegQuality int) *Webcam {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 85
	}
	return &Webcam{
		device:      device,
		width:       width,
		height:      height,
		jpegQuality: jpegQuality,
	}
}

// Open acquires the device and applies the requested capture geometry.
func (w *Webcam) Open() error {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(w.device); convErr == nil {
		cap, err = gocv.OpenVideoCapture(idx)
	} else {
		cap, err = gocv.OpenVideoCapture(w.device)
	}
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %v", w.device, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("camera %s is not available", w.device)
	}

	if w.width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(w.width))
	}
	if w.height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(w.height))
	}

	w.cap = cap
	w.mat = gocv.NewMat()
	return nil
}

// Grab reads one frame and returns it JPEG-encoded.
func (w *Webcam) Grab() ([]byte, int, int, error) {
	if w.cap == nil {
		return nil, 0, 0, fmt.Errorf("camera %s not opened", w.device)
	}
	if ok := w.cap.Read(&w.mat); !ok || w.mat.Empty() {
		return nil, 0, 0, fmt.Errorf("failed to read frame from camera %s", w.device)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, w.mat,
		[]int{gocv.IMWriteJpegQuality, w.jpegQuality})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode frame: %v", err)
	}
	defer buf.Close()

	// The native buffer is freed on Close, copy out.
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return data, w.mat.Cols(), w.mat.Rows(), nil
}

// Close releases the device.
func (w *Webcam) Close() error {
	if !w.mat.Closed() {
		w.mat.Close()
	}
	if w.cap != nil {
		err := w.cap.Close()
		w.cap = nil
		return err
	}
	return nil
}
